package codeinterpreter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultFilesDir is where produced files are stored when no directory is
// configured.
const DefaultFilesDir = "./files"

// DefaultExtension is used when neither a name nor the content reveal the
// file type. Most produced files are charts.
const DefaultExtension = ".png"

// GuessExtension picks an extension for a produced file. The original file
// name wins, then an extension embedded in the identifier, then content
// sniffing, then DefaultExtension.
func GuessExtension(name, fileID string, data []byte) string {
	if ext := filepath.Ext(filepath.Base(name)); len(ext) > 1 {
		return strings.ToLower(ext)
	}
	if ext := filepath.Ext(fileID); len(ext) > 1 {
		return strings.ToLower(ext)
	}
	if ext := SniffExtension(data); ext != "" {
		return ext
	}
	return DefaultExtension
}

// SniffExtension returns the extension matching the detected MIME type of
// data, or "" when the type is unknown. Bytes without a signature that are
// not valid UTF-8 count as unknown, even when the detector calls them text.
func SniffExtension(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	m := mimetype.Detect(data)
	switch {
	case m.Is("application/octet-stream"):
		return ""
	case m.Is("text/plain") && !utf8.Valid(data):
		return ""
	}
	return m.Extension()
}

// FileStore writes produced files into a local directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = DefaultFilesDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating files directory %q: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the store directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Save writes data as {file_id}{ext} and returns the saved path. An id that
// already ends with ext is not suffixed twice.
func (s *FileStore) Save(fileID, ext string, data []byte) (string, error) {
	base := filepath.Base(fileID)
	if base == "." || base == string(filepath.Separator) || base == "" {
		return "", fmt.Errorf("invalid file id %q", fileID)
	}
	if ext != "" && strings.HasSuffix(strings.ToLower(base), strings.ToLower(ext)) {
		ext = ""
	}

	path := filepath.Join(s.dir, base+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return displayPath(path), nil
}

// Open opens a stored file by its base name. Names containing path
// separators are rejected.
func (s *FileStore) Open(name string) (*os.File, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("invalid file name %q: %w", name, os.ErrNotExist)
	}
	return os.Open(filepath.Join(s.dir, name))
}

// displayPath keeps relative paths in "./files/x.png" form, which is how
// answers reference images.
func displayPath(path string) string {
	if filepath.IsAbs(path) || strings.HasPrefix(path, ".") {
		return filepath.ToSlash(path)
	}
	return "./" + filepath.ToSlash(path)
}
