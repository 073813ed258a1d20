// Package prompt loads the agent's system prompt from disk. The file is
// read once and cached; with watching enabled, edits to it take effect
// for the next session without a restart.
package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/rhuss/datachat/pkg/debug"
)

// DefaultPath is the system prompt location relative to the working
// directory.
const DefaultPath = "./prompt/system_prompt.txt"

// Loader caches the content of one prompt file.
type Loader struct {
	path string

	mu     sync.RWMutex
	cached string
	loaded bool

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewLoader creates a loader for path, or DefaultPath when empty.
func NewLoader(path string) *Loader {
	if path == "" {
		path = DefaultPath
	}
	return &Loader{path: path}
}

// Path returns the watched file.
func (l *Loader) Path() string { return l.path }

// Load returns the prompt, reading the file on first use or after the
// cache was invalidated.
func (l *Loader) Load() (string, error) {
	l.mu.RLock()
	if l.loaded {
		s := l.cached
		l.mu.RUnlock()
		return s, nil
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded {
		return l.cached, nil
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return "", fmt.Errorf("reading system prompt: %w", err)
	}
	l.cached, l.loaded = string(data), true
	debug.Log("config", "system prompt loaded", "path", l.path, "bytes", len(data))
	return l.cached, nil
}

// Invalidate drops the cached prompt.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	l.cached, l.loaded = "", false
	l.mu.Unlock()
}

// Watch invalidates the cache whenever the prompt file changes. The
// parent directory is watched so editors that replace the file by rename
// are noticed too. Watching stops when ctx ends or Close is called.
func (l *Loader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(l.path), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	l.watcher, l.cancel, l.done = w, cancel, make(chan struct{})
	go l.watchLoop(ctx)
	return nil
}

func (l *Loader) watchLoop(ctx context.Context) {
	defer close(l.done)
	target := filepath.Clean(l.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				slog.Info("system prompt changed", "path", l.path, "op", ev.Op.String())
				l.Invalidate()
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("system prompt watch error", "error", err)
		}
	}
}

// Close stops watching. It is safe to call without Watch.
func (l *Loader) Close() error {
	if l.watcher == nil {
		return nil
	}
	l.cancel()
	err := l.watcher.Close()
	<-l.done
	return err
}
