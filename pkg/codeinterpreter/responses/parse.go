package responses

import (
	"path"
	"strings"

	"github.com/openai/openai-go/responses"
	"github.com/rhuss/datachat/pkg/codeinterpreter"
)

// fileRef points at a file to download.
type fileRef struct {
	FileID      string
	ContainerID string

	// Name is the file name reported by the service, if any. It drives
	// extension guessing.
	Name string
}

type output struct {
	// Logs is the combined stdout/stderr and error text of all
	// code_interpreter_call items.
	Logs string

	// Text is the assistant message text.
	Text string

	// Files are the cited container files, each listed once.
	Files []fileRef
}

func parseOutput(items []responses.ResponseOutputItemUnion) output {
	var logs, text strings.Builder
	var out output
	seen := make(map[string]bool)

	for _, item := range items {
		switch item.Type {
		case "code_interpreter_call":
			for _, o := range item.Outputs {
				if o.Type == "logs" {
					logs.WriteString(o.Logs)
				}
			}
			if item.Error != "" {
				if logs.Len() > 0 {
					logs.WriteString("\n")
				}
				logs.WriteString(item.Error)
			}

		case "message":
			for _, part := range item.Content {
				if part.Type != "output_text" {
					continue
				}
				text.WriteString(part.Text)
				for _, ann := range part.Annotations {
					if ann.Type != "container_file_citation" || ann.FileID == "" || seen[ann.FileID] {
						continue
					}
					seen[ann.FileID] = true
					out.Files = append(out.Files, fileRef{
						FileID:      ann.FileID,
						ContainerID: ann.ContainerID,
						Name:        ann.Filename,
					})
				}
			}
		}
	}

	out.Logs = strings.TrimSpace(logs.String())
	out.Text = text.String()
	return out
}

// mergeNewFiles appends files present in after but not in before to cited,
// skipping files that were already cited.
func mergeNewFiles(cited []fileRef, before, after []containerFile, containerID string) []fileRef {
	beforeIDs := make([]string, len(before))
	for i, f := range before {
		beforeIDs[i] = f.ID
	}
	afterIDs := make([]string, len(after))
	paths := make(map[string]string, len(after))
	for i, f := range after {
		afterIDs[i] = f.ID
		paths[f.ID] = f.Path
	}

	known := make(map[string]bool, len(cited))
	for _, ref := range cited {
		known[ref.FileID] = true
	}

	for _, id := range codeinterpreter.NewFileIDs(beforeIDs, afterIDs) {
		if known[id] {
			continue
		}
		ref := fileRef{FileID: id, ContainerID: containerID}
		if p := paths[id]; p != "" {
			ref.Name = path.Base(p)
		}
		cited = append(cited, ref)
	}
	return cited
}
