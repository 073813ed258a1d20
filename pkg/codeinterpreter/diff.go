package codeinterpreter

// NewFileIDs returns the ids present in after but not in before, keeping
// the order of after and dropping duplicates.
func NewFileIDs(before, after []string) []string {
	seen := make(map[string]struct{}, len(before)+len(after))
	for _, id := range before {
		seen[id] = struct{}{}
	}

	var added []string
	for _, id := range after {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		added = append(added, id)
	}
	return added
}
