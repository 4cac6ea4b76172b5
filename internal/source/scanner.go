package source

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ScanDir walks the log root and discovers all JSONL session files.
// The root holds one directory per project; subagent logs live under
// <project>/<session>/subagents/. A missing root yields no files.
func ScanDir(root string) ([]DiscoveredFile, error) {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, nil
	}

	var files []DiscoveredFile

	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // intentionally skip unreadable entries
		}
		if d.IsDir() {
			return nil
		}
		if df, ok := Classify(root, path); ok {
			files = append(files, df)
		}
		return nil
	})

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, err
}

// Classify describes path relative to the log root. It reports false for
// anything that is not a session or subagent log.
func Classify(root, path string) (DiscoveredFile, bool) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, ".jsonl") {
		return DiscoveredFile{}, false
	}

	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return DiscoveredFile{}, false
	}
	parts := strings.Split(rel, string(filepath.Separator))

	projectDir := parts[0]
	df := DiscoveredFile{
		Path:       path,
		Project:    DecodeProjectName(projectDir),
		ProjectDir: projectDir,
	}

	switch {
	case len(parts) == 2:
		// Main session: <project>/<session-uuid>.jsonl
		df.SessionID = strings.TrimSuffix(name, ".jsonl")
	case len(parts) == 4 && parts[2] == "subagents":
		// <project>/<session-uuid>/subagents/agent-<id>.jsonl
		df.IsSubagent = true
		df.ParentSession = parts[1]
		// Use parent+agent to avoid collisions across sessions
		df.SessionID = parts[1] + "/" + strings.TrimSuffix(name, ".jsonl")
	default:
		return DiscoveredFile{}, false
	}
	return df, true
}

// DecodeProjectName extracts a human-readable project name from the encoded directory name.
// The assistant encodes absolute paths by replacing "/" with "-", so:
//
//	"-Users-tayloreernisse-projects-gitlore" -> "gitlore"
//	"-Users-tayloreernisse-projects-my-cool-project" -> "my-cool-project"
//
// We find the last known path component ("projects", "repos", "src", "code", ...)
// and take everything after it. Falls back to the last non-empty segment.
func DecodeProjectName(dirName string) string {
	parts := strings.Split(dirName, "-")

	knownParents := map[string]bool{
		"projects": true, "repos": true, "src": true,
		"code": true, "workspace": true, "dev": true,
	}

	for i := len(parts) - 2; i >= 0; i-- {
		if knownParents[strings.ToLower(parts[i])] {
			name := strings.Join(parts[i+1:], "-")
			if name != "" {
				return name
			}
		}
	}

	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" {
			return parts[i]
		}
	}

	return dirName
}

// CountProjects returns the number of unique projects in a set of discovered files.
func CountProjects(files []DiscoveredFile) int {
	seen := make(map[string]struct{})
	for _, f := range files {
		seen[f.ProjectDir] = struct{}{}
	}
	return len(seen)
}
