package rollout

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ResumeTarget selects which session file Resolve should return. Exactly
// one of Last, ID, or Path should be set; Path takes precedence over ID
// when both happen to be set (spec §4.6).
type ResumeTarget struct {
	Last bool
	ID   string
	Path string
}

// Resolve returns the rollout file path to resume from.
func Resolve(codexHome string, target ResumeTarget) (string, error) {
	if target.Path != "" {
		if _, err := os.Stat(target.Path); err != nil {
			return "", fmt.Errorf("rollout: resume path %q: %w", target.Path, err)
		}
		return target.Path, nil
	}

	files, err := listSessionFiles(codexHome)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("rollout: no sessions found under %s", SessionsDir(codexHome))
	}

	if target.Last {
		return mostRecentlyModified(files)
	}

	if target.ID != "" {
		for _, f := range files {
			meta, _, err := ReadFile(f)
			if err != nil {
				continue
			}
			if meta.ID == target.ID {
				return f, nil
			}
		}
		return "", fmt.Errorf("rollout: no session found with id %q", target.ID)
	}

	return "", fmt.Errorf("rollout: resume target must specify Last, ID, or Path")
}

// ListSessionFiles returns every rollout .jsonl path under codexHome's
// sessions directory, unordered.
func ListSessionFiles(codexHome string) ([]string, error) {
	return listSessionFiles(codexHome)
}

func listSessionFiles(codexHome string) ([]string, error) {
	var files []string
	root := SessionsDir(codexHome)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".jsonl") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return files, nil
}

func mostRecentlyModified(files []string) (string, error) {
	var best string
	var bestTime int64
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if mt := info.ModTime().UnixNano(); mt > bestTime {
			bestTime = mt
			best = f
		}
	}
	if best == "" {
		return "", fmt.Errorf("rollout: no readable session files found")
	}
	return best, nil
}
