// Package registry discovers base models on disk for queue population.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"quantpilot/internal/common/fsutil"
)

// ScanGGUF lists the *.gguf files directly under dir as absolute paths in
// name order. Names are matched case-insensitively; subdirectories are not
// descended.
func ScanGGUF(dir string) ([]string, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read models dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".gguf") {
			continue
		}
		out = append(out, filepath.Join(abs, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}
