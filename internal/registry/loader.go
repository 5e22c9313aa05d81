package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"traind/internal/common/fsutil"
)

// LoadDir scans a directory for *.yaml/*.yml training config templates and
// returns their absolute paths, sorted by filename.
func LoadDir(dir string) ([]string, error) {
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
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var templates []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.ToLower(e.Name())
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		templates = append(templates, filepath.Join(abs, e.Name()))
	}
	sort.Strings(templates)
	return templates, nil
}

// Expand resolves a mixed list of template files and directories into a flat
// list of template paths. Directories are scanned with LoadDir.
func Expand(args []string) ([]string, error) {
	var out []string
	for _, a := range args {
		fi, err := os.Stat(a)
		if err == nil && fi.IsDir() {
			found, err := LoadDir(a)
			if err != nil {
				return nil, err
			}
			if len(found) == 0 {
				return nil, fmt.Errorf("no config templates in %s", a)
			}
			out = append(out, found...)
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
