package enrollment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// Dataset maps an identity name to its sample image paths.
type Dataset map[string][]string

// Names returns the identity names, sorted.
func (d Dataset) Names() []string {
	names := make([]string, 0, len(d))
	for n := range d {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Images returns the total number of images.
func (d Dataset) Images() int {
	n := 0
	for _, paths := range d {
		n += len(paths)
	}
	return n
}

// ScanDataset reads dir/<name>/*.{jpg,jpeg,png}. Hidden entries are ignored.
// Directories whose names normalise to the same identity are merged.
func ScanDataset(dir string) (Dataset, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}

	ds := Dataset{}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		name := NormalizeName(e.Name())
		if name == "" {
			continue
		}

		files, err := os.ReadDir(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", e.Name(), err)
		}
		for _, f := range files {
			if f.IsDir() || strings.HasPrefix(f.Name(), ".") {
				continue
			}
			if !imageExts[strings.ToLower(filepath.Ext(f.Name()))] {
				continue
			}
			ds[name] = append(ds[name], filepath.Join(dir, e.Name(), f.Name()))
		}
	}

	for _, paths := range ds {
		sort.Strings(paths)
	}
	return ds, nil
}
