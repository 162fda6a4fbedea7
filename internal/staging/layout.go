// Package staging manages the four-area directory layout of a watch root:
// incoming (dropped by users), processing (claimed by capture), processed
// and failed.
package staging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"capsule/internal/fileutil"
)

// Area names one staging area.
type Area string

const (
	AreaIncoming   Area = "incoming"
	AreaProcessing Area = "processing"
	AreaProcessed  Area = "processed"
	AreaFailed     Area = "failed"
)

var allAreas = []Area{AreaIncoming, AreaProcessing, AreaProcessed, AreaFailed}

// Root is one watch root on disk.
type Root struct {
	Name string
	Path string
}

// NewRoot returns the layout rooted at path.
func NewRoot(name, path string) Root {
	return Root{Name: name, Path: filepath.Clean(path)}
}

// Dir returns the directory of area.
func (r Root) Dir(area Area) string {
	return filepath.Join(r.Path, string(area))
}

// Ensure creates all four areas.
func (r Root) Ensure() error {
	for _, area := range allAreas {
		if err := os.MkdirAll(r.Dir(area), 0o755); err != nil {
			return fmt.Errorf("create %s area: %w", area, err)
		}
	}
	return nil
}

// AreaOf reports which area of r holds path.
func (r Root) AreaOf(path string) (Area, bool) {
	clean := filepath.Clean(path)
	for _, area := range allAreas {
		dir := r.Dir(area) + string(filepath.Separator)
		if strings.HasPrefix(clean, dir) {
			return area, true
		}
	}
	return "", false
}

// Claim moves a file from incoming to processing. The rename is atomic on
// one filesystem, so two watchers can never both claim the same file: the
// loser gets an error because the source is gone.
func (r Root) Claim(path string) (string, error) {
	return r.move(path, AreaProcessing)
}

// Complete moves a processing file to processed.
func (r Root) Complete(path string) (string, error) {
	return r.move(path, AreaProcessed)
}

// Fail moves a file to failed.
func (r Root) Fail(path string) (string, error) {
	return r.move(path, AreaFailed)
}

func (r Root) move(path string, to Area) (string, error) {
	if from, ok := r.AreaOf(path); ok && from == to {
		return path, nil
	}
	dst := fileutil.UniquePath(filepath.Join(r.Dir(to), filepath.Base(path)))
	if err := fileutil.MoveFile(path, dst); err != nil {
		return "", fmt.Errorf("move %s to %s: %w", filepath.Base(path), to, err)
	}
	return dst, nil
}

// RootFor returns the root among roots whose tree holds path.
func RootFor(roots []Root, path string) (Root, bool) {
	for _, root := range roots {
		if _, ok := root.AreaOf(path); ok {
			return root, true
		}
	}
	return Root{}, false
}
