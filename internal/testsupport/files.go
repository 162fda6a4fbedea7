package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"capsule/internal/staging"
)

// WriteFile fills path with size bytes repeating the file's base name, so
// differently named fixtures fingerprint differently and are not folded
// together as duplicates. A size <= 0 writes the name once.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()

	pattern := []byte(filepath.Base(path) + "\n")
	if size <= 0 {
		size = int64(len(pattern))
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = pattern[i%len(pattern)]
	}
	writeBytes(t, path, data)
}

// WriteIncoming drops a file into the incoming area of root the way an
// external producer would and returns its path. Empty content falls back to
// the name-derived fill used by WriteFile.
func WriteIncoming(t testing.TB, root staging.Root, name, content string) string {
	t.Helper()

	path := filepath.Join(root.Dir(staging.AreaIncoming), name)
	if content == "" {
		WriteFile(t, path, 0)
		return path
	}
	writeBytes(t, path, []byte(content))
	return path
}

func writeBytes(t testing.TB, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
