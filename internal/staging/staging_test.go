package staging

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"capsule/internal/logging"
)

func newRoot(t *testing.T) Root {
	t.Helper()
	root := NewRoot("voice-memos", filepath.Join(t.TempDir(), "voice-memos"))
	if err := root.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	return root
}

func writeIncoming(t *testing.T, root Root, name string) string {
	t.Helper()
	path := filepath.Join(root.Dir(AreaIncoming), name)
	if err := os.WriteFile(path, []byte(name), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestClaimMovesToProcessingOnce(t *testing.T) {
	root := newRoot(t)
	src := writeIncoming(t, root, "memo.wav")

	claimed, err := root.Claim(src)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if area, ok := root.AreaOf(claimed); !ok || area != AreaProcessing {
		t.Fatalf("claimed file in %s, %v", area, ok)
	}
	if _, err := root.Claim(src); err == nil {
		t.Fatal("expected second claim of the same source to fail")
	}

	done, err := root.Complete(claimed)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if area, _ := root.AreaOf(done); area != AreaProcessed {
		t.Fatalf("expected processed area, got %s", area)
	}
}

func TestFailKeepsNameUnique(t *testing.T) {
	root := newRoot(t)
	first, err := root.Fail(writeIncoming(t, root, "doc.pdf"))
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	second, err := root.Fail(writeIncoming(t, root, "doc.pdf"))
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct failed paths, got %s twice", first)
	}
	if filepath.Base(second) != "doc-1.pdf" {
		t.Fatalf("unexpected second name %s", filepath.Base(second))
	}
}

func TestRootFor(t *testing.T) {
	a := newRoot(t)
	b := NewRoot("documents", filepath.Join(t.TempDir(), "documents"))
	path := filepath.Join(b.Dir(AreaProcessing), "x.pdf")
	got, ok := RootFor([]Root{a, b}, path)
	if !ok || got.Name != "documents" {
		t.Fatalf("RootFor = %#v, %v", got, ok)
	}
	if _, ok := RootFor([]Root{a}, "/elsewhere/x.pdf"); ok {
		t.Fatal("expected no root for foreign path")
	}
}

func TestCleanAreaRemovesOldFilesOnly(t *testing.T) {
	root := newRoot(t)
	oldPath := filepath.Join(root.Dir(AreaProcessed), "old.txt")
	newPath := filepath.Join(root.Dir(AreaProcessed), "new.txt")
	for _, p := range []string{oldPath, newPath} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	oldTime := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldPath, oldTime, oldTime); err != nil {
		t.Fatal(err)
	}

	result := root.CleanArea(context.Background(), AreaProcessed, 24*time.Hour, logging.NewNop())
	if len(result.Removed) != 1 || result.Removed[0] != oldPath {
		t.Fatalf("unexpected removal set %v", result.Removed)
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Fatalf("recent file removed: %v", err)
	}

	inflight := writeIncoming(t, root, "busy.wav")
	_ = os.Chtimes(inflight, oldTime, oldTime)
	if res := root.CleanArea(context.Background(), AreaIncoming, time.Hour, logging.NewNop()); len(res.Removed) != 0 {
		t.Fatalf("incoming area must never be cleaned, removed %v", res.Removed)
	}
}
