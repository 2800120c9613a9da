package fs_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ningke/persistds/pkg/fs"
)

func TestAtomicWriteFile_ReplacesExistingContent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "final.txt")

	writer := fs.NewAtomicWriter(fs.NewReal())

	err := writer.WriteWithDefaults(path, strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("AtomicWriteFile: %v", err)
	}

	err = writer.WriteWithDefaults(path, strings.NewReader("goodbye"))
	if err != nil {
		t.Fatalf("AtomicWriteFile (overwrite): %v", err)
	}

	got, err := os.ReadFile(path) //nolint:gosec // test-controlled path
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != "goodbye" {
		t.Fatalf("content=%q, want %q", string(got), "goodbye")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("leftover temp files in %q: %v", dir, entries)
	}
}
