package filematerializer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidDocID(t *testing.T) {
	cases := map[string]bool{
		"notes.md":      true,
		"a_b-c.1":       true,
		"../escape":     false,
		"sub/dir.md":    false,
		`back\slash.md`: false,
		"":              false,
	}
	for in, want := range cases {
		if got := ValidDocID(in); got != want {
			t.Errorf("ValidDocID(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestResolveRefusesEscape(t *testing.T) {
	m := New(t.TempDir())
	if _, err := m.Resolve("../outside.md"); err != ErrPathEscape {
		t.Fatalf("expected ErrPathEscape, got %v", err)
	}
	if _, err := m.Resolve("."); err != ErrPathEscape {
		t.Fatalf("expected ErrPathEscape for root itself, got %v", err)
	}
}

func TestSaveRequiresMatchingBaseHash(t *testing.T) {
	m := New(t.TempDir())

	hash, err := m.Save("doc.md", "", []byte("hello"))
	if err != nil {
		t.Fatalf("initial save: %v", err)
	}
	if hash != HashOf([]byte("hello")) {
		t.Fatalf("unexpected hash %s", hash)
	}

	_, err = m.Save("doc.md", "wrong-hash", []byte("world"))
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if ce, ok := err.(*ErrConflict); !ok || ce.CurrentHash != hash {
		t.Fatalf("expected *ErrConflict with current hash %s, got %v (%T)", hash, err, err)
	}

	newHash, err := m.Save("doc.md", hash, []byte("world"))
	if err != nil {
		t.Fatalf("matching-hash save: %v", err)
	}
	if newHash != HashOf([]byte("world")) {
		t.Fatalf("unexpected new hash %s", newHash)
	}
}

func TestSaveCreatesNestedDirectories(t *testing.T) {
	m := New(t.TempDir())
	_, err := m.Save("nested/dir/doc.md", "", []byte("x"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
}

func TestDeleteRequiresExistenceAndHash(t *testing.T) {
	root := t.TempDir()
	m := New(root)

	if err := m.Delete("missing.md", ""); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	hash, err := m.Save("doc.md", "", []byte("content"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := m.Delete("doc.md", "wrong"); err == nil {
		t.Fatal("expected conflict on wrong hash")
	}

	if err := m.Delete("doc.md", hash); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "doc.md")); !os.IsNotExist(err) {
		t.Fatalf("expected file removed, stat err = %v", err)
	}
}
