package fingerprint

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCompute_SameContentSameFingerprint(t *testing.T) {
	dir := t.TempDir()

	a := filepath.Join(dir, "a.dat")
	b := filepath.Join(dir, "subdir", "b.dat")
	if err := os.MkdirAll(filepath.Dir(b), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	content := []byte("identical bytes under two names")
	if err := os.WriteFile(a, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(b, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ra, err := Compute(a)
	if err != nil {
		t.Fatalf("Compute(a): %v", err)
	}
	rb, err := Compute(b)
	if err != nil {
		t.Fatalf("Compute(b): %v", err)
	}

	if ra.SHA256 != rb.SHA256 {
		t.Errorf("fingerprints differ for identical content: %s vs %s", ra.SHA256, rb.SHA256)
	}
	if ra.Size != int64(len(content)) {
		t.Errorf("size mismatch: got %d, want %d", ra.Size, len(content))
	}
}

func TestCompute_DifferentContentDiffers(t *testing.T) {
	dir := t.TempDir()

	a := filepath.Join(dir, "a.dat")
	b := filepath.Join(dir, "b.dat")
	if err := os.WriteFile(a, []byte("one"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(b, []byte("two"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ra, err := Compute(a)
	if err != nil {
		t.Fatalf("Compute(a): %v", err)
	}
	rb, err := Compute(b)
	if err != nil {
		t.Fatalf("Compute(b): %v", err)
	}

	if ra.SHA256 == rb.SHA256 {
		t.Error("different content produced the same fingerprint")
	}
}

func TestCompute_MissingFile(t *testing.T) {
	_, err := Compute(filepath.Join(t.TempDir(), "nope"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
