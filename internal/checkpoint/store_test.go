package checkpoint

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nasferry/nasferry/internal/model"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func entry(path, fp string) model.CheckpointEntry {
	return model.CheckpointEntry{
		Path:          path,
		Fingerprint:   fp,
		Size:          100,
		ModTime:       time.Unix(0, 1700000000000000000),
		ObjectKey:     "nasferry/content/" + fp[:2] + "/" + fp,
		TransferredAt: time.Now(),
	}
}

func TestStore_PutAndLookup(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if _, ok, err := s.Lookup(ctx, "/nas/a.txt"); err != nil || ok {
		t.Fatalf("Lookup before put: ok=%v err=%v", ok, err)
	}

	e := entry("/nas/a.txt", "aabbcc")
	if err := s.Put(ctx, e); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Lookup(ctx, "/nas/a.txt")
	if err != nil || !ok {
		t.Fatalf("Lookup: ok=%v err=%v", ok, err)
	}
	if got.Fingerprint != "aabbcc" || got.Size != 100 || !got.ModTime.Equal(e.ModTime) {
		t.Errorf("Lookup mismatch: %+v", got)
	}
}

func TestStore_UpsertOverwrites(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, entry("/nas/a.txt", "aabbcc")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, entry("/nas/a.txt", "ddeeff")); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}

	got, ok, err := s.Lookup(ctx, "/nas/a.txt")
	if err != nil || !ok {
		t.Fatalf("Lookup: ok=%v err=%v", ok, err)
	}
	if got.Fingerprint != "ddeeff" {
		t.Errorf("expected overwritten fingerprint, got %s", got.Fingerprint)
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected one row after upsert, got %d", n)
	}
}

func TestStore_LookupFingerprint(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, entry("/nas/a.txt", "aabbcc")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.LookupFingerprint(ctx, "aabbcc")
	if err != nil || !ok {
		t.Fatalf("LookupFingerprint: ok=%v err=%v", ok, err)
	}
	if got.Path != "/nas/a.txt" {
		t.Errorf("expected path /nas/a.txt, got %s", got.Path)
	}

	if _, ok, _ := s.LookupFingerprint(ctx, "nosuch"); ok {
		t.Error("LookupFingerprint returned ok for unknown fingerprint")
	}
}

func TestStore_DistinctFingerprints(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	// Two paths, same content.
	if err := s.Put(ctx, entry("/nas/a.txt", "aabbcc")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, entry("/nas/copy-of-a.txt", "aabbcc")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, entry("/nas/b.txt", "ddeeff")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	paths, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	distinct, err := s.CountDistinctFingerprints(ctx)
	if err != nil {
		t.Fatalf("CountDistinctFingerprints: %v", err)
	}
	if paths != 3 || distinct != 2 {
		t.Errorf("got %d paths / %d identities, want 3 / 2", paths, distinct)
	}
}

func TestStore_CursorRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	cur, err := s.Cursor(ctx)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if cur.Position != "" || !cur.LastFullScan.IsZero() {
		t.Errorf("fresh cursor not empty: %+v", cur)
	}

	want := model.ScanCursor{
		Position:     "/nas/m.txt",
		LastFullScan: time.Unix(0, 1700000000000000000),
	}
	if err := s.SaveCursor(ctx, want); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}

	got, err := s.Cursor(ctx)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if got.Position != want.Position || !got.LastFullScan.Equal(want.LastFullScan) {
		t.Errorf("cursor mismatch: got %+v, want %+v", got, want)
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoints.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Put(ctx, entry("/nas/a.txt", "aabbcc")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	if _, ok, err := s2.Lookup(ctx, "/nas/a.txt"); err != nil || !ok {
		t.Fatalf("entry lost across reopen: ok=%v err=%v", ok, err)
	}
}

func TestStore_ConcurrentPuts(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	// Two workers racing on the same path with the same fingerprint must
	// converge, not corrupt.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Put(ctx, entry("/nas/raced.txt", "aabbcc")); err != nil {
				t.Errorf("Put: %v", err)
			}
		}()
	}
	wg.Wait()

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected one row, got %d", n)
	}
}
