package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nasferry/nasferry/internal/checkpoint"
	"github.com/nasferry/nasferry/internal/health"
	"github.com/nasferry/nasferry/internal/model"
)

// fakePublisher records events and optionally fails specific paths.
type fakePublisher struct {
	events   []model.TransferEvent
	failPath string
}

func (p *fakePublisher) Publish(ctx context.Context, ev model.TransferEvent) error {
	if p.failPath != "" && ev.Path == p.failPath {
		return errors.New("broker unavailable")
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) paths() []string {
	var out []string
	for _, ev := range p.events {
		out = append(out, ev.Path)
	}
	return out
}

func newTestWatcher(t *testing.T, root string, pub Publisher) (*Watcher, *checkpoint.Store) {
	t.Helper()
	store, err := checkpoint.Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := Config{
		Root:               root,
		ScanInterval:       time.Second,
		QuiesceInterval:    10 * time.Millisecond,
		FullRescanInterval: time.Hour,
	}
	mon := health.NewMonitor(health.DefaultThresholds(cfg.ScanInterval))
	return New(cfg, store, pub, mon), store
}

func writeFile(t *testing.T, root, name, content string) string {
	t.Helper()
	path := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

// runUntilQuiesced drives two cycles separated by the quiesce interval so
// stable files pass the two-observation rule.
func runUntilQuiesced(t *testing.T, w *Watcher) {
	t.Helper()
	ctx := context.Background()
	if err := w.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := w.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
}

func TestWatcher_PublishesStableFiles(t *testing.T) {
	root := t.TempDir()
	a := writeFile(t, root, "a.txt", "alpha")
	b := writeFile(t, root, "b.txt", "beta")

	pub := &fakePublisher{}
	w, _ := newTestWatcher(t, root, pub)

	// First cycle only observes; nothing has quiesced yet.
	if err := w.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(pub.events) != 0 {
		t.Fatalf("published before quiesce: %v", pub.paths())
	}

	time.Sleep(20 * time.Millisecond)
	if err := w.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if len(pub.events) != 2 {
		t.Fatalf("expected 2 events, got %v", pub.paths())
	}
	// Lexical walk order.
	if pub.events[0].Path != a || pub.events[1].Path != b {
		t.Errorf("unexpected order: %v", pub.paths())
	}
	if pub.events[0].Fingerprint == pub.events[1].Fingerprint {
		t.Error("distinct contents share a fingerprint")
	}
	if pub.events[0].Attempt != 0 {
		t.Errorf("fresh event has attempt %d", pub.events[0].Attempt)
	}
}

func TestWatcher_DefersFileUntilQuiesced(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "growing.dat", "part one")

	pub := &fakePublisher{}
	w, _ := newTestWatcher(t, root, pub)

	if err := w.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	// File keeps growing between observations; the quiesce clock restarts.
	writeFile(t, root, "growing.dat", "part one and part two")
	time.Sleep(20 * time.Millisecond)
	if err := w.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(pub.events) != 0 {
		t.Fatalf("published a file that changed between observations: %v", pub.paths())
	}

	// Now it holds still.
	runUntilQuiesced(t, w)
	if len(pub.events) != 1 || pub.events[0].Path != path {
		t.Fatalf("expected the settled file once, got %v", pub.paths())
	}
}

func TestWatcher_SkipsCheckpointedFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "alpha")

	pub := &fakePublisher{}
	w, store := newTestWatcher(t, root, pub)

	runUntilQuiesced(t, w)
	if len(pub.events) != 1 {
		t.Fatalf("expected 1 event, got %v", pub.paths())
	}
	ev := pub.events[0]

	// Simulate the consumer completing the transfer.
	info, err := os.Stat(ev.Path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	err = store.Put(context.Background(), model.CheckpointEntry{
		Path:          ev.Path,
		Fingerprint:   ev.Fingerprint,
		Size:          info.Size(),
		ModTime:       info.ModTime(),
		ObjectKey:     model.ContentObjectKey("nasferry", ev.Fingerprint),
		TransferredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	runUntilQuiesced(t, w)
	if len(pub.events) != 1 {
		t.Fatalf("checkpointed file republished: %v", pub.paths())
	}
}

func TestWatcher_RepublishesChangedContent(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "a.txt", "version one")

	pub := &fakePublisher{}
	w, store := newTestWatcher(t, root, pub)

	runUntilQuiesced(t, w)
	if len(pub.events) != 1 {
		t.Fatalf("expected 1 event, got %v", pub.paths())
	}
	first := pub.events[0]

	info, _ := os.Stat(path)
	err := store.Put(context.Background(), model.CheckpointEntry{
		Path:          path,
		Fingerprint:   first.Fingerprint,
		Size:          info.Size(),
		ModTime:       info.ModTime(),
		ObjectKey:     model.ContentObjectKey("nasferry", first.Fingerprint),
		TransferredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	writeFile(t, root, "a.txt", "version two, rather longer")
	runUntilQuiesced(t, w)

	if len(pub.events) != 2 {
		t.Fatalf("modified file not republished: %v", pub.paths())
	}
	if pub.events[1].Fingerprint == first.Fingerprint {
		t.Error("new content published with the old fingerprint")
	}
}

func TestWatcher_DedupPublishesContentOnce(t *testing.T) {
	root := t.TempDir()
	a := writeFile(t, root, "a.txt", "same bytes")
	writeFile(t, root, "copy.txt", "same bytes")

	pub := &fakePublisher{}
	w, store := newTestWatcher(t, root, pub)
	ctx := context.Background()

	runUntilQuiesced(t, w)
	if len(pub.events) != 1 {
		t.Fatalf("identical content published more than once per cycle: %v", pub.paths())
	}
	if pub.events[0].Path != a {
		t.Errorf("expected lexically first path, got %s", pub.events[0].Path)
	}

	// Consumer checkpoints the first copy; the second should resolve via
	// dedup without another event.
	ev := pub.events[0]
	info, _ := os.Stat(a)
	err := store.Put(ctx, model.CheckpointEntry{
		Path:          a,
		Fingerprint:   ev.Fingerprint,
		Size:          info.Size(),
		ModTime:       info.ModTime(),
		ObjectKey:     model.ContentObjectKey("nasferry", ev.Fingerprint),
		TransferredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	runUntilQuiesced(t, w)
	if len(pub.events) != 1 {
		t.Fatalf("dedup path published an event: %v", pub.paths())
	}

	got, ok, err := store.Lookup(ctx, filepath.Join(root, "copy.txt"))
	if err != nil || !ok {
		t.Fatalf("duplicate not checkpointed: ok=%v err=%v", ok, err)
	}
	if got.Fingerprint != ev.Fingerprint {
		t.Error("duplicate checkpointed under a different fingerprint")
	}
	if got.ObjectKey != model.ContentObjectKey("nasferry", ev.Fingerprint) {
		t.Error("duplicate does not share the original object key")
	}

	n, _ := store.Count(ctx)
	d, _ := store.CountDistinctFingerprints(ctx)
	if n != 2 || d != 1 {
		t.Errorf("got %d entries / %d identities, want 2 / 1", n, d)
	}
}

func TestWatcher_PublishFailureSkippedUntilFullRescan(t *testing.T) {
	root := t.TempDir()
	bad := writeFile(t, root, "bad.txt", "unlucky")
	good := writeFile(t, root, "good.txt", "fine")

	pub := &fakePublisher{failPath: bad}
	w, store := newTestWatcher(t, root, pub)
	ctx := context.Background()

	runUntilQuiesced(t, w)
	if len(pub.events) != 1 || pub.events[0].Path != good {
		t.Fatalf("expected only the good file, got %v", pub.paths())
	}

	// Broker recovers, but the failed path stays parked until a full pass.
	pub.failPath = ""
	runUntilQuiesced(t, w)
	if len(pub.events) != 1 {
		t.Fatalf("failed path retried before full rescan: %v", pub.paths())
	}

	// Checkpoint the good file so the full pass below does not republish it.
	ev := pub.events[0]
	info, _ := os.Stat(good)
	err := store.Put(ctx, model.CheckpointEntry{
		Path:          good,
		Fingerprint:   ev.Fingerprint,
		Size:          info.Size(),
		ModTime:       info.ModTime(),
		ObjectKey:     model.ContentObjectKey("nasferry", ev.Fingerprint),
		TransferredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Force the next cycle to be a full rescan.
	cur, err := store.Cursor(ctx)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	cur.LastFullScan = time.Now().Add(-2 * time.Hour)
	if err := store.SaveCursor(ctx, cur); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}

	runUntilQuiesced(t, w)
	if len(pub.events) != 2 || pub.events[1].Path != bad {
		t.Fatalf("full rescan did not retry the failed path: %v", pub.paths())
	}
}

func TestWatcher_MissingRootFailsCycle(t *testing.T) {
	pub := &fakePublisher{}
	w, _ := newTestWatcher(t, filepath.Join(t.TempDir(), "not-mounted"), pub)

	if err := w.RunCycle(context.Background()); err == nil {
		t.Fatal("expected error when the mount root is absent")
	}
	if len(pub.events) != 0 {
		t.Errorf("events published from a missing root: %v", pub.paths())
	}
}
