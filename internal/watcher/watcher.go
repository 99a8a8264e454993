// Package watcher scans the NAS mount and feeds candidate files into the
// pipeline.
//
// Scanning is a poll loop over the tree in lexical order. A file is emitted
// only once it has quiesced (identical size and mtime across two observations
// separated by the quiesce interval), is not already checkpointed, and its
// event has been acknowledged by the broker. The scan cursor is advanced only
// after that acknowledgment, so a crash never skips an unpublished file.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/nasferry/nasferry/internal/checkpoint"
	"github.com/nasferry/nasferry/internal/fingerprint"
	"github.com/nasferry/nasferry/internal/health"
	"github.com/nasferry/nasferry/internal/logging"
	"github.com/nasferry/nasferry/internal/metrics"
	"github.com/nasferry/nasferry/internal/model"
)

// Publisher publishes one event and blocks until the broker acknowledges it.
type Publisher interface {
	Publish(ctx context.Context, ev model.TransferEvent) error
}

// Config holds the scan parameters.
type Config struct {
	Root string
	// ScanInterval is the pause between scan cycles.
	ScanInterval time.Duration
	// QuiesceInterval is how long a file's metadata must hold still before
	// it is considered stable. Files mid-write are deferred.
	QuiesceInterval time.Duration
	// FullRescanInterval forces a cycle that re-hashes every file instead
	// of trusting the size+mtime fast path, catching out-of-order
	// modifications the cheap check would miss.
	FullRescanInterval time.Duration
}

type observation struct {
	size  int64
	mtime time.Time
	since time.Time // when this exact metadata was first observed
	cycle uint64
}

// Watcher is the long-lived scan worker.
type Watcher struct {
	cfg     Config
	store   *checkpoint.Store
	pub     Publisher
	monitor *health.Monitor

	cycle        uint64
	lastFullScan time.Time
	pending      map[string]*observation // files not yet quiesced
	failed       map[string]string       // path -> fingerprint skipped until next full rescan
	inflight     map[string]string       // path -> fingerprint published, awaiting checkpoint
}

// New creates a watcher over cfg.Root.
func New(cfg Config, store *checkpoint.Store, pub Publisher, monitor *health.Monitor) *Watcher {
	return &Watcher{
		cfg:      cfg,
		store:    store,
		pub:      pub,
		monitor:  monitor,
		pending:  make(map[string]*observation),
		failed:   make(map[string]string),
		inflight: make(map[string]string),
	}
}

// Run loops scan cycles until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) {
	logging.Info("watcher started",
		zap.String("root", w.cfg.Root),
		zap.Duration("scan_interval", w.cfg.ScanInterval))

	for {
		if err := w.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Error("scan cycle aborted", zap.Error(err))
			w.monitor.RecordScanFailure()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.ScanInterval):
		}
	}
}

// RunCycle performs one pass over the tree. Exported so tests can drive scan
// cycles deterministically.
func (w *Watcher) RunCycle(ctx context.Context) error {
	start := time.Now()
	w.cycle++

	cur, err := w.store.Cursor(ctx)
	if err != nil {
		return err
	}

	w.lastFullScan = cur.LastFullScan
	full := cur.LastFullScan.IsZero() ||
		time.Since(cur.LastFullScan) >= w.cfg.FullRescanInterval
	if full {
		// A full pass retries files that previously failed to publish, and
		// re-publishes inflight files whose events may have been lost.
		w.failed = make(map[string]string)
		w.inflight = make(map[string]string)
	}
	resumeFrom := cur.Position

	if _, err := os.Stat(w.cfg.Root); err != nil {
		return err
	}

	// Content already published this cycle; duplicates under other paths
	// are resolved on a later pass once the first copy is checkpointed.
	published := make(map[string]bool)

	walkErr := filepath.WalkDir(w.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				logging.Warn("unreadable directory, skipping",
					zap.String("path", path), zap.Error(err))
				metrics.RecordFileSkipped("unreadable")
				return fs.SkipDir
			}
			logging.Warn("unreadable entry, skipping",
				zap.String("path", path), zap.Error(err))
			metrics.RecordFileSkipped("unreadable")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		// WalkDir visits in lexical order, so everything at or before
		// the persisted cursor was already acknowledged.
		if resumeFrom != "" && path <= resumeFrom {
			return nil
		}

		w.visit(ctx, path, d, full, published)
		return nil
	})
	if walkErr != nil {
		return walkErr
	}

	w.prunePending()

	// Pass complete: reset the resume point and stamp full passes.
	cur = model.ScanCursor{Position: "", LastFullScan: cur.LastFullScan}
	if full {
		cur.LastFullScan = time.Now()
		w.lastFullScan = cur.LastFullScan
	}
	if err := w.store.SaveCursor(ctx, cur); err != nil {
		return err
	}

	w.monitor.RecordScanComplete()
	metrics.RecordScanCycle(full, time.Since(start))
	return nil
}

// visit decides what to do with one regular file.
func (w *Watcher) visit(ctx context.Context, path string, d fs.DirEntry, full bool, published map[string]bool) {
	info, err := d.Info()
	if err != nil {
		logging.Warn("stat failed, skipping", zap.String("path", path), zap.Error(err))
		metrics.RecordFileSkipped("unreadable")
		return
	}

	entry, checkpointed, err := w.store.Lookup(ctx, path)
	if err != nil {
		logging.Error("checkpoint lookup failed", zap.String("path", path), zap.Error(err))
		return
	}

	// Metadata fast path: hashing a large file is expensive, so trust an
	// unchanged size+mtime unless this is a full rescan. Matching the
	// transferred metadata also implies the file is not mid-write, so the
	// quiesce check below only runs for new or changed files and the
	// pending map stays bounded by the churn rate, not the tree size.
	if checkpointed && !full &&
		entry.Size == info.Size() && entry.ModTime.Equal(info.ModTime()) {
		delete(w.pending, path)
		delete(w.inflight, path)
		metrics.RecordFileSkipped("checkpointed")
		w.advanceCursor(ctx, path)
		return
	}

	if !w.stable(path, info) {
		metrics.RecordFileDeferred()
		return
	}

	fp, err := fingerprint.Compute(path)
	if err != nil {
		logging.Warn("fingerprint failed, skipping", zap.String("path", path), zap.Error(err))
		metrics.RecordFileSkipped("unreadable")
		return
	}

	if failedFP, ok := w.failed[path]; ok && failedFP == fp.SHA256 {
		return
	}

	// Already published and waiting for the consumer to checkpoint it. A
	// full rescan clears this, so a lost event is eventually republished.
	if inflightFP, ok := w.inflight[path]; ok && inflightFP == fp.SHA256 {
		metrics.RecordFileSkipped("inflight")
		w.advanceCursor(ctx, path)
		return
	}

	if checkpointed && entry.Fingerprint == fp.SHA256 {
		// Same content, refreshed metadata (e.g. touch). Keep the entry
		// current so the fast path works next cycle.
		entry.Size = info.Size()
		entry.ModTime = info.ModTime()
		if err := w.store.Put(ctx, entry); err != nil {
			logging.Error("checkpoint refresh failed", zap.String("path", path), zap.Error(err))
		}
		delete(w.pending, path)
		delete(w.inflight, path)
		metrics.RecordFileSkipped("checkpointed")
		w.advanceCursor(ctx, path)
		return
	}

	// Cross-path dedup: the content is already durably stored under
	// another path, so checkpoint this path directly against the same
	// object. No publish, no upload.
	if other, ok, err := w.store.LookupFingerprint(ctx, fp.SHA256); err == nil && ok {
		err := w.store.Put(ctx, model.CheckpointEntry{
			Path:          path,
			Fingerprint:   fp.SHA256,
			Size:          info.Size(),
			ModTime:       info.ModTime(),
			ObjectKey:     other.ObjectKey,
			TransferredAt: time.Now(),
		})
		if err != nil {
			logging.Error("dedup checkpoint failed", zap.String("path", path), zap.Error(err))
			return
		}
		logging.Info("content already transferred, checkpointed without upload",
			zap.String("path", path),
			zap.String("fingerprint", fp.SHA256))
		delete(w.pending, path)
		delete(w.inflight, path)
		metrics.RecordFileSkipped("dedup")
		w.advanceCursor(ctx, path)
		return
	} else if err != nil {
		logging.Error("checkpoint lookup failed", zap.String("path", path), zap.Error(err))
		return
	}

	if published[fp.SHA256] {
		// Another path with this content was published this cycle; this
		// one resolves via the dedup path once that transfer checkpoints.
		metrics.RecordFileSkipped("dedup")
		return
	}

	rec := model.FileRecord{
		Path:         path,
		Size:         fp.Size,
		ModTime:      info.ModTime(),
		Fingerprint:  fp.SHA256,
		DiscoveredAt: time.Now(),
		State:        model.StateDiscovered,
	}
	metrics.RecordFileDiscovered()

	if err := w.pub.Publish(ctx, model.EventFromRecord(rec)); err != nil {
		logging.Error("publish failed, skipping until next full rescan",
			zap.String("path", path),
			zap.Error(err))
		w.failed[path] = fp.SHA256
		w.advanceCursor(ctx, path)
		return
	}
	rec.State = model.StatePublished

	published[fp.SHA256] = true
	w.inflight[path] = fp.SHA256
	delete(w.pending, path)
	w.advanceCursor(ctx, path)

	logging.Info("published transfer event",
		zap.String("path", path),
		zap.Int64("size", rec.Size),
		zap.String("fingerprint", rec.Fingerprint))
}

// stable reports whether the file's metadata has been unchanged for at least
// the quiesce interval. Growing or freshly modified files are tracked in the
// pending map and revisited on later cycles.
func (w *Watcher) stable(path string, info fs.FileInfo) bool {
	obs, ok := w.pending[path]
	if !ok || obs.size != info.Size() || !obs.mtime.Equal(info.ModTime()) {
		w.pending[path] = &observation{
			size:  info.Size(),
			mtime: info.ModTime(),
			since: time.Now(),
			cycle: w.cycle,
		}
		return false
	}
	obs.cycle = w.cycle
	return time.Since(obs.since) >= w.cfg.QuiesceInterval
}

// prunePending drops tracking state for files that vanished from the tree,
// bounding the map to files that still exist and are still settling.
func (w *Watcher) prunePending() {
	for path, obs := range w.pending {
		if obs.cycle != w.cycle {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				delete(w.pending, path)
			}
		}
	}
}

func (w *Watcher) advanceCursor(ctx context.Context, path string) {
	err := w.store.SaveCursor(ctx, model.ScanCursor{Position: path, LastFullScan: w.lastFullScan})
	if err != nil {
		logging.Warn("cursor save failed", zap.String("path", path), zap.Error(err))
	}
}
