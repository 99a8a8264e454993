// Package transfer implements the consumer-side state machine: each event
// moves Received -> Verifying -> Uploading -> Committing -> Done, falling
// back to Retrying on recoverable failure and to the dead-letter topic when
// the attempt budget is exhausted (the broker layer owns those two edges).
package transfer

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nasferry/nasferry/internal/broker"
	"github.com/nasferry/nasferry/internal/checkpoint"
	"github.com/nasferry/nasferry/internal/fingerprint"
	"github.com/nasferry/nasferry/internal/logging"
	"github.com/nasferry/nasferry/internal/metrics"
	"github.com/nasferry/nasferry/internal/model"
	"github.com/nasferry/nasferry/internal/uploader"
)

// ObjectUploader is the uploader contract the pipeline depends on.
type ObjectUploader interface {
	Upload(ctx context.Context, path, destKey, idempotencyKey string) (uploader.Result, error)
}

// Config holds the pipeline parameters.
type Config struct {
	// MountRoot is where the NAS is mounted locally. Event paths are
	// resolved against it.
	MountRoot string
	// ObjectPrefix prefixes every destination key.
	ObjectPrefix string
}

// Pipeline handles decoded transfer events.
type Pipeline struct {
	cfg   Config
	store *checkpoint.Store
	up    ObjectUploader
}

// New creates the pipeline.
func New(cfg Config, store *checkpoint.Store, up ObjectUploader) *Pipeline {
	return &Pipeline{cfg: cfg, store: store, up: up}
}

// Handle processes one event end to end and returns its disposition. The
// checkpoint entry is written strictly after the object store acknowledges
// the upload, and the caller commits the broker offset strictly after Handle
// returns Commit — so a crash at any point results in redelivery and an
// idempotent re-upload, never a false "done".
func (p *Pipeline) Handle(ctx context.Context, ev model.TransferEvent) broker.Disposition {
	log := logging.L().With(
		zap.String("path", ev.Path),
		zap.String("fingerprint", ev.Fingerprint),
		zap.Int("attempt", ev.Attempt),
	)

	localPath := p.resolvePath(ev.Path)

	// Redelivery of an already-committed transfer: the checkpoint entry
	// exists, so acknowledge without touching the object store.
	if entry, ok, err := p.store.Lookup(ctx, localPath); err != nil {
		log.Error("checkpoint lookup failed", zap.Error(err))
		return broker.Retry
	} else if ok && entry.Fingerprint == ev.Fingerprint {
		log.Debug("duplicate event, already checkpointed")
		metrics.RecordConsume("duplicate")
		return broker.Commit
	}

	// Verifying: the file must still carry the published content. If it
	// changed after publish, this event is stale and the newer scan's
	// event supersedes it.
	fp, err := fingerprint.Compute(localPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Warn("source file vanished, discarding event")
			metrics.RecordConsume("stale")
			return broker.Commit
		}
		log.Warn("verify failed", zap.Error(err))
		return broker.Retry
	}
	if fp.SHA256 != ev.Fingerprint {
		log.Info("stale event, file changed after publish",
			zap.String("current_fingerprint", fp.SHA256))
		metrics.RecordConsume("stale")
		return broker.Commit
	}

	// Uploading: keyed by content, so broker redelivery or a crash after
	// upload never produces a duplicate object.
	destKey := model.ContentObjectKey(p.cfg.ObjectPrefix, ev.Fingerprint)
	result, err := p.up.Upload(ctx, localPath, destKey, ev.Fingerprint)
	if err != nil {
		log.Warn("upload failed", zap.Error(err))
		return broker.Retry
	}

	// Committing: checkpoint only now that the object write is durable.
	entry := model.CheckpointEntry{
		Path:          localPath,
		Fingerprint:   ev.Fingerprint,
		Size:          fp.Size,
		ModTime:       modTime(localPath),
		ObjectKey:     result.ObjectKey,
		TransferredAt: time.Now(),
	}
	if err := p.store.Put(ctx, entry); err != nil {
		// The upload is idempotent; redelivery will re-verify, skip the
		// byte transfer, and retry this write.
		log.Error("checkpoint write failed", zap.Error(err))
		return broker.Retry
	}

	if result.AlreadyStored {
		log.Info("transfer committed, object already stored",
			zap.String("object_key", result.ObjectKey))
	} else {
		log.Info("transfer committed",
			zap.String("object_key", result.ObjectKey),
			zap.Int64("bytes", result.Bytes))
	}
	metrics.RecordConsume("committed")
	return broker.Commit
}

// resolvePath maps an event path onto the local mount. Paths produced by this
// watcher are already absolute under the mount root; UNC-style paths
// (\\server\share\dir\file) from upstream publishers are resolved by
// dropping the server and share segments and joining the rest onto the root.
func (p *Pipeline) resolvePath(eventPath string) string {
	if strings.HasPrefix(eventPath, `\\`) {
		trimmed := strings.TrimPrefix(eventPath, `\\`)
		parts := strings.Split(strings.ReplaceAll(trimmed, `\`, "/"), "/")
		if len(parts) > 2 {
			return filepath.Join(p.cfg.MountRoot, filepath.Join(parts[2:]...))
		}
		return p.cfg.MountRoot
	}
	if strings.Contains(eventPath, `\`) {
		return filepath.Join(p.cfg.MountRoot, filepath.FromSlash(strings.ReplaceAll(eventPath, `\`, "/")))
	}
	if filepath.IsAbs(eventPath) {
		return eventPath
	}
	return filepath.Join(p.cfg.MountRoot, eventPath)
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
