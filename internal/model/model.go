// Package model defines the core types passed between pipeline stages.
package model

import (
	"encoding/json"
	"fmt"
	"path"
	"time"
)

// TransferState tracks a file through the pipeline.
type TransferState string

const (
	StateDiscovered TransferState = "DISCOVERED"
	StatePublished  TransferState = "PUBLISHED"
	StateUploading  TransferState = "UPLOADING"
	StateUploaded   TransferState = "UPLOADED"
	StateFailed     TransferState = "FAILED"
)

// FileRecord describes a candidate file found on the mount. It is transient:
// the watcher owns it during discovery, the consumer owns its own copy during
// upload. Records are identified by (Path, Fingerprint); a path may have
// several historical fingerprints if the file is overwritten.
type FileRecord struct {
	Path         string        // absolute path on the mount
	Size         int64         // size in bytes
	ModTime      time.Time     // modification time
	Fingerprint  string        // content hash, hex encoded
	DiscoveredAt time.Time     // when the watcher first saw this version
	State        TransferState
}

// TransferEvent is the wire message published to the broker. Immutable once
// published; retries that require re-reading the source are modeled by
// republishing with an incremented Attempt.
type TransferEvent struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	Fingerprint  string    `json:"fingerprint"`
	DiscoveredAt time.Time `json:"discovered_at"`
	Attempt      int       `json:"attempt"`
}

// EventFromRecord builds the wire event for a discovered file.
func EventFromRecord(rec FileRecord) TransferEvent {
	return TransferEvent{
		Path:         rec.Path,
		Size:         rec.Size,
		Fingerprint:  rec.Fingerprint,
		DiscoveredAt: rec.DiscoveredAt,
		Attempt:      0,
	}
}

// Encode serializes the event for the broker.
func (e TransferEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses a broker payload.
func DecodeEvent(data []byte) (TransferEvent, error) {
	var e TransferEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return TransferEvent{}, fmt.Errorf("decode transfer event: %w", err)
	}
	if e.Path == "" || e.Fingerprint == "" {
		return TransferEvent{}, fmt.Errorf("decode transfer event: missing path or fingerprint")
	}
	return e, nil
}

// CheckpointEntry marks a path's content as fully transferred. An entry may
// only be written after the object store acknowledged the upload. Size and
// ModTime record the source metadata at transfer time so the watcher can skip
// unchanged files without re-hashing.
type CheckpointEntry struct {
	Path          string
	Fingerprint   string
	Size          int64
	ModTime       time.Time
	ObjectKey     string
	TransferredAt time.Time
}

// ScanCursor lets the watcher resume an incremental scan after restart.
// Position is the last path whose publish was acknowledged; LastFullScan is
// when a complete pass over the tree last finished.
type ScanCursor struct {
	Position     string
	LastFullScan time.Time
}

// ContentObjectKey maps a fingerprint to its content-addressed destination
// key. Identical content discovered under different paths lands on the same
// object, which is what makes redelivered and duplicate events idempotent.
func ContentObjectKey(prefix, fingerprint string) string {
	if len(fingerprint) < 2 {
		return path.Join(prefix, "content", fingerprint)
	}
	return path.Join(prefix, "content", fingerprint[:2], fingerprint)
}
