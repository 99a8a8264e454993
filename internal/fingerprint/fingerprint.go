// Package fingerprint computes content identifiers for files on the mount.
//
// The identifier is a sha256 over the file bytes, streamed so memory use does
// not depend on file size. It is a pure function of content: the same bytes
// under a different name or mtime produce the same fingerprint, which is what
// lets the pipeline recognize renamed or copied files as already transferred.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Result holds the computed identity of a file.
type Result struct {
	Size   int64
	SHA256 string
}

// Compute streams path through sha256 and returns its content identity.
func Compute(path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return Result{}, fmt.Errorf("hash %s: %w", path, err)
	}

	return Result{
		Size:   n,
		SHA256: hex.EncodeToString(h.Sum(nil)),
	}, nil
}
