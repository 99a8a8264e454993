package uploader

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/nasferry/nasferry/internal/logging"
)

// Sweep aborts multipart uploads that were initiated more than olderThan ago.
// Parts abandoned by a crashed process are never resumed; their boundaries
// may not match the current part size, so they are discarded wholesale and
// the file is re-uploaded from scratch.
func (u *Uploader) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	var keyMarker, uploadIDMarker *string
	aborted := 0

	for {
		out, err := u.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
			Bucket:         aws.String(u.bucket),
			KeyMarker:      keyMarker,
			UploadIdMarker: uploadIDMarker,
		})
		if err != nil {
			return aborted, fmt.Errorf("list multipart uploads: %w", err)
		}

		for _, up := range out.Uploads {
			if up.Initiated == nil || up.Initiated.After(cutoff) {
				continue
			}
			_, err := u.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
				Bucket:   aws.String(u.bucket),
				Key:      up.Key,
				UploadId: up.UploadId,
			})
			if err != nil {
				logging.Warn("sweep: abort failed",
					zap.String("key", aws.ToString(up.Key)),
					zap.Error(err))
				continue
			}
			aborted++
		}

		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		keyMarker = out.NextKeyMarker
		uploadIDMarker = out.NextUploadIdMarker
	}

	if aborted > 0 {
		logging.Info("swept abandoned multipart uploads", zap.Int("count", aborted))
	}
	return aborted, nil
}

// RunSweeper sweeps on a fixed interval until ctx is canceled.
func (u *Uploader) RunSweeper(ctx context.Context, interval, olderThan time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := u.Sweep(ctx, olderThan); err != nil {
				logging.Warn("multipart sweep failed", zap.Error(err))
			}
		}
	}
}
