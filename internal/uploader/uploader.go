// Package uploader streams file content to S3-compatible object storage.
//
// Objects are keyed by content fingerprint, so an upload is idempotent: if
// the destination key already exists the transfer is a no-op. Large files go
// through the multipart protocol in bounded-size parts; a crash before
// CompleteMultipartUpload leaves no visible object, and the leftover parts
// are aborted by the periodic sweeper rather than reused.
package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/nasferry/nasferry/internal/logging"
	"github.com/nasferry/nasferry/internal/metrics"
	"github.com/nasferry/nasferry/internal/retry"
)

const fingerprintMetadataKey = "content-fingerprint"

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
}

// api is the subset of the S3 client the uploader uses.
type api interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListMultipartUploads(ctx context.Context, in *s3.ListMultipartUploadsInput, opts ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
}

// Uploader transfers files into a single bucket.
type Uploader struct {
	client   api
	bucket   string
	partSize int64
	retryCfg retry.Config
}

// Result reports a completed (or skipped) upload.
type Result struct {
	ObjectKey string
	Bytes     int64
	// AlreadyStored is true when the destination object existed and no
	// bytes were transferred.
	AlreadyStored bool
}

// New creates an S3 client and the uploader around it.
func New(ctx context.Context, cfg Config, partSize int64, retryCfg retry.Config) (*Uploader, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: true,
			}, nil
		},
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return NewWithClient(client, cfg.Bucket, partSize, retryCfg), nil
}

// NewWithClient builds an uploader around an existing client. Used by tests.
func NewWithClient(client api, bucket string, partSize int64, retryCfg retry.Config) *Uploader {
	return &Uploader{
		client:   client,
		bucket:   bucket,
		partSize: partSize,
		retryCfg: retryCfg,
	}
}

// Upload streams the file at path to destKey. idempotencyKey is the content
// fingerprint; it is stored as object metadata and checked before any bytes
// move, so redelivered events never produce a duplicate object.
func (u *Uploader) Upload(ctx context.Context, path, destKey, idempotencyKey string) (Result, error) {
	start := time.Now()

	stored, err := u.objectStored(ctx, destKey)
	if err != nil {
		metrics.RecordUpload(0, time.Since(start), "error")
		return Result{}, err
	}
	if stored {
		logging.Debug("object already stored, skipping upload",
			zap.String("key", destKey),
			zap.String("fingerprint", idempotencyKey))
		metrics.RecordUpload(0, time.Since(start), "noop")
		return Result{ObjectKey: destKey, AlreadyStored: true}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		metrics.RecordUpload(0, time.Since(start), "error")
		return Result{}, fmt.Errorf("open source %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		metrics.RecordUpload(0, time.Since(start), "error")
		return Result{}, fmt.Errorf("stat source %s: %w", path, err)
	}
	size := info.Size()

	if size <= u.partSize {
		err = u.putWhole(ctx, f, size, destKey, idempotencyKey)
	} else {
		err = u.putMultipart(ctx, f, size, destKey, idempotencyKey)
	}
	if err != nil {
		metrics.RecordUpload(0, time.Since(start), "error")
		return Result{}, err
	}

	metrics.RecordUpload(size, time.Since(start), "success")
	return Result{ObjectKey: destKey, Bytes: size}, nil
}

// objectStored checks whether destKey already holds an object.
func (u *Uploader) objectStored(ctx context.Context, destKey string) (bool, error) {
	opStart := time.Now()
	_, err := u.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(destKey),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			metrics.RecordS3Operation("head_object", time.Since(opStart), true)
			return false, nil
		}
		metrics.RecordS3Operation("head_object", time.Since(opStart), false)
		return false, retry.Retryable(fmt.Errorf("head object %s: %w", destKey, err))
	}
	metrics.RecordS3Operation("head_object", time.Since(opStart), true)
	return true, nil
}

// putWhole uploads a file that fits in a single request. Each retry attempt
// rewinds the source.
func (u *Uploader) putWhole(ctx context.Context, f *os.File, size int64, destKey, idempotencyKey string) error {
	return retry.Do(ctx, u.retryCfg, func() error {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind source: %w", err)
		}

		opStart := time.Now()
		_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(u.bucket),
			Key:           aws.String(destKey),
			Body:          f,
			ContentLength: aws.Int64(size),
			Metadata:      map[string]string{fingerprintMetadataKey: idempotencyKey},
		})
		if err != nil {
			metrics.RecordS3Operation("put_object", time.Since(opStart), false)
			return retry.Retryable(fmt.Errorf("put object %s: %w", destKey, err))
		}
		metrics.RecordS3Operation("put_object", time.Since(opStart), true)
		return nil
	}, func(attempt int, err error) {
		logging.Warn("put object failed, retrying",
			zap.String("key", destKey),
			zap.Int("attempt", attempt),
			zap.Error(err))
	})
}

// putMultipart uploads a file in bounded-size parts. Transient part failures
// are retried individually; exhausting the budget aborts the whole upload so
// no partial object ever becomes visible.
func (u *Uploader) putMultipart(ctx context.Context, f *os.File, size int64, destKey, idempotencyKey string) error {
	opStart := time.Now()
	created, err := u.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(destKey),
		Metadata: map[string]string{fingerprintMetadataKey: idempotencyKey},
	})
	if err != nil {
		metrics.RecordS3Operation("create_multipart", time.Since(opStart), false)
		return retry.Retryable(fmt.Errorf("create multipart upload %s: %w", destKey, err))
	}
	metrics.RecordS3Operation("create_multipart", time.Since(opStart), true)
	uploadID := created.UploadId

	var completed []types.CompletedPart
	buf := make([]byte, u.partSize)

	for partNumber := int32(1); ; partNumber++ {
		n, readErr := io.ReadFull(f, buf)
		if readErr == io.EOF {
			break
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			u.abort(ctx, destKey, uploadID)
			return fmt.Errorf("read part %d of %s: %w", partNumber, destKey, readErr)
		}

		etag, partErr := u.uploadPart(ctx, destKey, uploadID, partNumber, buf[:n])
		if partErr != nil {
			u.abort(ctx, destKey, uploadID)
			return partErr
		}

		completed = append(completed, types.CompletedPart{
			ETag:       etag,
			PartNumber: aws.Int32(partNumber),
		})

		if readErr == io.ErrUnexpectedEOF {
			break
		}
	}

	opStart = time.Now()
	_, err = u.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(destKey),
		UploadId: uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		metrics.RecordS3Operation("complete_multipart", time.Since(opStart), false)
		u.abort(ctx, destKey, uploadID)
		return retry.Retryable(fmt.Errorf("complete multipart upload %s: %w", destKey, err))
	}
	metrics.RecordS3Operation("complete_multipart", time.Since(opStart), true)

	logging.Debug("multipart upload complete",
		zap.String("key", destKey),
		zap.Int64("size", size),
		zap.Int("parts", len(completed)))
	return nil
}

// uploadPart sends one part, resuming from this part on transient failure
// rather than restarting the file.
func (u *Uploader) uploadPart(ctx context.Context, destKey string, uploadID *string, partNumber int32, data []byte) (*string, error) {
	return retry.DoWithResult(ctx, u.retryCfg, func() (*string, error) {
		opStart := time.Now()
		out, err := u.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(u.bucket),
			Key:           aws.String(destKey),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(partNumber),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		if err != nil {
			metrics.RecordS3Operation("upload_part", time.Since(opStart), false)
			return nil, retry.Retryable(fmt.Errorf("upload part %d of %s: %w", partNumber, destKey, err))
		}
		metrics.RecordS3Operation("upload_part", time.Since(opStart), true)
		return out.ETag, nil
	}, func(attempt int, err error) {
		logging.Warn("upload part failed, retrying",
			zap.String("key", destKey),
			zap.Int32("part", partNumber),
			zap.Int("attempt", attempt),
			zap.Error(err))
	})
}

// abort abandons an in-progress multipart upload. Failures here are logged
// only; the sweeper collects anything left behind.
func (u *Uploader) abort(ctx context.Context, destKey string, uploadID *string) {
	_, err := u.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(destKey),
		UploadId: uploadID,
	})
	if err != nil {
		logging.Warn("abort multipart upload failed",
			zap.String("key", destKey),
			zap.Error(err))
	}
}
