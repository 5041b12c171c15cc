// Package storage copies call recordings into object storage before audio processing.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"callpipeline/internal/calls"
	"callpipeline/internal/config"
	"callpipeline/pkg/apperr"
	"callpipeline/pkg/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archiver returns the audio url a job should process for rec.
type Archiver interface {
	Archive(ctx context.Context, rec calls.CallRecord) (string, error)
}

// PassThrough uses the provider recording url in place.
type PassThrough struct{}

func (PassThrough) Archive(_ context.Context, rec calls.CallRecord) (string, error) {
	if rec.RecordingURL == "" {
		return "", apperr.Validation("call record has no recording")
	}
	return rec.RecordingURL, nil
}

// objectPutter is the subset of *minio.Client the archiver needs.
type objectPutter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
}

// MinIOArchiver downloads the provider recording and stores it under
// recordings/{source}/{seller}/{call_id}.mp3.
type MinIOArchiver struct {
	client objectPutter
	bucket string
	http   *http.Client
}

// NewMinIOArchiver connects to the configured endpoint.
func NewMinIOArchiver(cfg config.StorageConfig) (*MinIOArchiver, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("object storage is not configured")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	return newArchiver(client, cfg.Bucket, &http.Client{Timeout: 2 * time.Minute}), nil
}

func newArchiver(client objectPutter, bucket string, hc *http.Client) *MinIOArchiver {
	return &MinIOArchiver{client: client, bucket: bucket, http: hc}
}

// EnsureBucket creates the bucket if it doesn't exist.
func (a *MinIOArchiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", a.bucket, err)
	}
	return nil
}

func (a *MinIOArchiver) Archive(ctx context.Context, rec calls.CallRecord) (string, error) {
	if rec.RecordingURL == "" {
		return "", apperr.Validation("call record has no recording")
	}
	// Already archived.
	if strings.HasPrefix(rec.RecordingURL, "s3://") {
		return rec.RecordingURL, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.RecordingURL, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, "invalid recording url", err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download recording: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("download recording: unexpected status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	key := ObjectKey(rec)
	if _, err := a.client.PutObject(ctx, a.bucket, key, resp.Body, resp.ContentLength, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return "", fmt.Errorf("failed to upload recording %s: %w", key, err)
	}

	out := "s3://" + a.bucket + "/" + key
	logger.From(ctx).Info("recording archived", "call_id", rec.ID, "object", out)
	return out, nil
}

// ObjectKey is the storage key for a record's recording.
func ObjectKey(rec calls.CallRecord) string {
	seller := rec.SellerID
	if seller == "" {
		seller = "unknown"
	}
	return path.Join("recordings", string(rec.IngestSource()), seller, fmt.Sprintf("%d.mp3", rec.ID))
}
