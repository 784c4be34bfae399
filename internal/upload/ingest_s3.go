package upload

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"defectcam/internal/logger"
	"defectcam/internal/pipeline"
)

// S3Options configures an ObjectStoreIngestor
type S3Options struct {
	Endpoint  string // host:port
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Secure    bool
}

// ObjectStoreIngestor writes snapshots straight to an S3 compatible bucket
type ObjectStoreIngestor struct {
	client *minio.Client
	bucket string
	region string
}

// NewObjectStoreIngestor creates a minio client for opts
func NewObjectStoreIngestor(opts S3Options) (*ObjectStoreIngestor, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:       opts.Secure,
		Region:       opts.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}
	return &ObjectStoreIngestor{client: client, bucket: opts.Bucket, region: opts.Region}, nil
}

func (o *ObjectStoreIngestor) Name() string { return "s3" }

// EnsureBucket creates the bucket if it doesn't exist yet
func (o *ObjectStoreIngestor) EnsureBucket(ctx context.Context) error {
	exists, err := o.client.BucketExists(ctx, o.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", o.bucket, err)
	}
	if exists {
		return nil
	}
	if err := o.client.MakeBucket(ctx, o.bucket, minio.MakeBucketOptions{Region: o.region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", o.bucket, err)
	}
	logger.Info(logTag, "Created bucket %s", o.bucket)
	return nil
}

// Ingest stores the JPEG under the defect key with the event metadata attached
func (o *ObjectStoreIngestor) Ingest(ctx context.Context, u *Upload) (Reference, error) {
	ev := u.Event
	key := ObjectKey(ev)

	meta := map[string]string{
		"defect-type": ev.Label,
		"device-id":   ev.DeviceID,
		"confidence":  strconv.FormatFloat(float64(ev.Confidence), 'f', 4, 32),
		"time-iso":    ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"event-id":    ev.ID.String(),
	}
	if ev.BBox != nil {
		meta["bbox"] = ev.BBox.CSV()
	}

	_, err := o.client.PutObject(ctx, o.bucket, key, bytes.NewReader(u.JPEG), int64(len(u.JPEG)),
		minio.PutObjectOptions{ContentType: "image/jpeg", UserMetadata: meta})
	if err != nil {
		return Reference{}, fmt.Errorf("failed to put %s/%s: %w", o.bucket, key, err)
	}

	return Reference{URL: "s3://" + o.bucket + "/" + key, Path: key}, nil
}

// ObjectKey names a snapshot defects/{label}/{YYYYmmdd_HHMMSS_micro}_{id}.jpg
func ObjectKey(ev pipeline.DefectEvent) string {
	label := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ':
			return '_'
		}
		return r
	}, ev.Label)
	if label == "" {
		label = "unknown"
	}
	ts := ev.Timestamp.UTC()
	stamp := fmt.Sprintf("%s_%06d", ts.Format("20060102_150405"), ts.Nanosecond()/1000)
	return fmt.Sprintf("defects/%s/%s_%s.jpg", label, stamp, hex.EncodeToString(ev.ID[:]))
}
