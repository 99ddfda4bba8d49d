package export

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore uploads finished reports to a MinIO/S3 bucket and hands out
// presigned download links.
type ObjectStore struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// LinkExpiry bounds presigned URLs; zero means 15 minutes.
	LinkExpiry time.Duration
}

func NewObjectStore(ctx context.Context, cfg ObjectConfig) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	expiry := cfg.LinkExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &ObjectStore{client: client, bucket: cfg.Bucket, expiry: expiry}, nil
}

// Upload stores data under key and returns a presigned GET URL.
func (o *ObjectStore) Upload(ctx context.Context, key string, data []byte, mimeType string) (string, error) {
	_, err := o.client.PutObject(ctx, o.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: mimeType,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", key))
	link, err := o.client.PresignedGetObject(ctx, o.bucket, key, o.expiry, params)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return link.String(), nil
}
