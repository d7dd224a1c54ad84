package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3BlobStorage stores blobs in an S3-compatible bucket. Like the filesystem
// backend it only provides blob storage; key-value and indexed data stay on
// an embedded or Redis backend.
type S3BlobStorage struct {
	client *minio.Client
	bucket string
	prefix string
}

// S3Options configures the S3 backend.
type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// NewS3BlobStorage connects to the endpoint and ensures the bucket exists.
func NewS3BlobStorage(ctx context.Context, opts S3Options) (*S3BlobStorage, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &S3BlobStorage{client: client, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

func (s *S3BlobStorage) objectName(path string) string {
	return s.prefix + path
}

func (s *S3BlobStorage) PutBlob(ctx context.Context, path string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.objectName(path),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	return err
}

func (s *S3BlobStorage) GetBlob(ctx context.Context, path string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectName(path), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *S3BlobStorage) DeleteBlob(ctx context.Context, path string) error {
	return s.client.RemoveObject(ctx, s.bucket, s.objectName(path), minio.RemoveObjectOptions{})
}

func (s *S3BlobStorage) BlobExists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.objectName(path), minio.StatObjectOptions{})
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *S3BlobStorage) ListBlobs(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.objectName(prefix),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		paths = append(paths, obj.Key[len(s.prefix):])
	}
	sort.Strings(paths)
	return paths, nil
}
