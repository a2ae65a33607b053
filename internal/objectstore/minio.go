package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig addresses an S3-compatible endpoint through minio-go.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// MinioStore implements Store with minio-go.
type MinioStore struct {
	client *minio.Client
	region string
}

// NewMinio dials nothing; the client connects lazily on first request.
func NewMinio(cfg MinioConfig) (*MinioStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint required")
	}
	useSSL := cfg.UseSSL
	if scheme, host, ok := strings.Cut(endpoint, "://"); ok {
		endpoint = strings.TrimSuffix(host, "/")
		useSSL = scheme == "https"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioStore{client: client, region: cfg.Region}, nil
}

func (s *MinioStore) Put(ctx context.Context, bucket, key, contentType string, data []byte) error {
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, translateMinioError(err))
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, bucket, key string) (Object, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return Object{}, fmt.Errorf("get %s/%s: %w", bucket, key, translateMinioError(err))
	}
	// GetObject is lazy; Stat surfaces NoSuchKey before any body is streamed.
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return Object{}, fmt.Errorf("stat %s/%s: %w", bucket, key, translateMinioError(err))
	}
	return Object{Body: obj, Size: stat.Size, ContentType: stat.ContentType}, nil
}

func (s *MinioStore) Copy(ctx context.Context, srcBucket, dstBucket, key string) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: dstBucket, Object: key},
		minio.CopySrcOptions{Bucket: srcBucket, Object: key},
	)
	if err != nil {
		return fmt.Errorf("copy %s/%s to %s: %w", srcBucket, key, dstBucket, translateMinioError(err))
	}
	return nil
}

func (s *MinioStore) Delete(ctx context.Context, bucket, key string) error {
	err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		translated := translateMinioError(err)
		if errors.Is(translated, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("delete %s/%s: %w", bucket, key, translated)
	}
	return nil
}

func (s *MinioStore) EnsureBuckets(ctx context.Context, buckets ...string) error {
	for _, bucket := range buckets {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if exists {
			continue
		}
		if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			resp := minio.ToErrorResponse(err)
			if resp.Code == "BucketAlreadyOwnedByYou" || resp.Code == "BucketAlreadyExists" {
				continue
			}
			return fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return nil
}

func translateMinioError(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey", resp.Code == "NoSuchBucket", resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, resp.Message)
	}
	return err
}

var _ Store = (*MinioStore)(nil)
