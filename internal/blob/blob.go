// Package blob stores attachment objects in S3-compatible object storage.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	// ErrNotConfigured is returned by New when no endpoint or bucket is set.
	ErrNotConfigured = errors.New("object storage not configured")
	// ErrNoSuchObject is returned by Get for unknown keys.
	ErrNoSuchObject = errors.New("no such object")
)

const (
	CredsAccessKey = "access_key"
	CredsFileMinio = "file_minio"
	CredsFileAWS   = "file_aws"
	CredsIAM       = "iam"
)

// Store is the object storage used for attachments.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Config describes an S3-compatible bucket.
type Config struct {
	Endpoint     string
	Secure       bool
	AccessKey    string
	SecretKey    string
	Creds        string
	Region       string
	Bucket       string
	ObjectPrefix string
}

// S3Store is a Store backed by minio-go.
type S3Store struct {
	cl     *minio.Client
	bucket string
	prefix string
}

// New connects to the bucket described by cfg.
func New(cfg Config) (*S3Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, ErrNotConfigured
	}

	var creds *credentials.Credentials
	switch cfg.Creds {
	case CredsFileMinio:
		creds = credentials.NewFileMinioClient("", "")
	case CredsFileAWS:
		creds = credentials.NewFileAWSCredentials("", "")
	case CredsIAM:
		creds = credentials.NewIAM("")
	default:
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	}

	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}

	return &S3Store{cl: cl, bucket: cfg.Bucket, prefix: cfg.ObjectPrefix}, nil
}

// Put uploads data under key, replacing any existing object.
func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.cl.PutObject(ctx, s.bucket, s.prefix+key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("s3 PutObject %s: %w", key, err)
	}
	return nil
}

// Get downloads the object stored under key.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.cl.GetObject(ctx, s.bucket, s.prefix+key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translate(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, translate(err)
	}
	return data, nil
}

func translate(err error) error {
	if minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
		return ErrNoSuchObject
	}
	return err
}
