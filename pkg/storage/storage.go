// Package storage keeps uploads, originals and previews in MinIO/S3.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// Store wraps a MinIO client.
type Store struct {
	client *minio.Client
	region string
}

func New(opts Options) (*Store, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio connection: %w", err)
	}
	return &Store{client: client, region: opts.Region}, nil
}

// EnsureBuckets creates any missing bucket.
func (s *Store) EnsureBuckets(ctx context.Context, buckets ...string) error {
	for _, b := range buckets {
		exists, err := s.client.BucketExists(ctx, b)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", b, err)
		}
		if exists {
			continue
		}
		if err := s.client.MakeBucket(ctx, b, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("create bucket %s: %w", b, err)
		}
	}
	return nil
}

// PutStream uploads size bytes from r. A negative size streams in parts.
func (s *Store) PutStream(ctx context.Context, bucket, object string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, bucket, object, r, size, minio.PutObjectOptions{
		ContentType: ContentType(object),
	})
	return err
}

// PutFile uploads a local file.
func (s *Store) PutFile(ctx context.Context, bucket, object, path string) error {
	_, err := s.client.FPutObject(ctx, bucket, object, path, minio.PutObjectOptions{
		ContentType: ContentType(object),
	})
	return err
}

// FGet downloads an object to a local path.
func (s *Store) FGet(ctx context.Context, bucket, object, path string) error {
	return s.client.FGetObject(ctx, bucket, object, path, minio.GetObjectOptions{})
}

// PresignedURL returns a time-limited download link.
func (s *Store) PresignedURL(ctx context.Context, bucket, object string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, bucket, object, expiry, url.Values{})
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (s *Store) Remove(ctx context.Context, bucket, object string) error {
	return s.client.RemoveObject(ctx, bucket, object, minio.RemoveObjectOptions{})
}

// ObjectName builds "<owner>/<videoID>/<role><ext>". Owner is reduced to a
// path-safe token.
func ObjectName(owner, videoID, role, ext string) string {
	owner = safeSegment(owner)
	if owner == "" {
		owner = "anonymous"
	}
	return fmt.Sprintf("%s/%s/%s%s", owner, videoID, role, strings.ToLower(ext))
}

func safeSegment(s string) string {
	var sb strings.Builder
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.', c == '@':
			sb.WriteRune(c)
		}
	}
	return strings.Trim(sb.String(), ".")
}

// ContentType maps a container extension to its MIME type.
func ContentType(object string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(object), ".")) {
	case "mp4", "m4v":
		return "video/mp4"
	case "mov":
		return "video/quicktime"
	case "mkv":
		return "video/x-matroska"
	case "webm":
		return "video/webm"
	case "avi":
		return "video/x-msvideo"
	default:
		return "application/octet-stream"
	}
}
