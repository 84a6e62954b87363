// Package files stores document attachments in S3-compatible object storage.
// The database keeps only the object keys, on the owning document row.
package files

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"inkwell/api/internal/util"
)

// Service handles attachment upload, retrieval, and deletion.
type Service struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and makes sure the bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("files: connect %s: %w", endpoint, err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("files: check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("files: create bucket %s: %w", bucket, err)
		}
	}

	return &Service{client: client, bucket: bucket}, nil
}

// Upload stores one attachment and returns its object key. Keys are scoped
// under the document so a document wipe can never touch another's files.
func (s *Service) Upload(ctx context.Context, documentID, filename, contentType string, r io.Reader, size int64) (string, error) {
	key := objectKey(documentID, filename)
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("files: upload %s: %w", key, err)
	}
	return key, nil
}

// Open returns a reader over the stored object. The caller must close it.
func (s *Service) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("files: open %s: %w", key, err)
	}
	return obj, nil
}

// PresignedURL mints a time-limited download link so attachment bytes never
// stream through the API process.
func (s *Service) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("files: presign %s: %w", key, err)
	}
	return u.String(), nil
}

// Delete removes one stored object.
func (s *Service) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("files: delete %s: %w", key, err)
	}
	return nil
}

// DeleteAll removes every object under a document's prefix, used when the
// document itself is deleted.
func (s *Service) DeleteAll(ctx context.Context, documentID string) error {
	prefix := "attachments/" + documentID + "/"
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("files: list %s: %w", prefix, obj.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("files: delete %s: %w", obj.Key, err)
		}
	}
	return nil
}

// objectKey builds a collision-free key that still ends in the original
// filename, so downloads keep a sensible name.
func objectKey(documentID, filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "file"
	}
	return fmt.Sprintf("attachments/%s/%s/%s", documentID, util.NewID("file"), base)
}
