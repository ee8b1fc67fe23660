// Package blob stores document snapshots as objects in an S3-compatible
// bucket, as an alternative to the file_snapshots table.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"coderoom/api/internal/store"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// SnapshotStore satisfies the same load/save contract as the Postgres
// snapshot table. Missing objects surface as store.ErrNotFound.
type SnapshotStore struct {
	client *minio.Client
	bucket string
}

// NewSnapshotStore connects and creates the bucket when it does not exist.
func NewSnapshotStore(ctx context.Context, opts Options) (*SnapshotStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}
	return &SnapshotStore{client: client, bucket: opts.Bucket}, nil
}

// ObjectKey maps a document key to its object name. Both parts are escaped
// so file names containing slashes cannot collide across rooms.
func ObjectKey(roomID, fileID string) string {
	return "snapshots/" + url.PathEscape(roomID) + "/" + url.PathEscape(fileID) + ".crdt"
}

func (s *SnapshotStore) LoadSnapshot(ctx context.Context, roomID, fileID string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, ObjectKey(roomID, fileID), minio.GetObjectOptions{})
	if err != nil {
		return nil, mapError(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapError(err)
	}
	return data, nil
}

func (s *SnapshotStore) SaveSnapshot(ctx context.Context, roomID, fileID string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, ObjectKey(roomID, fileID), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

// DeleteRoom removes every snapshot stored for a room.
func (s *SnapshotStore) DeleteRoom(ctx context.Context, roomID string) error {
	prefix := "snapshots/" + url.PathEscape(roomID) + "/"
	var errs []error
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("list snapshots: %w", obj.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("remove snapshots: %w", errors.Join(errs...))
	}
	return nil
}

func (s *SnapshotStore) Ping(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return fmt.Errorf("minio unreachable: %w", err)
	}
	return nil
}

func mapError(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || strings.EqualFold(resp.Code, "NotFound") {
		return store.ErrNotFound
	}
	return fmt.Errorf("get snapshot: %w", err)
}
