//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
)

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket    string
	Prefix    string
	Retention time.Duration // locked object retention when positive
}

// GCSStore writes evidence to Google Cloud Storage.
type GCSStore struct {
	client    *storage.Client
	bucket    string
	prefix    string
	retention time.Duration
}

// NewGCSStore creates a store using application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, retention: cfg.Retention}, nil
}

func (s *GCSStore) Kind() StoreType { return StoreTypeGCS }

func (s *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string) (Object, error) {
	key, err := CleanKey(key)
	if err != nil {
		return Object{}, err
	}
	objectPath := s.prefix + key
	obj := Object{
		Key:      key,
		Digest:   Digest(data),
		Size:     int64(len(data)),
		Location: fmt.Sprintf("gs://%s/%s", s.bucket, objectPath),
	}

	w := s.client.Bucket(s.bucket).Object(objectPath).
		If(storage.Conditions{DoesNotExist: true}).
		NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = map[string]string{"content-digest": obj.Digest}
	if s.retention > 0 {
		obj.RetainUntil = time.Now().Add(s.retention).UTC()
		w.Retention = &storage.ObjectRetention{Mode: "Locked", RetainUntil: obj.RetainUntil}
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return Object{}, fmt.Errorf("gcs write %s failed: %w", objectPath, err)
	}
	if err := w.Close(); err != nil {
		return Object{}, fmt.Errorf("gcs close %s failed: %w", objectPath, err)
	}
	return obj, nil
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(s.bucket).Object(s.prefix + key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("gcs get %s failed: %w", key, err)
	}
	defer func() { _ = reader.Close() }()
	return io.ReadAll(reader)
}

func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	key, err := CleanKey(key)
	if err != nil {
		return false, err
	}
	_, err = s.client.Bucket(s.bucket).Object(s.prefix + key).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("gcs attrs %s failed: %w", key, err)
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
