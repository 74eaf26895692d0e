package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"filerelay/internal/config"
)

// MinioStore implements ObjectStore against any S3-compatible service.
//
// Server-side copies run in the background; each is tracked under a handle so
// callers can poll for completion. A handle is forgotten once a terminal state
// has been observed through CopyStatus.
type MinioStore struct {
	client *minio.Client

	mu     sync.Mutex
	copies map[CopyHandle]*copyTracker
}

type copyTracker struct {
	state CopyState
	err   error
}

// NewMinioStore builds a MinioStore from the store section of the config.
func NewMinioStore(cfg config.StoreConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("store endpoint must be provided")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("store credentials must be provided")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	return &MinioStore{
		client: client,
		copies: make(map[CopyHandle]*copyTracker),
	}, nil
}

// Copy starts a server-side copy and returns immediately with a pollable handle.
// When metadata is non-nil it replaces the destination object's user metadata.
func (s *MinioStore) Copy(ctx context.Context, src, dst Location, metadata map[string]string) (CopyHandle, error) {
	handle := CopyHandle(uuid.NewString())

	s.mu.Lock()
	s.copies[handle] = &copyTracker{state: CopyPending}
	s.mu.Unlock()

	go func() {
		dstOpts := minio.CopyDestOptions{
			Bucket: dst.Container,
			Object: dst.Key,
		}
		if metadata != nil {
			dstOpts.UserMetadata = metadata
			dstOpts.ReplaceMetadata = true
		}
		srcOpts := minio.CopySrcOptions{
			Bucket: src.Container,
			Object: src.Key,
		}

		_, err := s.client.CopyObject(ctx, dstOpts, srcOpts)

		s.mu.Lock()
		defer s.mu.Unlock()
		tracker := s.copies[handle]
		switch {
		case err == nil:
			tracker.state = CopySuccess
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			tracker.state = CopyAborted
			tracker.err = err
		default:
			tracker.state = CopyFailed
			tracker.err = err
		}
	}()

	return handle, nil
}

// CopyStatus reports the state of an in-flight copy. Terminal states are
// returned once; the handle is released afterwards.
func (s *MinioStore) CopyStatus(ctx context.Context, h CopyHandle) (CopyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracker, ok := s.copies[h]
	if !ok {
		return "", ErrUnknownHandle
	}
	state := tracker.state
	if state.Terminal() {
		delete(s.copies, h)
	}
	return state, nil
}

// Delete removes an object. Already-deleted objects are not an error.
func (s *MinioStore) Delete(ctx context.Context, loc Location) error {
	err := s.client.RemoveObject(ctx, loc.Container, loc.Key, minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("delete %s: %w", loc, err)
	}
	return nil
}

// Stat fetches object metadata.
func (s *MinioStore) Stat(ctx context.Context, loc Location) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, loc.Container, loc.Key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return ObjectInfo{}, ErrNotFound
		}
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", loc, err)
	}
	return ObjectInfo{
		Location:     loc,
		Size:         info.Size,
		ETag:         info.ETag,
		LastModified: info.LastModified,
	}, nil
}

// Get reads the full object content.
func (s *MinioStore) Get(ctx context.Context, loc Location) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, loc.Container, loc.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", loc, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", loc, err)
	}
	return data, nil
}

// Put writes an object, overwriting any existing one under the same key.
func (s *MinioStore) Put(ctx context.Context, loc Location, data []byte, metadata map[string]string) error {
	_, err := s.client.PutObject(ctx, loc.Container, loc.Key,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{UserMetadata: metadata})
	if err != nil {
		return fmt.Errorf("put %s: %w", loc, err)
	}
	return nil
}

// List returns the objects in a container under the given prefix.
func (s *MinioStore) List(ctx context.Context, container, prefix string) ([]ObjectInfo, error) {
	results := make([]ObjectInfo, 0)
	for obj := range s.client.ListObjects(ctx, container, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", container, prefix, obj.Err)
		}
		results = append(results, ObjectInfo{
			Location:     Location{Container: container, Key: obj.Key},
			Size:         obj.Size,
			ETag:         obj.ETag,
			LastModified: obj.LastModified,
		})
	}
	return results, nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}

var _ ObjectStore = (*MinioStore)(nil)
