package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory ObjectStore for tests and local development.
// Copies complete by the time the first status poll arrives.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[Location]memObject
	copies  map[CopyHandle]CopyState
}

type memObject struct {
	data     []byte
	metadata map[string]string
	modified time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[Location]memObject),
		copies:  make(map[CopyHandle]CopyState),
	}
}

func (s *MemoryStore) Copy(ctx context.Context, src, dst Location, metadata map[string]string) (CopyHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle := CopyHandle(uuid.NewString())
	obj, ok := s.objects[src]
	if !ok {
		s.copies[handle] = CopyFailed
		return handle, nil
	}

	meta := obj.metadata
	if metadata != nil {
		meta = metadata
	}
	s.objects[dst] = memObject{
		data:     append([]byte(nil), obj.data...),
		metadata: meta,
		modified: time.Now(),
	}
	s.copies[handle] = CopySuccess
	return handle, nil
}

func (s *MemoryStore) CopyStatus(ctx context.Context, h CopyHandle) (CopyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.copies[h]
	if !ok {
		return "", ErrUnknownHandle
	}
	return state, nil
}

func (s *MemoryStore) Delete(ctx context.Context, loc Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, loc)
	return nil
}

func (s *MemoryStore) Stat(ctx context.Context, loc Location) (ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[loc]
	if !ok {
		return ObjectInfo{}, ErrNotFound
	}
	return ObjectInfo{Location: loc, Size: int64(len(obj.data)), LastModified: obj.modified}, nil
}

func (s *MemoryStore) Get(ctx context.Context, loc Location) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[loc]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), obj.data...), nil
}

func (s *MemoryStore) Put(ctx context.Context, loc Location, data []byte, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[loc] = memObject{
		data:     append([]byte(nil), data...),
		metadata: metadata,
		modified: time.Now(),
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context, container, prefix string) ([]ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]ObjectInfo, 0)
	for loc, obj := range s.objects {
		if loc.Container != container || !strings.HasPrefix(loc.Key, prefix) {
			continue
		}
		results = append(results, ObjectInfo{Location: loc, Size: int64(len(obj.data)), LastModified: obj.modified})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Location.Key < results[j].Location.Key
	})
	return results, nil
}

// Metadata returns the stored user metadata for an object. Test helper.
func (s *MemoryStore) Metadata(loc Location) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[loc]
	if !ok {
		return nil
	}
	return obj.metadata
}

var _ ObjectStore = (*MemoryStore)(nil)
