package objectstore

import (
	"context"
	"fmt"
	"sync"
)

// MemStore is an in-memory Store, used by tests and by local
// single-process smoke runs in place of a real object-store backend.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func storeKey(bucket, key string) string {
	return bucket + "/" + key
}

func (s *MemStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.data[storeKey(bucket, key)]
	if !ok {
		return nil, &ObjectStoreError{Op: "get", Key: key, Cause: fmt.Errorf("not found")}
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemStore) GetRange(ctx context.Context, bucket, key string, lo, hi int64) ([]byte, error) {
	data, err := s.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	if lo < 0 || hi > int64(len(data)) || lo > hi {
		return nil, &ObjectStoreError{Op: "get_range", Key: key, Cause: fmt.Errorf("range [%d,%d) out of bounds for %d bytes", lo, hi, len(data))}
	}
	return data[lo:hi], nil
}

func (s *MemStore) Put(_ context.Context, bucket, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	s.data[storeKey(bucket, key)] = stored
	return nil
}
