package paramserver

import (
	"sync"

	"github.com/muchq/sparsehash/go/wire"
)

// kvStore is the small fixed-width-key side store (C8) exposed over the
// same socket as the model RPCs, for whatever small bits of coordination
// state a deployment wants to keep next to the model (e.g. a run id, a
// checkpoint cursor).
type kvStore struct {
	mu   sync.RWMutex
	data map[wire.Key][]byte
}

func newKVStore() *kvStore {
	return &kvStore{data: make(map[wire.Key][]byte)}
}

func (s *kvStore) set(key wire.Key, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	s.data[key] = stored
}

func (s *kvStore) get(key wire.Key) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}
