package fhe

import "sync"

// ciphertextStore is an in-memory handle-addressed ciphertext store shared by
// the engine implementations. Handles are content hashes, so storing the same
// ciphertext twice is a no-op.
type ciphertextStore struct {
	mu   sync.RWMutex
	data map[Handle][]byte
}

func newCiphertextStore() *ciphertextStore {
	return &ciphertextStore{data: make(map[Handle][]byte)}
}

func (s *ciphertextStore) put(data []byte) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := ComputeHandle(data)
	if _, ok := s.data[h]; ok {
		return h // dedup by content hash
	}
	s.data[h] = append([]byte(nil), data...)
	return h
}

func (s *ciphertextStore) get(h Handle) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.data[h]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}
