package blobstore

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is the test double for Store.
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string]memoryBlob
}

type memoryBlob struct {
	data []byte
	meta map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]memoryBlob)}
}

func (m *MemoryStore) Put(_ context.Context, data []byte, filename string, metadata map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	meta := map[string]string{"filename": filename}
	for k, v := range metadata {
		meta[k] = v
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.blobs[id] = memoryBlob{data: cp, meta: meta}
	return id, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) ([]byte, map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	return b.data, b.meta, nil
}

// Len reports the number of stored blobs, for test assertions.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}
