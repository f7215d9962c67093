package remote

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryStore is a map-backed RemoteStore used in tests and local
// development. Etags are monotonic per store.
type InMemoryStore struct {
	mu    sync.Mutex
	blobs map[string]inMemoryBlob
	seq   int
}

type inMemoryBlob struct {
	data string
	etag string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{blobs: make(map[string]inMemoryBlob)}
}

func (s *InMemoryStore) Put(ctx context.Context, path string, blob string, etag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	newTag := fmt.Sprintf("etag-%d", s.seq)
	s.blobs[path] = inMemoryBlob{data: blob, etag: newTag}
	return newTag, nil
}

func (s *InMemoryStore) Get(ctx context.Context, path string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blobs[path]
	if !ok {
		return "", "", ErrNotFound
	}
	return b.data, b.etag, nil
}
