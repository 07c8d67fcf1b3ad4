package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryBlobClient keeps blobs in process. References are "memory://<path>".
type MemoryBlobClient struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobClient returns an empty in-memory blob store.
func NewMemoryBlobClient() *MemoryBlobClient {
	return &MemoryBlobClient{blobs: make(map[string][]byte)}
}

const memoryScheme = "memory://"

func (m *MemoryBlobClient) Upload(_ context.Context, blobPath string, data []byte, _ map[string]string) (string, error) {
	if blobPath == "" {
		return "", fmt.Errorf("blob path is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[blobPath] = append([]byte(nil), data...)
	return memoryScheme + blobPath, nil
}

func (m *MemoryBlobClient) Download(_ context.Context, reference string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	path := strings.TrimPrefix(reference, memoryScheme)
	data, ok := m.blobs[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, path)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryBlobClient) Delete(_ context.Context, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, strings.TrimPrefix(reference, memoryScheme))
	return nil
}

// Len returns the number of stored blobs.
func (m *MemoryBlobClient) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
