package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"bitbucket.org/mmdatafocus/salesdock_backend/models"
)

// MemStore is an in-memory EntryStore/BlobStore with the same
// compare-and-swap semantics as the remote stores. Used by tests and local
// development.
type MemStore struct {
	mu      sync.Mutex
	entries []byte
	blobs   map[string][]byte
	counter int64
	blobVer map[string]int64
}

func NewMemStore() *MemStore {
	return &MemStore{
		blobs:   make(map[string][]byte),
		blobVer: make(map[string]int64),
	}
}

func (s *MemStore) Read(ctx context.Context) ([]models.Entry, Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		return []models.Entry{}, "", nil
	}
	var entries []models.Entry
	if err := json.Unmarshal(s.entries, &entries); err != nil {
		return nil, "", err
	}
	return entries, versionFromCounter(s.counter), nil
}

func (s *MemStore) Write(ctx context.Context, entries []models.Entry, expected Version) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if versionFromCounter(s.counter) != expected {
		return "", ErrVersionConflict
	}
	if entries == nil {
		entries = []models.Entry{}
	}
	blob, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	s.entries = blob
	s.counter++
	return versionFromCounter(s.counter), nil
}

func (s *MemStore) GetBlob(ctx context.Context, path string) ([]byte, Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[path]
	if !ok {
		return nil, "", nil
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, blobVersion(path, s.blobVer[path]), nil
}

func (s *MemStore) PutBlob(ctx context.Context, path string, content []byte, expected Version) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if blobVersion(path, s.blobVer[path]) != expected && !(s.blobVer[path] == 0 && expected == "") {
		return "", ErrVersionConflict
	}
	s.blobs[path] = append([]byte(nil), content...)
	s.blobVer[path]++
	return blobVersion(path, s.blobVer[path]), nil
}

func blobVersion(path string, n int64) Version {
	if n == 0 {
		return ""
	}
	return Version(fmt.Sprintf("%s@%d", path, n))
}
