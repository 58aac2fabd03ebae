package blobstore

import (
	"context"
	"crypto/sha256"
	"sync"

	"github.com/mr-tron/base58"
)

// MemoryStore keeps blobs in process, keyed by a CIDv0-shaped identifier
// (base58 of the sha2-256 multihash of the raw bytes).
type MemoryStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	names   map[string]string
	failErr error
	puts    int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string][]byte),
		names: make(map[string]string),
	}
}

// ContentID returns the identifier MemoryStore assigns to data.
func ContentID(data []byte) string {
	sum := sha256.Sum256(data)
	multihash := append([]byte{0x12, 0x20}, sum[:]...)
	return base58.Encode(multihash)
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, data []byte, fileName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if err := s.failErr; err != nil {
		s.failErr = nil
		return "", err
	}
	if len(data) == 0 {
		return "", ErrEmptyContent
	}
	cid := ContentID(data)
	s.blobs[cid] = append([]byte(nil), data...)
	s.names[cid] = fileName
	return cid, nil
}

// Get returns a stored blob and the file name it was put with.
func (s *MemoryStore) Get(cid string) ([]byte, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[cid]
	return data, s.names[cid], ok
}

// FailNext makes the next Put return err.
func (s *MemoryStore) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Puts counts Put calls, failed ones included.
func (s *MemoryStore) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}
