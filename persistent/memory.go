package persistent

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// NewMemoryStore creates new in-memory "persistent" store.
func NewMemoryStore(size uint64) (*MemoryStore, func(), error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "memory allocation failed")
	}

	return &MemoryStore{
			data: data,
		}, func() {
			_ = unix.Munmap(data)
		}, nil
}

// MemoryStore defines "persistent" in-memory store. Used for testing.
type MemoryStore struct {
	mu     sync.Mutex
	data   []byte
	writes uint64
	syncs  uint64
}

// Size returns size of the store.
func (s *MemoryStore) Size() uint64 {
	return uint64(len(s.data))
}

// Read reads data from the store.
func (s *MemoryStore) Read(offset uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkRange(s.Size(), offset, data); err != nil {
		return err
	}
	copy(data, s.data[offset:])
	return nil
}

// Write writes data to the store.
func (s *MemoryStore) Write(offset uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkRange(s.Size(), offset, data); err != nil {
		return err
	}
	copy(s.data[offset:], data)
	s.writes++
	return nil
}

// Sync does nothing but counts the calls.
func (s *MemoryStore) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncs++
	return nil
}

// Stats returns number of writes and syncs done.
func (s *MemoryStore) Stats() (writes, syncs uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writes, s.syncs
}

func checkRange(size, offset uint64, data []byte) error {
	if offset > size || uint64(len(data)) > size-offset {
		return errors.Errorf("range [%d, %d) exceeds store size %d", offset, offset+uint64(len(data)), size)
	}
	return nil
}
