package persistent

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// OpenFileStore opens or creates the file of the requested size and maps it.
func OpenFileStore(path string, size uint64) (*FileStore, func(), error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, nil, errors.WithStack(err)
	}
	if uint64(info.Size()) < size {
		if err := file.Truncate(int64(size)); err != nil {
			_ = file.Close()
			return nil, nil, errors.WithStack(err)
		}
	}
	store, closeFunc, err := NewFileStore(file, size)
	if err != nil {
		_ = file.Close()
		return nil, nil, err
	}
	return store, closeFunc, nil
}

// NewFileStore creates new file-based store.
func NewFileStore(file *os.File, size uint64) (*FileStore, func(), error) {
	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "memory allocation failed")
	}

	return &FileStore{
			file: file,
			data: data,
		}, func() {
			_ = unix.Munmap(data)
			_ = file.Close()
		}, nil
}

// FileStore defines persistent file-based store.
type FileStore struct {
	mu   sync.Mutex
	file *os.File
	data []byte
}

// Size returns size of the store.
func (s *FileStore) Size() uint64 {
	return uint64(len(s.data))
}

// Read reads data from the store.
func (s *FileStore) Read(offset uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkRange(s.Size(), offset, data); err != nil {
		return err
	}
	copy(data, s.data[offset:])
	return nil
}

// Write writes data to the store.
func (s *FileStore) Write(offset uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkRange(s.Size(), offset, data); err != nil {
		return err
	}
	copy(s.data[offset:], data)
	return nil
}

// Sync syncs pending writes.
func (s *FileStore) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(s.file.Sync())
}
