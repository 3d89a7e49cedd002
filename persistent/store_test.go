package persistent

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	requireT := require.New(t)

	s, deallocFunc, err := NewMemoryStore(4096)
	requireT.NoError(err)
	t.Cleanup(deallocFunc)

	requireT.Equal(uint64(4096), s.Size())
	requireT.NoError(s.Write(10, []byte{0x01, 0x02, 0x03}))
	requireT.NoError(s.Sync())

	buf := make([]byte, 5)
	requireT.NoError(s.Read(9, buf))
	requireT.Equal([]byte{0x00, 0x01, 0x02, 0x03, 0x00}, buf)

	writes, syncs := s.Stats()
	requireT.Equal(uint64(1), writes)
	requireT.Equal(uint64(1), syncs)

	requireT.Error(s.Write(4095, []byte{0x01, 0x02}))
	requireT.Error(s.Read(5000, buf))
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	requireT := require.New(t)

	path := filepath.Join(t.TempDir(), "nonpaged.md")

	s, closeFunc, err := OpenFileStore(path, 4096)
	requireT.NoError(err)
	requireT.NoError(s.Write(100, []byte("extent pool")))
	requireT.NoError(s.Sync())
	closeFunc()

	s, closeFunc, err = OpenFileStore(path, 4096)
	requireT.NoError(err)
	t.Cleanup(closeFunc)

	buf := make([]byte, 11)
	requireT.NoError(s.Read(100, buf))
	requireT.Equal("extent pool", string(buf))
	requireT.Error(s.Write(4090, buf))
}
