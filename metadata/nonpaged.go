package metadata

import (
	"sync"
	"unsafe"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"

	"github.com/outofforest/extentpool/persistent"
	"github.com/outofforest/extentpool/types"
	"github.com/outofforest/photon"
)

const (
	// Magic identifies non-paged record of extent pool.
	Magic uint64 = 0x45585450_4f4f4c31

	// Version is the only layout version understood.
	Version uint32 = 1
)

// RecordFlags are the flags stored in non-paged record.
type RecordFlags uint32

const (
	// RecordInitialized is set once default record has been persisted.
	RecordInitialized RecordFlags = 1 << iota
)

// NonpagedRecord is the fixed layout of the persisted non-paged metadata.
type NonpagedRecord struct {
	Magic       uint64
	Version     uint32
	Flags       RecordFlags
	PoolUUID    uuid.UUID
	PoolID      types.PoolID
	Width       uint32
	Generation  uint64
	TotalSlices uint64
	Checksum    [32]byte
}

// RecordSize is the number of bytes taken by the record.
const RecordSize = uint64(unsafe.Sizeof(NonpagedRecord{}))

var checksumOffset = unsafe.Offsetof(NonpagedRecord{}.Checksum)

// Checksum computes the checksum of the record, excluding the checksum field.
func Checksum(r NonpagedRecord) [32]byte {
	return blake3.Sum256(photon.NewFromValue(&r).B[:checksumOffset])
}

// Blank tells if record has never been written.
func (r NonpagedRecord) Blank() bool {
	return r == NonpagedRecord{}
}

// Verify checks magic number, version and checksum of the record.
func Verify(r NonpagedRecord) error {
	switch {
	case r.Blank():
		return errors.WithStack(types.ErrUninitialized)
	case r.Magic != Magic:
		return errors.Wrapf(types.ErrVersionMismatch, "magic %#x", r.Magic)
	case r.Version != Version:
		return errors.Wrapf(types.ErrVersionMismatch, "version %d", r.Version)
	case r.Checksum != Checksum(r):
		return errors.Wrap(types.ErrVersionMismatch, "checksum")
	case r.Flags&RecordInitialized == 0:
		return errors.WithStack(types.ErrUninitialized)
	}
	return nil
}

// NewNonpaged creates non-paged metadata service storing the record at offset of the store.
func NewNonpaged(store persistent.Store, offset uint64) *Nonpaged {
	return &Nonpaged{
		store:  store,
		offset: offset,
	}
}

// Nonpaged reads and writes non-paged record.
type Nonpaged struct {
	store  persistent.Store
	offset uint64

	mu     sync.Mutex
	record NonpagedRecord
}

// Load reads the record from the store.
func (n *Nonpaged) Load() (NonpagedRecord, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	buf := make([]byte, RecordSize)
	if err := n.store.Read(n.offset, buf); err != nil {
		return NonpagedRecord{}, err
	}
	n.record = *photon.FromBytes[NonpagedRecord](buf)
	return n.record, nil
}

// Record returns the record loaded or written most recently.
func (n *Nonpaged) Record() NonpagedRecord {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.record
}

// WriteDefault writes the default record. It becomes durable after Persist.
func (n *Nonpaged) WriteDefault(record NonpagedRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	record.Magic = Magic
	record.Version = Version
	record.Flags |= RecordInitialized
	record.Checksum = Checksum(record)

	if err := n.store.Write(n.offset, photon.NewFromValue(&record).B); err != nil {
		return err
	}
	n.record = record
	return nil
}

// Persist makes the written record durable.
func (n *Nonpaged) Persist() error {
	return n.store.Sync()
}

// Verify loads the record and checks it.
func (n *Nonpaged) Verify() (NonpagedRecord, error) {
	record, err := n.Load()
	if err != nil {
		return NonpagedRecord{}, err
	}
	return record, Verify(record)
}
