package types

import (
	"github.com/pkg/errors"
)

const (
	// UInt64Length is the number of bytes taken by uint64.
	UInt64Length = 8

	// MaxPositions is the maximum number of parity group positions (data, parity and spare) a slice may span.
	MaxPositions = 8

	// MaxLBA is the highest logical block address representable in a slice address.
	MaxLBA = 1<<48 - 1
)

type (
	// PoolID identifies extent pool object.
	PoolID uint32

	// LUNID identifies client logical unit.
	LUNID uint16

	// DiskRef is the opaque reference to the drive object backing pool member disk.
	DiskRef uint64
)

// Geometry describes the slice sizes and the parity group layout.
type Geometry struct {
	// SliceBlocks is the number of blocks of LUN logical space served by one pool slice.
	SliceBlocks uint64

	// MetadataBlocks is the number of blocks reserved for metadata in every disk slice.
	MetadataBlocks uint64

	// StartOffset is the first disk lba available for disk slices.
	StartOffset uint64

	DataPositions   uint8
	ParityPositions uint8
	SparePositions  uint8
}

// DefaultGeometry is the 4+1 layout with one spare position.
var DefaultGeometry = Geometry{
	SliceBlocks:     0x800,
	MetadataBlocks:  0x80,
	StartOffset:     0x10000,
	DataPositions:   4,
	ParityPositions: 1,
	SparePositions:  1,
}

// DiskSliceBlocks returns the size of one disk slice.
func (g Geometry) DiskSliceBlocks() uint64 {
	return g.SliceBlocks + g.MetadataBlocks
}

// GroupWidth returns number of disk slices building one pool slice (data and parity positions).
func (g Geometry) GroupWidth() uint64 {
	return uint64(g.DataPositions) + uint64(g.ParityPositions)
}

// Positions returns number of positions stored in the drive map of a slice.
func (g Geometry) Positions() int {
	return int(g.DataPositions) + int(g.ParityPositions) + int(g.SparePositions)
}

// Validate verifies that geometry is usable.
func (g Geometry) Validate() error {
	switch {
	case g.SliceBlocks == 0:
		return errors.New("slice blocks must be positive")
	case g.DataPositions == 0:
		return errors.New("at least one data position is required")
	case g.SliceBlocks%uint64(g.DataPositions) != 0:
		return errors.Errorf("slice blocks %#x are not divisible by %d data positions", g.SliceBlocks,
			g.DataPositions)
	case g.Positions() > MaxPositions:
		return errors.Errorf("geometry spans %d positions, maximum is %d", g.Positions(), MaxPositions)
	case g.StartOffset > MaxLBA:
		return errors.Errorf("start offset %#x exceeds addressable range", g.StartOffset)
	}
	return nil
}

// LockState is the per-slice state maintained on behalf of the stripe-lock service.
type LockState uint32

const (
	// LockUnlocked means nobody holds the slot.
	LockUnlocked LockState = 0

	// LockLocalRead means local SP holds read lock.
	LockLocalRead LockState = 1 << iota

	// LockLocalWrite means local SP holds write lock.
	LockLocalWrite

	// LockPeerRead means read lock is held on behalf of the peer SP.
	LockPeerRead

	// LockPeerWrite means write lock is held on behalf of the peer SP.
	LockPeerWrite
)

// Owner identifies the SP a lock is held for.
type Owner uint8

const (
	// OwnerLocal is this SP.
	OwnerLocal Owner = iota

	// OwnerPeer is the other SP.
	OwnerPeer
)

// Mask returns lock bits belonging to the owner.
func (o Owner) Mask() LockState {
	if o == OwnerPeer {
		return LockPeerRead | LockPeerWrite
	}
	return LockLocalRead | LockLocalWrite
}

// Held tells if owner holds any lock in the state.
func (s LockState) Held(owner Owner) bool {
	return s&owner.Mask() != 0
}

// Release clears all the locks of the owner.
func (s LockState) Release(owner Owner) LockState {
	return s &^ owner.Mask()
}

// PoolConfiguration is the membership of the pool as known to the database.
type PoolConfiguration struct {
	PoolID PoolID
	Disks  []DiskRef
}

// TransferLimits are the limits of the drives used by the pool.
type TransferLimits struct {
	MaxBytesPerRequest uint64
	MaxSGEntries       uint32
}

// Database is the configuration service providing pool topology.
type Database interface {
	PoolConfiguration(poolID PoolID) (PoolConfiguration, error)
	DiskCapacity(disk DiskRef) (uint64, error)
	TransferLimits() (TransferLimits, error)
}

// EdgeAttacher attaches downstream edges to member disks.
type EdgeAttacher interface {
	AttachEdge(index uint32, target DiskRef, capacity, offset uint64) error
}
