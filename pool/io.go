package pool

import (
	"github.com/pkg/errors"

	"github.com/outofforest/extentpool/address"
	"github.com/outofforest/extentpool/arena"
	"github.com/outofforest/extentpool/types"
)

// IOMapping describes where a LUN block is stored.
type IOMapping struct {
	// Slice is the pool-relative address of the slice serving the block.
	Slice address.SliceAddress

	// DataPosition is the index of the data position in the parity group storing the block.
	DataPosition uint8

	// Disk is the disk-relative address of the disk slice storing the block.
	Disk address.SliceAddress

	// DiskLBA is the lba of the block on the member disk.
	DiskLBA uint64

	// DriveMap holds disk slices of all the parity group positions, spare positions included.
	DriveMap []address.SliceAddress
}

// MapIO resolves the disk location of the LUN block. Each data position stores a contiguous
// SliceBlocks/DataPositions part of the chunk.
func (p *Pool) MapIO(lunID types.LUNID, lba uint64) (IOMapping, error) {
	if err := address.CheckLBA(lba); err != nil {
		return IOMapping{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.arena == nil {
		return IOMapping{}, errors.WithStack(types.ErrNotReady)
	}

	h, exists := p.slices.Lookup(address.EncodePool(lba, lunID))
	if !exists {
		return IOMapping{}, errors.Errorf("block %#x of LUN %d is not mapped", lba, lunID)
	}
	s := p.arena.Slice(h)

	g := p.config.Geometry
	offset := lba % g.SliceBlocks
	elementBlocks := g.SliceBlocks / uint64(g.DataPositions)
	position := uint8(offset / elementBlocks)
	diskAddress := s.DriveMap[position]

	return IOMapping{
		Slice:        s.Address,
		DataPosition: position,
		Disk:         diskAddress,
		DiskLBA:      diskAddress.LBA() + offset%elementBlocks,
		DriveMap:     append([]address.SliceAddress(nil), s.DriveMap[:g.Positions()]...),
	}, nil
}

// Lookup returns copy of the slice serving the pool-relative address.
func (p *Pool) Lookup(a address.SliceAddress) (arena.Slice, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.slices == nil {
		return arena.Slice{}, false
	}
	h, exists := p.slices.Lookup(a)
	if !exists {
		return arena.Slice{}, false
	}
	return *p.arena.Slice(h), true
}

// NormalizeDiskLBA converts per-position lba of the LUN used by lock requests to the logical address space.
// Lbas which would not fit the address after scaling are rejected.
func (p *Pool) NormalizeDiskLBA(lunID types.LUNID, diskLBA uint64) (address.SliceAddress, error) {
	dataPositions := uint64(p.config.Geometry.DataPositions)
	if diskLBA > types.MaxLBA/dataPositions {
		return 0, errors.Errorf("disk-relative lba 0x%x of LUN %d overflows logical address space", diskLBA, lunID)
	}
	return address.EncodePool(diskLBA*dataPositions, lunID), nil
}

// Bucket returns the bucket of the slice map the address hashes to.
func (p *Pool) Bucket(a address.SliceAddress) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.slices == nil {
		return 0, false
	}
	return p.slices.Bucket(a), true
}

// SlotState returns lock state of the slice serving the address.
func (p *Pool) SlotState(a address.SliceAddress) (types.LockState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.slices == nil {
		return types.LockUnlocked, false
	}
	h, exists := p.slices.Lookup(a)
	if !exists {
		return types.LockUnlocked, false
	}
	return p.arena.Slice(h).LockState, true
}

// SetSlotState sets lock state of the slice serving the address.
func (p *Pool) SetSlotState(a address.SliceAddress, state types.LockState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.slices == nil {
		return false
	}
	h, exists := p.slices.Lookup(a)
	if !exists {
		return false
	}
	p.arena.Slice(h).LockState = state
	return true
}

// UpdateSlotStates calls fn for every bound slice and stores the lock state it returns.
func (p *Pool) UpdateSlotStates(fn func(a address.SliceAddress, state types.LockState) types.LockState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.slices == nil {
		return
	}
	p.slices.ForEach(func(_ arena.Handle, s *arena.Slice) {
		s.LockState = fn(s.Address, s.LockState)
	})
}

// Key returns the chunk-aligned address of the slice serving the address.
func (p *Pool) Key(a address.SliceAddress) address.SliceAddress {
	lba, lun := address.DecodePool(a)
	sliceBlocks := p.config.Geometry.SliceBlocks
	return address.EncodePool(lba/sliceBlocks*sliceBlocks, lun)
}
