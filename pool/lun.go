package pool

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/outofforest/extentpool/address"
	"github.com/outofforest/extentpool/arena"
	"github.com/outofforest/extentpool/types"
)

// LUN is the range of pool chunks owned by client logical unit.
type LUN struct {
	ID       types.LUNID
	Capacity uint64
	Offset   uint64

	// StartChunk and EndChunk delimit the chunk range [StartChunk, EndChunk) in the pool.
	StartChunk uint64
	EndChunk   uint64
}

// Chunks returns number of chunks reserved for the LUN.
func (l LUN) Chunks() uint64 {
	return l.EndChunk - l.StartChunk
}

// MapLUN records the range of chunks owned by the LUN. Capacity not aligned to the slice size is rounded up to the
// containing chunk. Slices are not constructed yet.
func (p *Pool) MapLUN(lunID types.LUNID, capacity, offset uint64) (LUN, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.arena == nil {
		return LUN{}, errors.WithStack(types.ErrNotReady)
	}
	if capacity == 0 {
		return LUN{}, errors.Errorf("capacity of LUN %d must be positive", lunID)
	}

	sliceBlocks := p.config.Geometry.SliceBlocks
	if offset%sliceBlocks != 0 {
		return LUN{}, errors.Errorf("offset %#x of LUN %d is not aligned to slice size %#x", offset, lunID,
			sliceBlocks)
	}
	if err := address.CheckLBA(capacity - 1); err != nil {
		return LUN{}, errors.Wrapf(err, "capacity of LUN %d", lunID)
	}

	lun := LUN{
		ID:         lunID,
		Capacity:   capacity,
		Offset:     offset,
		StartChunk: offset / sliceBlocks,
	}
	lun.EndChunk = lun.StartChunk + (capacity+sliceBlocks-1)/sliceBlocks

	if existing, exists := p.luns[lunID]; exists {
		if *existing == lun {
			return lun, nil
		}
		return LUN{}, errors.Errorf("LUN %d is already mapped with different parameters", lunID)
	}

	if lun.EndChunk > p.totalSlices {
		return LUN{}, errors.Wrapf(types.ErrPoolExhausted, "LUN %d needs chunks [%d, %d), pool has %d", lunID,
			lun.StartChunk, lun.EndChunk, p.totalSlices)
	}
	for chunk := lun.StartChunk; chunk < lun.EndChunk; chunk++ {
		if p.chunks[chunk] {
			return LUN{}, errors.Errorf("chunk %d requested by LUN %d is owned by another LUN", chunk, lunID)
		}
	}
	for chunk := lun.StartChunk; chunk < lun.EndChunk; chunk++ {
		p.chunks[chunk] = true
	}

	p.luns[lunID] = &lun
	return lun, nil
}

// LUN returns mapping of the LUN.
func (p *Pool) LUN(lunID types.LUNID) (LUN, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	lun, exists := p.luns[lunID]
	if !exists {
		return LUN{}, false
	}
	return *lun, true
}

// LUNs returns ids of mapped LUNs in ascending order.
func (p *Pool) LUNs() []types.LUNID {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.sortedLUNs()
}

func (p *Pool) sortedLUNs() []types.LUNID {
	luns := lo.Keys(p.luns)
	sort.Slice(luns, func(i, j int) bool { return luns[i] < luns[j] })
	return luns
}

// ConstructLUNSlices binds a slice for every chunk of the LUN. Chunks already bound are skipped. If arena is
// exhausted, slices bound by this call are torn down.
func (p *Pool) ConstructLUNSlices(lunID types.LUNID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.constructLUNSlices(lunID)
}

// ConstructUserSlices constructs slices of all the mapped LUNs.
func (p *Pool) ConstructUserSlices() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, lunID := range p.sortedLUNs() {
		if err := p.constructLUNSlices(lunID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) constructLUNSlices(lunID types.LUNID) error {
	lun, exists := p.luns[lunID]
	if !exists {
		return errors.Errorf("LUN %d is not mapped", lunID)
	}

	sliceBlocks := p.config.Geometry.SliceBlocks
	constructed := make([]address.SliceAddress, 0, lun.Chunks())
	for chunk := range lun.Chunks() {
		key := address.EncodePool(chunk*sliceBlocks, lunID)
		if _, exists := p.slices.Lookup(key); exists {
			continue
		}

		flags := arena.SliceAllocated | arena.SliceInBounds
		if (chunk+1)*sliceBlocks > lun.Capacity {
			flags = arena.SliceAllocated | arena.SliceReserved
		}

		if err := p.constructSlice(key, lun.StartChunk+chunk, flags); err != nil {
			for _, a := range constructed {
				_ = p.destroySlice(a)
			}
			return err
		}
		constructed = append(constructed, key)
	}
	return nil
}

func (p *Pool) constructSlice(key address.SliceAddress, stripe uint64, flags arena.SliceFlags) error {
	h, ok := p.arena.Allocate()
	if !ok {
		return errors.Wrapf(types.ErrPoolExhausted, "no free slice for %s", key)
	}

	s := p.arena.Slice(h)
	s.Address = key
	s.Flags = flags
	s.Stripe = uint32(stripe)

	width := p.config.Geometry.GroupWidth()
	for position, diskAddress := range p.stripes[stripe*width : (stripe+1)*width] {
		if err := p.disks.Bind(diskAddress, key); err != nil {
			for _, bound := range s.DriveMap[:position] {
				_ = p.disks.Unbind(bound)
			}
			p.arena.Deallocate(h)
			return err
		}
		s.DriveMap[position] = diskAddress.Set(address.FlagAllocated)
	}

	if err := p.slices.Insert(h); err != nil {
		for _, bound := range s.DriveMap[:width] {
			_ = p.disks.Unbind(bound)
		}
		p.arena.Deallocate(h)
		return err
	}
	return nil
}

// DestroyLUNSlices unbinds all the slices of the LUN and returns them to the arena. The chunk range stays reserved.
func (p *Pool) DestroyLUNSlices(lunID types.LUNID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.destroyLUNSlices(lunID)
}

// UnmapLUN destroys slices of the LUN and releases its chunk range.
func (p *Pool) UnmapLUN(lunID types.LUNID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	lun, exists := p.luns[lunID]
	if !exists {
		return errors.Errorf("LUN %d is not mapped", lunID)
	}
	if err := p.destroyLUNSlices(lunID); err != nil {
		return err
	}
	for chunk := lun.StartChunk; chunk < lun.EndChunk; chunk++ {
		p.chunks[chunk] = false
	}
	delete(p.luns, lunID)
	return nil
}

func (p *Pool) destroyLUNSlices(lunID types.LUNID) error {
	lun, exists := p.luns[lunID]
	if !exists {
		return errors.Errorf("LUN %d is not mapped", lunID)
	}

	sliceBlocks := p.config.Geometry.SliceBlocks
	for chunk := range lun.Chunks() {
		if err := p.destroySlice(address.EncodePool(chunk*sliceBlocks, lunID)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) destroySlice(key address.SliceAddress) error {
	h, exists := p.slices.Remove(key)
	if !exists {
		return nil
	}

	s := p.arena.Slice(h)
	for _, diskAddress := range s.DriveMap[:p.config.Geometry.GroupWidth()] {
		if err := p.disks.Unbind(diskAddress); err != nil {
			return err
		}
	}
	p.arena.Deallocate(h)
	return nil
}
