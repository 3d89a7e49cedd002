package slicemap

import (
	"github.com/cespare/xxhash"
	"github.com/pkg/errors"

	"github.com/outofforest/extentpool/address"
	"github.com/outofforest/extentpool/arena"
	"github.com/outofforest/extentpool/types"
	"github.com/outofforest/photon"
)

// New creates slice map. Number of buckets is equal to the number of pool slices.
func New(a *arena.Arena, buckets uint64, geometry types.Geometry) (*Map, error) {
	if buckets == 0 {
		return nil, errors.New("slice map requires at least one bucket")
	}
	return &Map{
		arena:       a,
		buckets:     make([]arena.Handle, buckets),
		dataDisks:   uint64(geometry.DataPositions),
		sliceBlocks: geometry.SliceBlocks,
	}, nil
}

// Map maps pool-relative slice addresses to slices allocated from the arena. Chains are linked through
// the Next field of the slice record.
type Map struct {
	arena       *arena.Arena
	buckets     []arena.Handle
	dataDisks   uint64
	sliceBlocks uint64
	count       uint64
}

// Buckets returns number of buckets.
func (m *Map) Buckets() uint64 {
	return uint64(len(m.buckets))
}

// Len returns number of slices in the map.
func (m *Map) Len() uint64 {
	return m.count
}

// Key returns the address of the chunk containing the address.
func (m *Map) Key(a address.SliceAddress) address.SliceAddress {
	lba, lun := address.DecodePool(a)
	return address.EncodePool(lba/m.sliceBlocks*m.sliceBlocks, lun)
}

// Hash hashes the logical chunk the address belongs to.
func (m *Map) Hash(a address.SliceAddress) uint64 {
	key := [2]uint64{uint64(a.LUN()), a.LBA() / m.sliceBlocks}
	return xxhash.Sum64(photon.NewFromValue(&key).B)
}

// HashDiskLBA hashes the address given as per-position disk lba by converting it back to the logical space.
func (m *Map) HashDiskLBA(lun types.LUNID, diskLBA uint64) uint64 {
	return m.Hash(address.EncodePool(diskLBA*m.dataDisks, lun))
}

// Bucket returns bucket index for the address.
func (m *Map) Bucket(a address.SliceAddress) uint64 {
	return m.Hash(a) % uint64(len(m.buckets))
}

// Lookup finds the slice serving the address.
func (m *Map) Lookup(a address.SliceAddress) (arena.Handle, bool) {
	key := m.Key(a)
	for h := m.buckets[m.Bucket(key)]; h != arena.NilHandle; {
		s := m.arena.Slice(h)
		if s.Address == key {
			return h, true
		}
		h = s.Next
	}
	return arena.NilHandle, false
}

// Insert adds slice to the map under its address.
func (m *Map) Insert(h arena.Handle) error {
	s := m.arena.Slice(h)
	if m.Key(s.Address) != s.Address {
		return errors.Errorf("slice address %s is not chunk aligned", s.Address)
	}
	if _, exists := m.Lookup(s.Address); exists {
		return errors.Errorf("slice %s is already mapped", s.Address)
	}

	bucket := &m.buckets[m.Bucket(s.Address)]
	s.Next = *bucket
	*bucket = h
	m.count++
	return nil
}

// Remove unlinks slice serving the address and returns its handle.
func (m *Map) Remove(a address.SliceAddress) (arena.Handle, bool) {
	key := m.Key(a)
	link := &m.buckets[m.Bucket(key)]
	for *link != arena.NilHandle {
		h := *link
		s := m.arena.Slice(h)
		if s.Address == key {
			*link = s.Next
			s.Next = arena.NilHandle
			m.count--
			return h, true
		}
		link = &s.Next
	}
	return arena.NilHandle, false
}

// Iterator iterates over all the mapped slices.
func (m *Map) Iterator() func(func(arena.Handle, *arena.Slice) bool) {
	return func(yield func(arena.Handle, *arena.Slice) bool) {
		for _, h := range m.buckets {
			for h != arena.NilHandle {
				s := m.arena.Slice(h)
				next := s.Next
				if !yield(h, s) {
					return
				}
				h = next
			}
		}
	}
}

// ForEach calls fn for every mapped slice.
func (m *Map) ForEach(fn func(h arena.Handle, s *arena.Slice)) {
	for h, s := range m.Iterator() {
		fn(h, s)
	}
}

// Release drops all the buckets. Slices must be returned to the arena by the caller.
func (m *Map) Release() {
	m.buckets = nil
	m.count = 0
}
