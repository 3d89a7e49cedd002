package arena

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/outofforest/extentpool/address"
	"github.com/outofforest/extentpool/types"
	"github.com/outofforest/photon"
)

// SliceFlags describe the state of pool slice.
type SliceFlags uint8

const (
	// SliceAllocated means slice is bound to a LUN chunk.
	SliceAllocated SliceFlags = 1 << iota

	// SliceInBounds means slice lies fully within its LUN capacity.
	SliceInBounds

	// SliceReserved means chunk is reserved but only partially used by the LUN.
	SliceReserved
)

// Slice is the record describing one pool slice. It must not contain go pointers because records live in memory
// not managed by the garbage collector.
type Slice struct {
	Address    address.SliceAddress
	DriveMap   [types.MaxPositions]address.SliceAddress
	Next       Handle
	LockState  types.LockState
	Stripe     uint32
	Generation uint32
	Flags      SliceFlags
	inUse      bool
}

// Handle references allocated slice. It carries the generation of the record so stale handles are detected.
type Handle uint64

// NilHandle is never returned by the allocator.
const NilHandle Handle = 0

func newHandle(index, generation uint32) Handle {
	return Handle(uint64(generation)<<32 | uint64(index))
}

// Index returns index of the record in the arena.
func (h Handle) Index() uint32 {
	return uint32(h)
}

// Generation returns generation of the record the handle was issued for.
func (h Handle) Generation() uint32 {
	return uint32(h >> 32)
}

// New preallocates capacity slice records in one block. Arena is not safe for concurrent use, caller serializes
// access.
func New(capacity uint64) (*Arena, error) {
	if capacity == 0 {
		return nil, errors.New("arena capacity must be positive")
	}
	if capacity > 1<<32-1 {
		return nil, errors.Errorf("arena capacity %d is too large", capacity)
	}

	size := uintptr(capacity) * unsafe.Sizeof(Slice{})
	dataP, err := unix.MmapPtr(-1, 0, nil, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, errors.Wrapf(err, "slice arena allocation failed")
	}

	slices := photon.SliceFromPointer[Slice](dataP, int(capacity))
	free := make([]uint32, 0, capacity)
	for i := capacity; i > 0; i-- {
		index := uint32(i - 1)
		slices[index] = Slice{Generation: 1}
		free = append(free, index)
	}

	return &Arena{
		dataP:  dataP,
		size:   size,
		slices: slices,
		free:   free,
	}, nil
}

// Arena is the bounded supply of slice records.
type Arena struct {
	dataP  unsafe.Pointer
	size   uintptr
	slices []Slice
	free   []uint32
}

// Capacity returns total number of records.
func (a *Arena) Capacity() uint64 {
	return uint64(len(a.slices))
}

// Free returns number of records on the free list.
func (a *Arena) Free() uint64 {
	return uint64(len(a.free))
}

// FreeList returns copy of the free list, head first.
func (a *Arena) FreeList() []uint32 {
	list := make([]uint32, 0, len(a.free))
	for i := len(a.free); i > 0; i-- {
		list = append(list, a.free[i-1])
	}
	return list
}

// Allocate takes the record from the head of the free list. False is returned if arena is exhausted.
func (a *Arena) Allocate() (Handle, bool) {
	if len(a.free) == 0 {
		return NilHandle, false
	}

	index := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]

	s := &a.slices[index]
	s.inUse = true
	return newHandle(index, s.Generation), true
}

// Deallocate zeroes the record and returns it to the free list. Releasing a record twice or using a stale handle
// is a programming error and panics.
func (a *Arena) Deallocate(h Handle) {
	s := a.Slice(h)
	generation := s.Generation + 1
	if generation == 0 {
		generation = 1
	}
	*s = Slice{Generation: generation}
	a.free = append(a.free, h.Index())
}

// Slice returns record referenced by the handle. Stale handle panics.
func (a *Arena) Slice(h Handle) *Slice {
	index := h.Index()
	if uint64(index) >= uint64(len(a.slices)) {
		panic(errors.Errorf("slice handle %#x out of range", uint64(h)))
	}
	s := &a.slices[index]
	if !s.inUse || s.Generation != h.Generation() {
		panic(errors.Errorf("stale slice handle %#x", uint64(h)))
	}
	return s
}

// Valid tells if handle references allocated record.
func (a *Arena) Valid(h Handle) bool {
	index := h.Index()
	if uint64(index) >= uint64(len(a.slices)) {
		return false
	}
	s := &a.slices[index]
	return s.inUse && s.Generation == h.Generation()
}

// Release frees the backing block. All the records must be returned before.
func (a *Arena) Release() error {
	if a.slices == nil {
		return nil
	}
	if len(a.free) != len(a.slices) {
		return errors.Errorf("%d slices are still allocated", len(a.slices)-len(a.free))
	}

	a.slices = nil
	a.free = nil
	if err := unix.MunmapPtr(a.dataP, a.size); err != nil {
		return errors.WithStack(err)
	}
	a.dataP = nil
	return nil
}
