package disk

import (
	"math"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/outofforest/extentpool/address"
	"github.com/outofforest/extentpool/types"
)

// Slice is the fixed-size extent on one member disk.
type Slice struct {
	// DiskAddress is the own disk-relative address of the extent.
	DiskAddress address.SliceAddress

	// ExtentAddress is the pool-relative address bound to the extent, zero if unbound.
	ExtentAddress address.SliceAddress
}

// Info stores bookkeeping of one member disk.
type Info struct {
	Ref             types.DiskRef
	Capacity        uint64
	FreeSliceCursor uint64
	Slices          []Slice
}

// Discover returns ordered list of disks building the pool.
func Discover(db types.Database, poolID types.PoolID) ([]types.DiskRef, error) {
	cfg, err := db.PoolConfiguration(poolID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if cfg.PoolID != poolID {
		return nil, errors.Errorf("database returned configuration of pool %d, requested %d", cfg.PoolID, poolID)
	}
	if len(cfg.Disks) > math.MaxUint8+1 {
		return nil, errors.Errorf("pool %d has %d disks, at most %d are supported", poolID, len(cfg.Disks),
			math.MaxUint8+1)
	}
	return cfg.Disks, nil
}

// BuildSlices divides disk capacity into disk slices laid from the reserved start offset.
func BuildSlices(position uint8, capacity uint64, geometry types.Geometry) []Slice {
	diskSliceBlocks := geometry.DiskSliceBlocks()
	slices := make([]Slice, capacity/diskSliceBlocks)
	for i := range slices {
		slices[i].DiskAddress = address.EncodeDisk(geometry.StartOffset+uint64(i)*diskSliceBlocks, position, 0)
	}
	return slices
}

// NewTable creates empty disk info table.
func NewTable(geometry types.Geometry) *Table {
	return &Table{
		geometry: geometry,
	}
}

// Table keeps disk info of all member disks, indexed by position.
type Table struct {
	geometry types.Geometry
	disks    []Info
}

// Build queries capacities of the disks and builds their slice tables.
func (t *Table) Build(db types.Database, refs []types.DiskRef) error {
	if len(refs) > math.MaxUint8+1 {
		return errors.Errorf("%d disks exceed the number of positions", len(refs))
	}

	disks := make([]Info, 0, len(refs))
	for i, ref := range refs {
		capacity, err := db.DiskCapacity(ref)
		if err != nil {
			return errors.WithStack(err)
		}
		if capacity > types.MaxLBA-t.geometry.StartOffset {
			return errors.Errorf("capacity %#x of disk %d exceeds addressable range", capacity, ref)
		}
		disks = append(disks, Info{
			Ref:      ref,
			Capacity: capacity,
			Slices:   BuildSlices(uint8(i), capacity, t.geometry),
		})
	}
	t.disks = disks
	return nil
}

// Len returns number of disks.
func (t *Table) Len() int {
	return len(t.disks)
}

// Disk returns disk info at position.
func (t *Table) Disk(position uint8) *Info {
	return &t.disks[position]
}

// Disks returns all the disks.
func (t *Table) Disks() []Info {
	return t.disks
}

// TotalDiskSlices returns the number of disk slices over all disks.
func (t *Table) TotalDiskSlices() uint64 {
	return lo.SumBy(t.disks, func(d Info) uint64 {
		return uint64(len(d.Slices))
	})
}

// Slice returns disk slice identified by disk-relative address.
func (t *Table) Slice(diskAddress address.SliceAddress) (*Slice, error) {
	position := diskAddress.Position()
	if int(position) >= len(t.disks) {
		return nil, errors.Errorf("position %d out of range", position)
	}
	lba := diskAddress.LBA()
	diskSliceBlocks := t.geometry.DiskSliceBlocks()
	if lba < t.geometry.StartOffset || (lba-t.geometry.StartOffset)%diskSliceBlocks != 0 {
		return nil, errors.Errorf("lba %#x is not a disk slice boundary", lba)
	}
	index := (lba - t.geometry.StartOffset) / diskSliceBlocks
	slices := t.disks[position].Slices
	if index >= uint64(len(slices)) {
		return nil, errors.Errorf("lba %#x beyond disk %d capacity", lba, position)
	}
	return &slices[index], nil
}

// Bind binds disk slice to the pool-relative extent.
func (t *Table) Bind(diskAddress, extentAddress address.SliceAddress) error {
	s, err := t.Slice(diskAddress)
	if err != nil {
		return err
	}
	if s.DiskAddress.IsSet(address.FlagAllocated) {
		return errors.Errorf("disk slice %s is already bound to %s", s.DiskAddress, s.ExtentAddress)
	}
	s.DiskAddress = s.DiskAddress.Set(address.FlagAllocated)
	s.ExtentAddress = extentAddress
	return nil
}

// Unbind detaches disk slice from its extent.
func (t *Table) Unbind(diskAddress address.SliceAddress) error {
	s, err := t.Slice(diskAddress)
	if err != nil {
		return err
	}
	s.DiskAddress = s.DiskAddress.Clear(address.FlagAllocated)
	s.ExtentAddress = 0

	info := &t.disks[diskAddress.Position()]
	index := (diskAddress.LBA() - t.geometry.StartOffset) / t.geometry.DiskSliceBlocks()
	if index < info.FreeSliceCursor {
		info.FreeSliceCursor = index
	}
	return nil
}

// NextFree returns the first unbound disk slice on the disk at or after the free slice cursor. Cursor is moved
// forward past bound slices, Unbind moves it back.
func (t *Table) NextFree(position uint8) (address.SliceAddress, bool) {
	info := &t.disks[position]
	for ; info.FreeSliceCursor < uint64(len(info.Slices)); info.FreeSliceCursor++ {
		s := info.Slices[info.FreeSliceCursor]
		if !s.DiskAddress.IsSet(address.FlagAllocated) {
			return s.DiskAddress, true
		}
	}
	return 0, false
}

// Release drops all the disk info.
func (t *Table) Release() {
	t.disks = nil
}
