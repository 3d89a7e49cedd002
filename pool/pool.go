package pool

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/extentpool/address"
	"github.com/outofforest/extentpool/arena"
	"github.com/outofforest/extentpool/disk"
	"github.com/outofforest/extentpool/slicemap"
	"github.com/outofforest/extentpool/types"
	"github.com/outofforest/logger"
)

// Config stores pool configuration.
type Config struct {
	PoolID   types.PoolID
	Geometry types.Geometry
	Database types.Database
}

// New creates uninitialized pool.
func New(config Config) (*Pool, error) {
	if err := config.Geometry.Validate(); err != nil {
		return nil, err
	}
	if config.Database == nil {
		return nil, errors.New("database is required")
	}
	return &Pool{
		config: config,
		luns:   map[types.LUNID]*LUN{},
	}, nil
}

// Pool aggregates member disks into the slice-addressable capacity.
type Pool struct {
	config Config

	mu          sync.Mutex
	width       uint32
	totalSlices uint64
	disks       *disk.Table
	stripes     []address.SliceAddress
	arena       *arena.Arena
	slices      *slicemap.Map
	chunks      []bool
	luns        map[types.LUNID]*LUN
	limits      types.TransferLimits
}

// Init builds the disk table, computes capacity and lays the stripes. If anything fails, structures built so far
// are released and pool stays uninitialized.
func (p *Pool) Init(ctx context.Context) (retErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.arena != nil {
		return nil
	}

	defer func() {
		if retErr != nil {
			_ = p.release()
		}
	}()

	refs, err := disk.Discover(p.config.Database, p.config.PoolID)
	if err != nil {
		return err
	}
	p.width = ComputePoolWidth(refs)
	if p.width == 0 {
		return errors.Errorf("pool %d has no disks", p.config.PoolID)
	}

	p.disks = disk.NewTable(p.config.Geometry)
	if err := p.disks.Build(p.config.Database, refs); err != nil {
		return err
	}

	p.limits, err = p.config.Database.TransferLimits()
	if err != nil {
		return err
	}
	if p.limits.MaxBytesPerRequest == 0 || p.limits.MaxSGEntries == 0 {
		return errors.Wrapf(types.ErrNotResolved, "transfer limits of pool %d are unknown", p.config.PoolID)
	}

	p.totalSlices = ComputeTotalSlices(p.disks, p.config.Geometry)
	if p.totalSlices == 0 {
		return errors.Wrapf(types.ErrPoolExhausted, "disks of pool %d are too small to build a slice",
			p.config.PoolID)
	}

	p.arena, err = arena.New(p.totalSlices)
	if err != nil {
		return err
	}

	p.slices, err = slicemap.New(p.arena, p.totalSlices, p.config.Geometry)
	if err != nil {
		return err
	}

	p.stripes = FullyMapPool(p.disks, p.config.Geometry, p.totalSlices)
	p.chunks = make([]bool, p.totalSlices)

	logger.Get(ctx).Info("Pool initialized",
		zap.Uint32("poolID", uint32(p.config.PoolID)),
		zap.Uint32("width", p.width),
		zap.Uint64("totalSlices", p.totalSlices),
		zap.Uint64("exportedCapacity", p.exportedCapacity()),
		zap.Uint64("maxBytesPerRequest", p.limits.MaxBytesPerRequest),
		zap.Uint32("maxSGEntries", p.limits.MaxSGEntries))

	return nil
}

// Initialized tells if pool has been initialized.
func (p *Pool) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.arena != nil
}

// Geometry returns geometry of the pool.
func (p *Pool) Geometry() types.Geometry {
	return p.config.Geometry
}

// Width returns number of member disks.
func (p *Pool) Width() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.width
}

// TotalSlices returns number of usable pool slices.
func (p *Pool) TotalSlices() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.totalSlices
}

// ExportedCapacity returns capacity advertised upstream.
func (p *Pool) ExportedCapacity() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.exportedCapacity()
}

func (p *Pool) exportedCapacity() uint64 {
	return ExportedCapacity(p.totalSlices, p.config.Geometry)
}

// FreeSlices returns number of slices available for LUNs.
func (p *Pool) FreeSlices() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.arena == nil {
		return 0
	}
	return p.arena.Free()
}

// Disks returns copy of disk info.
func (p *Pool) Disks() []disk.Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disks == nil {
		return nil
	}
	disks := make([]disk.Info, 0, p.disks.Len())
	for _, d := range p.disks.Disks() {
		d.Slices = append([]disk.Slice(nil), d.Slices...)
		disks = append(disks, d)
	}
	return disks
}

// NextFreeDiskSlice returns the first disk slice of the member disk not bound to any pool slice.
func (p *Pool) NextFreeDiskSlice(position uint8) (address.SliceAddress, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disks == nil || int(position) >= p.disks.Len() {
		return 0, false
	}
	return p.disks.NextFree(position)
}

// TransferLimits returns drive transfer limits reported by the database during initialization.
func (p *Pool) TransferLimits() (types.TransferLimits, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.arena == nil {
		return types.TransferLimits{}, false
	}
	return p.limits, true
}

// Stripe returns disk slices assigned to pool slice.
func (p *Pool) Stripe(index uint64) ([]address.SliceAddress, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.arena == nil || index >= p.totalSlices {
		return nil, false
	}
	width := p.config.Geometry.GroupWidth()
	return append([]address.SliceAddress(nil), p.stripes[index*width:(index+1)*width]...), true
}

// Destroy tears down all the slices and releases pool structures.
func (p *Pool) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.arena == nil {
		return nil
	}
	for _, lun := range p.sortedLUNs() {
		if err := p.destroyLUNSlices(lun); err != nil {
			return err
		}
	}
	p.luns = map[types.LUNID]*LUN{}
	return p.release()
}

func (p *Pool) release() error {
	p.chunks = nil
	p.stripes = nil
	if p.slices != nil {
		p.slices.Release()
		p.slices = nil
	}
	if p.arena != nil {
		if err := p.arena.Release(); err != nil {
			return err
		}
		p.arena = nil
	}
	if p.disks != nil {
		p.disks.Release()
		p.disks = nil
	}
	p.totalSlices = 0
	p.width = 0
	p.limits = types.TransferLimits{}
	return nil
}
