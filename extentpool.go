package extentpool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/extentpool/edge"
	"github.com/outofforest/extentpool/lifecycle"
	"github.com/outofforest/extentpool/metadata"
	"github.com/outofforest/extentpool/persistent"
	"github.com/outofforest/extentpool/pool"
	"github.com/outofforest/extentpool/stripelock"
	"github.com/outofforest/extentpool/types"
	"github.com/outofforest/logger"
)

// Config stores extent pool configuration.
type Config struct {
	PoolID   types.PoolID
	PoolUUID uuid.UUID
	Role     lifecycle.Role
	Geometry types.Geometry
	Database types.Database

	// Store keeps non-paged metadata at RecordOffset.
	Store        persistent.Store
	RecordOffset uint64

	// LockService is the stripe lock service shared with the peer SP.
	LockService *stripelock.Service

	// PeerOutbox receives metadata memory updates to be delivered to the peer SP.
	PeerOutbox chan<- metadata.Update

	RetryInterval time.Duration
	ParkInterval  time.Duration
}

// New creates extent pool object.
func New(config Config) (*Object, error) {
	if config.Store == nil {
		return nil, errors.New("store is required")
	}
	if config.RecordOffset+metadata.RecordSize > config.Store.Size() {
		return nil, errors.Errorf("record at offset %#x does not fit the store", config.RecordOffset)
	}
	if config.LockService == nil {
		config.LockService = stripelock.NewService()
	}
	if config.PoolUUID == uuid.Nil {
		config.PoolUUID = uuid.New()
	}

	p, err := pool.New(pool.Config{
		PoolID:   config.PoolID,
		Geometry: config.Geometry,
		Database: config.Database,
	})
	if err != nil {
		return nil, err
	}

	return &Object{
		config:          config,
		pool:            p,
		memory:          metadata.NewMemory(config.PeerOutbox),
		nonpaged:        metadata.NewNonpaged(config.Store, config.RecordOffset),
		glue:            stripelock.NewGlue(config.LockService, p),
		downstreamEdges: edge.NewTable(),
		upstreamEdges:   edge.NewTable(),
	}, nil
}

// Object is the extent pool exposed to its clients.
type Object struct {
	config          Config
	pool            *pool.Pool
	memory          *metadata.Memory
	nonpaged        *metadata.Nonpaged
	glue            *stripelock.Glue
	downstreamEdges *edge.Table
	upstreamEdges   *edge.Table

	mu         sync.Mutex
	width      uint32
	generation uint64
	machine    *lifecycle.Machine
}

// SetConfiguration sets expected number of member disks and generation number. It must be called before Run.
func (o *Object) SetConfiguration(width uint32, generation uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.machine != nil {
		return errors.New("configuration can't be changed once object is running")
	}
	o.width = width
	o.generation = generation
	return nil
}

// Run runs the lifecycle of the object.
func (o *Object) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.machine != nil {
		o.mu.Unlock()
		return errors.New("object is already running")
	}
	machine, err := lifecycle.New(lifecycle.Config{
		PoolID:        o.config.PoolID,
		PoolUUID:      o.config.PoolUUID,
		Role:          o.config.Role,
		Generation:    o.generation,
		Geometry:      o.config.Geometry,
		ExpectedWidth: o.width,
		Database:      o.config.Database,
		Edges:         o.downstreamEdges,
		Memory:        o.memory,
		Nonpaged:      o.nonpaged,
		StripeLock:    o.glue,
		Pool:          lunPool{pool: o.pool, edges: o.upstreamEdges},
		RetryInterval: o.config.RetryInterval,
		ParkInterval:  o.config.ParkInterval,
	})
	if err != nil {
		o.mu.Unlock()
		return err
	}
	o.machine = machine
	o.mu.Unlock()

	logger.Get(ctx).Info("Running extent pool",
		zap.Uint32("poolID", uint32(o.config.PoolID)), zap.Stringer("poolUUID", o.config.PoolUUID))
	return machine.Run(ctx)
}

// Status returns lifecycle status.
func (o *Object) Status() lifecycle.Status {
	if m := o.getMachine(); m != nil {
		return m.Status()
	}
	return lifecycle.Status{}
}

// WaitReady waits until the object is ready.
func (o *Object) WaitReady(ctx context.Context) error {
	for {
		if m := o.getMachine(); m != nil {
			return m.WaitReady(ctx)
		}
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
}

// Kick re-evaluates parked lifecycle condition.
func (o *Object) Kick() {
	if m := o.getMachine(); m != nil {
		m.Kick()
	}
}

// Respecialize restarts the lifecycle on request of the peer.
func (o *Object) Respecialize() {
	if m := o.getMachine(); m != nil {
		m.Respecialize()
	}
}

// PeerContactLost releases everything held on behalf of the peer.
func (o *Object) PeerContactLost() {
	if m := o.getMachine(); m != nil {
		m.PeerContactLost()
	}
}

// ApplyPeerUpdate applies metadata memory update received from the peer. Lifecycle is notified about applied
// update, so it may serve respecialization requested by the peer.
func (o *Object) ApplyPeerUpdate(u metadata.Update) bool {
	if !o.memory.ApplyPeer(u) {
		return false
	}
	if m := o.getMachine(); m != nil {
		m.PeerUpdated()
	}
	return true
}

// RequestPeerRespecialize asks the peer to restart its lifecycle.
func (o *Object) RequestPeerRespecialize() error {
	m := o.getMachine()
	if m == nil {
		return errors.WithStack(types.ErrNotReady)
	}
	return m.RequestPeerRespecialize()
}

// Pool returns the pool.
func (o *Object) Pool() *pool.Pool {
	return o.pool
}

// DownstreamEdges returns edges attached to member disks.
func (o *Object) DownstreamEdges() []edge.Edge {
	return o.downstreamEdges.Edges()
}

// UpstreamEdges returns edges attached to LUNs.
func (o *Object) UpstreamEdges() []edge.Edge {
	return o.upstreamEdges.Edges()
}

// AttachUpstreamEdge maps the LUN to the pool and constructs its slices. Attaching LUN again with the same
// parameters is a noop.
func (o *Object) AttachUpstreamEdge(lun types.LUNID, capacity, offset uint64) error {
	if o.Status().State != lifecycle.Ready {
		return errors.WithStack(types.ErrNotReady)
	}
	_, existed := o.pool.LUN(lun)
	if _, err := o.pool.MapLUN(lun, capacity, offset); err != nil {
		return err
	}
	if err := o.pool.ConstructLUNSlices(lun); err != nil {
		return o.rollback(lun, existed, err)
	}
	if err := o.upstreamEdges.AttachEdge(uint32(lun), 0, capacity, offset); err != nil {
		return o.rollback(lun, existed, err)
	}
	return nil
}

// rollback unmaps the LUN if it was mapped by the failed attachment. LUN mapped before is left untouched.
func (o *Object) rollback(lun types.LUNID, existed bool, err error) error {
	if existed {
		return err
	}
	if unmapErr := o.pool.UnmapLUN(lun); unmapErr != nil {
		return errors.Wrapf(err, "unmapping LUN %d failed: %s", lun, unmapErr)
	}
	return err
}

// DetachUpstreamEdge destroys slices of the LUN and releases its chunks.
func (o *Object) DetachUpstreamEdge(lun types.LUNID) error {
	if err := o.pool.UnmapLUN(lun); err != nil {
		return err
	}
	return o.upstreamEdges.DetachEdge(uint32(lun))
}

// Close releases the pool.
func (o *Object) Close() error {
	return o.pool.Destroy()
}

// lunPool restores LUNs of attached upstream edges whenever pool is initialized, so they survive
// respecialization.
type lunPool struct {
	pool  *pool.Pool
	edges *edge.Table
}

func (p lunPool) Init(ctx context.Context) error {
	if err := p.pool.Init(ctx); err != nil {
		return err
	}
	edges := p.edges.Edges()
	for _, e := range edges {
		lun := types.LUNID(e.Index)
		if _, err := p.pool.MapLUN(lun, e.Capacity, e.Offset); err != nil {
			return errors.Wrapf(err, "restoring LUN %d failed", lun)
		}
		if err := p.pool.ConstructLUNSlices(lun); err != nil {
			return errors.Wrapf(err, "restoring LUN %d failed", lun)
		}
	}
	if len(edges) > 0 {
		logger.Get(ctx).Info("LUNs restored", zap.Int("luns", len(edges)))
	}
	return nil
}

func (p lunPool) Destroy() error {
	return p.pool.Destroy()
}

func (o *Object) getMachine() *lifecycle.Machine {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.machine
}
