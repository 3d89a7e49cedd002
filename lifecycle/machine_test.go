package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/extentpool/edge"
	"github.com/outofforest/extentpool/metadata"
	"github.com/outofforest/extentpool/persistent"
	"github.com/outofforest/extentpool/pool"
	"github.com/outofforest/extentpool/stripelock"
	"github.com/outofforest/extentpool/test"
	"github.com/outofforest/extentpool/types"
	"github.com/outofforest/parallel"
	"github.com/outofforest/photon"
)

const poolID types.PoolID = 0x01

const (
	recordOffset   = 0x100
	timeout        = 10 * time.Second
	fastRetry      = time.Millisecond
	diskCapacity   = 0x10000
	numOfDisks     = 4
	expectedSlices = 24
)

type transition struct {
	From State
	To   State
}

type env struct {
	DB       *test.Database
	Store    *persistent.MemoryStore
	Memory   *metadata.Memory
	Nonpaged *metadata.Nonpaged
	Service  *stripelock.Service
	Glue     *stripelock.Glue
	Edges    *edge.Table
	Pool     *pool.Pool
	Machine  *Machine

	mu          sync.Mutex
	transitions []transition
}

func (e *env) Transitions() []transition {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]transition(nil), e.transitions...)
}

func newStore(t *testing.T) *persistent.MemoryStore {
	store, deallocFunc, err := persistent.NewMemoryStore(4096)
	require.NoError(t, err)
	t.Cleanup(deallocFunc)
	return store
}

func newDatabase() *test.Database {
	db := test.NewDatabase()
	capacities := make([]uint64, numOfDisks)
	for i := range capacities {
		capacities[i] = diskCapacity
	}
	db.AddPool(poolID, capacities...)
	return db
}

func newEnv(t *testing.T, role Role, store *persistent.MemoryStore, db *test.Database, service *stripelock.Service,
	modify func(config *Config),
) *env {
	requireT := require.New(t)

	p, err := pool.New(pool.Config{
		PoolID:   poolID,
		Geometry: types.DefaultGeometry,
		Database: db,
	})
	requireT.NoError(err)
	t.Cleanup(func() {
		requireT.NoError(p.Destroy())
	})

	e := &env{
		DB:       db,
		Store:    store,
		Memory:   metadata.NewMemory(nil),
		Nonpaged: metadata.NewNonpaged(store, recordOffset),
		Service:  service,
		Glue:     stripelock.NewGlue(service, p),
		Edges:    edge.NewTable(),
		Pool:     p,
	}

	config := Config{
		PoolID:        poolID,
		PoolUUID:      uuid.New(),
		Role:          role,
		Generation:    0x01,
		Geometry:      types.DefaultGeometry,
		Database:      db,
		Edges:         e.Edges,
		Memory:        e.Memory,
		Nonpaged:      e.Nonpaged,
		StripeLock:    e.Glue,
		Pool:          p,
		RetryInterval: fastRetry,
		OnTransition: func(from, to State) {
			e.mu.Lock()
			defer e.mu.Unlock()

			e.transitions = append(e.transitions, transition{From: from, To: to})
		},
	}
	if modify != nil {
		modify(&config)
	}

	e.Machine, err = New(config)
	requireT.NoError(err)
	return e
}

func run(t *testing.T, m *Machine) {
	group := parallel.NewGroup(test.Context(t))
	group.Spawn("machine", parallel.Continue, m.Run)
	t.Cleanup(func() {
		group.Exit(nil)
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			t.Fatal(err)
		}
	})
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(test.Context(t), timeout)
	t.Cleanup(cancel)
	return ctx
}

func requireMonotonic(t *testing.T, transitions []transition) {
	for _, tr := range transitions {
		require.Greater(t, uint8(tr.To), uint8(tr.From))
	}
}

func states(transitions []transition) []State {
	result := make([]State, 0, len(transitions))
	for _, tr := range transitions {
		result = append(result, tr.To)
	}
	return result
}

type failingPool struct {
	mu       sync.Mutex
	failures int
	inits    int
}

func (p *failingPool) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.inits++
	if p.failures > 0 {
		p.failures--
		return errors.New("disk table is corrupted")
	}
	return nil
}

func (p *failingPool) Destroy() error {
	return nil
}

func (p *failingPool) Inits() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.inits
}

func newBlockingPool() *blockingPool {
	return &blockingPool{
		startedCh: make(chan struct{}),
		releaseCh: make(chan struct{}),
	}
}

// blockingPool blocks the first initialization until it is released.
type blockingPool struct {
	startedCh chan struct{}
	releaseCh chan struct{}

	mu     sync.Mutex
	calls  int
	events []string
}

func (p *blockingPool) Init(ctx context.Context) error {
	p.record("init-start")
	p.mu.Lock()
	p.calls++
	first := p.calls == 1
	p.mu.Unlock()

	if first {
		close(p.startedCh)
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-p.releaseCh:
		}
	}
	p.record("init-end")
	return nil
}

func (p *blockingPool) Destroy() error {
	p.record("destroy")
	return nil
}

func (p *blockingPool) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.events...)
}

func (p *blockingPool) record(event string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)
}

func TestStateNames(t *testing.T) {
	requireT := require.New(t)

	requireT.Equal("MetadataMemoryInit", MetadataMemoryInit.String())
	requireT.Equal("Ready", Ready.String())
	requireT.Equal("State(10)", State(10).String())
	requireT.Equal("passive", RolePassive.String())
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{Geometry: types.DefaultGeometry})
	require.Error(t, err)
}

func TestDefaultIntervals(t *testing.T) {
	requireT := require.New(t)

	e := newEnv(t, RoleActive, newStore(t), newDatabase(), stripelock.NewService(), func(config *Config) {
		config.RetryInterval = 0
	})
	requireT.Equal(DefaultRetryInterval, e.Machine.config.RetryInterval)
	requireT.Equal(DefaultParkInterval, e.Machine.config.ParkInterval)

	e = newEnv(t, RoleActive, newStore(t), newDatabase(), stripelock.NewService(), func(config *Config) {
		config.ParkInterval = -1
	})
	requireT.Equal(fastRetry, e.Machine.config.RetryInterval)
	requireT.Equal(time.Duration(-1), e.Machine.config.ParkInterval)
}

func TestFirstTimeInitialization(t *testing.T) {
	requireT := require.New(t)

	e := newEnv(t, RoleActive, newStore(t), newDatabase(), stripelock.NewService(), nil)
	run(t, e.Machine)
	requireT.NoError(e.Machine.WaitReady(waitCtx(t)))

	requireT.Equal([]State{
		NonpagedMetadataInit,
		MetadataElementInit,
		StripeLockStart,
		DownstreamHealthNotOptimal,
		WriteDefaultNonpagedMetadata,
		PersistDefaultNonpagedMetadata,
		MetadataVerify,
		InitPool,
		Ready,
	}, states(e.Transitions()))
	requireMonotonic(t, e.Transitions())

	writes, syncs := e.Store.Stats()
	requireT.Equal(uint64(1), writes)
	requireT.Equal(uint64(1), syncs)

	record := e.Machine.Record()
	requireT.NoError(metadata.Verify(record))
	requireT.Equal(poolID, record.PoolID)
	requireT.Equal(uint32(numOfDisks), record.Width)
	requireT.Equal(uint64(expectedSlices), record.TotalSlices)

	edges := e.Edges.Edges()
	requireT.Len(edges, numOfDisks)
	for i, d := range edges {
		requireT.Equal(uint32(i), d.Index)
		requireT.Equal(types.DiskRef(i+1), d.Target)
		requireT.Equal(uint64(diskCapacity), d.Capacity)
		requireT.Equal(types.DefaultGeometry.StartOffset, d.Offset)
	}

	requireT.True(e.Service.Started())
	requireT.True(e.Pool.Initialized())
	requireT.Equal(uint64(expectedSlices), e.Pool.TotalSlices())
	requireT.Equal(uint64(expectedSlices), e.Service.Slots())
	requireT.Equal(metadata.ClusterActive|metadata.ClusterReady, e.Memory.Local().Flags)
	requireT.Equal(uint8(Ready), e.Memory.Local().State)
}

func TestExistingRecordIsNotRewritten(t *testing.T) {
	requireT := require.New(t)

	store := newStore(t)
	requireT.NoError(metadata.NewNonpaged(store, recordOffset).WriteDefault(metadata.NonpagedRecord{
		PoolID: poolID,
		Width:  numOfDisks,
	}))

	e := newEnv(t, RoleActive, store, newDatabase(), stripelock.NewService(), nil)
	run(t, e.Machine)
	requireT.NoError(e.Machine.WaitReady(waitCtx(t)))

	requireT.NotContains(states(e.Transitions()), WriteDefaultNonpagedMetadata)
	requireT.NotContains(states(e.Transitions()), PersistDefaultNonpagedMetadata)
	requireMonotonic(t, e.Transitions())

	writes, syncs := store.Stats()
	requireT.Equal(uint64(1), writes)
	requireT.Zero(syncs)
}

func TestRetryOnUnresolvedTopology(t *testing.T) {
	requireT := require.New(t)

	db := newDatabase()
	db.Unresolved(3)

	e := newEnv(t, RoleActive, newStore(t), db, stripelock.NewService(), nil)
	run(t, e.Machine)
	requireT.NoError(e.Machine.WaitReady(waitCtx(t)))

	status := e.Machine.Status()
	requireT.Equal(uint64(3), status.Retries)
	requireT.False(status.Parked)
	requireMonotonic(t, e.Transitions())
	requireT.Equal(uint64(expectedSlices), e.Pool.TotalSlices())
}

func TestRetryOnUnknownDiskCapacity(t *testing.T) {
	requireT := require.New(t)

	db := test.NewDatabase()
	db.AddPool(poolID, diskCapacity, 0, diskCapacity)

	e := newEnv(t, RoleActive, newStore(t), db, stripelock.NewService(), nil)
	run(t, e.Machine)

	status, err := e.Machine.Wait(waitCtx(t), func(s Status) bool {
		return s.Retries >= 2
	})
	requireT.NoError(err)
	requireT.Equal(DownstreamHealthNotOptimal, status.State)
	requireT.False(status.Parked)
}

func TestVersionMismatchParksWithoutModifyingRecord(t *testing.T) {
	requireT := require.New(t)

	store := newStore(t)
	record := metadata.NonpagedRecord{
		Magic:   metadata.Magic,
		Version: metadata.Version + 1,
		Flags:   metadata.RecordInitialized,
		PoolID:  poolID,
		Width:   numOfDisks,
	}
	record.Checksum = metadata.Checksum(record)
	requireT.NoError(store.Write(recordOffset, photon.NewFromValue(&record).B))

	e := newEnv(t, RoleActive, store, newDatabase(), stripelock.NewService(), func(config *Config) {
		config.ParkInterval = -1
	})
	run(t, e.Machine)

	ctx := waitCtx(t)
	isParked := func(s Status) bool {
		return s.Parked
	}
	status, err := e.Machine.Wait(ctx, isParked)
	requireT.NoError(err)
	requireT.Equal(MetadataVerify, status.State)
	requireT.ErrorIs(status.Reason, types.ErrVersionMismatch)

	e.Machine.Kick()
	status, err = e.Machine.Wait(ctx, func(s Status) bool {
		return s.Parks == 2
	})
	requireT.NoError(err)
	requireT.True(status.Parked)
	requireT.Equal(MetadataVerify, status.State)

	writes, syncs := store.Stats()
	requireT.Equal(uint64(1), writes)
	requireT.Zero(syncs)

	stored := make([]byte, metadata.RecordSize)
	requireT.NoError(store.Read(recordOffset, stored))
	requireT.Equal(photon.NewFromValue(&record).B, stored)

	requireT.False(e.Pool.Initialized())
	requireMonotonic(t, e.Transitions())
}

func TestPassiveWaitsForPeerToWriteRecord(t *testing.T) {
	requireT := require.New(t)

	store := newStore(t)
	db := newDatabase()
	service := stripelock.NewService()

	passive := newEnv(t, RolePassive, store, db, service, nil)
	run(t, passive.Machine)

	ctx := waitCtx(t)
	status, err := passive.Machine.Wait(ctx, func(s Status) bool {
		return s.State == MetadataVerify && s.Retries > 0
	})
	requireT.NoError(err)
	requireT.False(status.Parked)

	writes, _ := store.Stats()
	requireT.Zero(writes)

	active := newEnv(t, RoleActive, store, db, service, nil)
	run(t, active.Machine)

	requireT.NoError(active.Machine.WaitReady(ctx))
	requireT.NoError(passive.Machine.WaitReady(ctx))

	requireT.NotContains(states(passive.Transitions()), WriteDefaultNonpagedMetadata)
	requireT.Contains(states(active.Transitions()), WriteDefaultNonpagedMetadata)
	requireT.Equal(active.Machine.Record(), passive.Machine.Record())
	requireT.Zero(passive.Memory.Local().Flags & metadata.ClusterActive)

	writes, _ = store.Stats()
	requireT.Equal(uint64(1), writes)
}

func TestInitPoolFailureParksUntilKicked(t *testing.T) {
	requireT := require.New(t)

	fp := &failingPool{failures: 1}
	e := newEnv(t, RoleActive, newStore(t), newDatabase(), stripelock.NewService(), func(config *Config) {
		config.Pool = fp
		config.ParkInterval = -1
	})
	run(t, e.Machine)

	ctx := waitCtx(t)
	status, err := e.Machine.Wait(ctx, func(s Status) bool {
		return s.Parked
	})
	requireT.NoError(err)
	requireT.Equal(InitPool, status.State)
	requireT.Equal(1, fp.Inits())

	e.Machine.Kick()
	requireT.NoError(e.Machine.WaitReady(ctx))
	requireT.Equal(2, fp.Inits())
	requireMonotonic(t, e.Transitions())
}

func TestParkIntervalReevaluates(t *testing.T) {
	requireT := require.New(t)

	fp := &failingPool{failures: 2}
	e := newEnv(t, RoleActive, newStore(t), newDatabase(), stripelock.NewService(), func(config *Config) {
		config.Pool = fp
		config.ParkInterval = time.Millisecond
	})
	run(t, e.Machine)

	requireT.NoError(e.Machine.WaitReady(waitCtx(t)))
	requireT.Equal(3, fp.Inits())
}

func TestRespecializeRestartsFromStripeLockStart(t *testing.T) {
	requireT := require.New(t)

	e := newEnv(t, RoleActive, newStore(t), newDatabase(), stripelock.NewService(), nil)
	run(t, e.Machine)

	ctx := waitCtx(t)
	requireT.NoError(e.Machine.WaitReady(ctx))
	before := len(e.Transitions())

	e.Machine.Respecialize()
	requireT.Eventually(func() bool {
		return len(e.Transitions()) == before+5 && e.Machine.State() == Ready
	}, timeout, time.Millisecond)

	restarted := e.Transitions()[before:]
	requireT.Equal(transition{From: Ready, To: StripeLockStart}, restarted[0])
	requireMonotonic(t, restarted[1:])
	requireT.Equal([]State{DownstreamHealthNotOptimal, MetadataVerify, InitPool, Ready}, states(restarted[1:]))

	requireT.True(e.Pool.Initialized())
	requireT.True(e.Service.Started())
	requireT.Equal(uint64(numOfDisks), e.Edges.Attachments())

	writes, _ := e.Store.Stats()
	requireT.Equal(uint64(1), writes)
}

func TestPeerContactLost(t *testing.T) {
	requireT := require.New(t)

	e := newEnv(t, RoleActive, newStore(t), newDatabase(), stripelock.NewService(), nil)
	run(t, e.Machine)
	requireT.NoError(e.Machine.WaitReady(waitCtx(t)))

	requireT.True(e.Memory.ApplyPeer(metadata.Update{Seq: 1, Region: metadata.Region{Flags: metadata.ClusterReady}}))

	_, err := e.Pool.MapLUN(0x01, types.DefaultGeometry.SliceBlocks, 0)
	requireT.NoError(err)
	requireT.NoError(e.Pool.ConstructLUNSlices(0x01))

	a := types.DefaultGeometry.SliceBlocks / 2
	slot := stripelock.Address{LUN: 0x01, LBA: a}
	requireT.NoError(e.Glue.SetSlotState(slot, types.LockPeerWrite))

	e.Machine.PeerContactLost()

	requireT.Eventually(func() bool {
		_, known := e.Memory.Peer()
		return !known
	}, timeout, time.Millisecond)

	state, err := e.Glue.GetSlotState(slot)
	requireT.NoError(err)
	requireT.Equal(types.LockUnlocked, state)
	requireT.Equal(Ready, e.Machine.State())
}

func TestRespecializeWaitsForInFlightCondition(t *testing.T) {
	requireT := require.New(t)

	bp := newBlockingPool()
	e := newEnv(t, RoleActive, newStore(t), newDatabase(), stripelock.NewService(), func(config *Config) {
		config.Pool = bp
	})
	run(t, e.Machine)

	ctx := waitCtx(t)
	select {
	case <-ctx.Done():
		t.Fatal("pool initialization not started")
	case <-bp.startedCh:
	}
	requireT.Equal(InitPool, e.Machine.State())

	e.Machine.Respecialize()
	time.Sleep(50 * time.Millisecond)
	requireT.Equal([]string{"init-start"}, bp.Events())
	requireT.Equal(InitPool, e.Machine.State())

	close(bp.releaseCh)
	status, err := e.Machine.Wait(ctx, func(s Status) bool {
		return s.Restarts == 1 && s.State == Ready
	})
	requireT.NoError(err)
	requireT.False(status.Parked)

	requireT.Equal([]string{"init-start", "init-end", "destroy", "init-start", "init-end"}, bp.Events())

	var readyCount int
	for _, s := range states(e.Transitions()) {
		if s == Ready {
			readyCount++
		}
	}
	requireT.Equal(1, readyCount)
}

func TestPeerRequestedRespecialization(t *testing.T) {
	requireT := require.New(t)

	e := newEnv(t, RoleActive, newStore(t), newDatabase(), stripelock.NewService(), nil)
	run(t, e.Machine)

	ctx := waitCtx(t)
	requireT.NoError(e.Machine.WaitReady(ctx))

	restarted := func(restarts uint64) func(s Status) bool {
		return func(s Status) bool {
			return s.Restarts == restarts && s.State == Ready
		}
	}

	requireT.True(e.Memory.ApplyPeer(metadata.Update{Seq: 1, Region: metadata.Region{
		Flags:           metadata.ClusterRespecialize,
		RespecializeSeq: 1,
	}}))
	e.Machine.PeerUpdated()
	_, err := e.Machine.Wait(ctx, restarted(1))
	requireT.NoError(err)
	requireT.True(e.Pool.Initialized())

	// Request already served is not repeated.
	requireT.True(e.Memory.ApplyPeer(metadata.Update{Seq: 2, Region: metadata.Region{
		Flags:           metadata.ClusterRespecialize | metadata.ClusterReady,
		RespecializeSeq: 1,
	}}))
	e.Machine.PeerUpdated()
	requireT.Never(func() bool {
		return e.Machine.Status().Restarts > 1
	}, 100*time.Millisecond, time.Millisecond)

	// Restarted peer starts counting requests from scratch.
	e.Machine.PeerContactLost()
	requireT.Eventually(func() bool {
		_, known := e.Memory.Peer()
		return !known
	}, timeout, time.Millisecond)
	requireT.True(e.Memory.ApplyPeer(metadata.Update{Seq: 1, Region: metadata.Region{
		Flags:           metadata.ClusterRespecialize,
		RespecializeSeq: 1,
	}}))
	e.Machine.PeerUpdated()
	_, err = e.Machine.Wait(ctx, restarted(2))
	requireT.NoError(err)

	requireT.NoError(e.Machine.RequestPeerRespecialize())
	requireT.NoError(e.Machine.RequestPeerRespecialize())
	local := e.Memory.Local()
	requireT.NotZero(local.Flags & metadata.ClusterRespecialize)
	requireT.Equal(uint64(2), local.RespecializeSeq)
	requireT.Equal(uint64(2), e.Machine.Status().Restarts)
}
