package extentpool

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/extentpool/lifecycle"
	"github.com/outofforest/extentpool/metadata"
	"github.com/outofforest/extentpool/persistent"
	"github.com/outofforest/extentpool/test"
	"github.com/outofforest/extentpool/types"
	"github.com/outofforest/parallel"
)

const poolID types.PoolID = 0x01

func newObject(t *testing.T, db *test.Database, modify func(config *Config)) *Object {
	requireT := require.New(t)

	store, deallocFunc, err := persistent.NewMemoryStore(4096)
	requireT.NoError(err)
	t.Cleanup(deallocFunc)

	config := Config{
		PoolID:        poolID,
		Geometry:      types.DefaultGeometry,
		Database:      db,
		Store:         store,
		RetryInterval: time.Millisecond,
	}
	if modify != nil {
		modify(&config)
	}

	o, err := New(config)
	requireT.NoError(err)
	t.Cleanup(func() {
		requireT.NoError(o.Close())
	})
	return o
}

func run(t *testing.T, o *Object) context.Context {
	ctx := test.Context(t)
	group := parallel.NewGroup(ctx)
	group.Spawn("object", parallel.Continue, o.Run)
	t.Cleanup(func() {
		group.Exit(nil)
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			t.Fatal(err)
		}
	})

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAttachUpstreamEdge(t *testing.T) {
	requireT := require.New(t)

	db := test.NewDatabase()
	db.AddPool(poolID, 0x10000, 0x10000, 0x10000, 0x10000)
	o := newObject(t, db, nil)

	requireT.ErrorIs(o.AttachUpstreamEdge(0x01, 0x100, 0), types.ErrNotReady)
	requireT.NoError(o.SetConfiguration(4, 0x03))

	ctx := run(t, o)
	requireT.NoError(o.WaitReady(ctx))
	requireT.Error(o.SetConfiguration(4, 0x04))
	requireT.Len(o.DownstreamEdges(), 4)

	p := o.Pool()
	g := types.DefaultGeometry
	requireT.Equal(uint64(24), p.FreeSlices())

	requireT.NoError(o.AttachUpstreamEdge(0x01, 2*g.SliceBlocks+1, 0))
	requireT.Equal(uint64(21), p.FreeSlices())
	requireT.Len(o.UpstreamEdges(), 1)

	m, err := p.MapIO(0x01, 2*g.SliceBlocks)
	requireT.NoError(err)
	requireT.Equal(uint8(0), m.DataPosition)

	requireT.Error(o.AttachUpstreamEdge(0x02, g.SliceBlocks, 0))
	requireT.Equal(uint64(21), p.FreeSlices())
	requireT.Len(o.UpstreamEdges(), 1)

	requireT.NoError(o.DetachUpstreamEdge(0x01))
	requireT.Equal(uint64(24), p.FreeSlices())
	requireT.Empty(o.UpstreamEdges())
	requireT.Error(o.DetachUpstreamEdge(0x01))
}

func TestWaitsForExpectedWidth(t *testing.T) {
	requireT := require.New(t)

	db := test.NewDatabase()
	db.AddPool(poolID, 0x10000, 0x10000, 0x10000)
	o := newObject(t, db, nil)
	requireT.NoError(o.SetConfiguration(4, 0x01))

	ctx := run(t, o)
	requireT.Eventually(func() bool {
		s := o.Status()
		return s.State == lifecycle.DownstreamHealthNotOptimal && s.Retries >= 2
	}, 10*time.Second, time.Millisecond)

	db.AddPool(poolID, 0x10000, 0x10000, 0x10000, 0x10000)
	requireT.NoError(o.WaitReady(ctx))
	requireT.Equal(uint32(4), o.Pool().Width())
}

func TestPeerUpdatesAreApplied(t *testing.T) {
	requireT := require.New(t)

	db := test.NewDatabase()
	db.AddPool(poolID, 0x10000)
	o := newObject(t, db, nil)

	requireT.True(o.ApplyPeerUpdate(metadata.Update{Seq: 2}))
	requireT.False(o.ApplyPeerUpdate(metadata.Update{Seq: 1}))

	o.Kick()
	o.Respecialize()
	o.PeerContactLost()
	requireT.Equal(lifecycle.Status{}, o.Status())
}

func TestLUNsSurviveRespecialization(t *testing.T) {
	requireT := require.New(t)

	db := test.NewDatabase()
	db.AddPool(poolID, 0x10000, 0x10000, 0x10000, 0x10000)
	o := newObject(t, db, nil)

	ctx := run(t, o)
	requireT.NoError(o.WaitReady(ctx))

	p := o.Pool()
	g := types.DefaultGeometry
	requireT.NoError(o.AttachUpstreamEdge(0x01, 2*g.SliceBlocks+1, g.SliceBlocks))
	requireT.Equal(uint64(21), p.FreeSlices())
	before, err := p.MapIO(0x01, 2*g.SliceBlocks)
	requireT.NoError(err)

	o.Respecialize()
	requireT.Eventually(func() bool {
		s := o.Status()
		return s.Restarts == 1 && s.State == lifecycle.Ready
	}, 10*time.Second, time.Millisecond)

	lun, exists := p.LUN(0x01)
	requireT.True(exists)
	requireT.Equal(uint64(1), lun.StartChunk)
	requireT.Equal(uint64(3), lun.Chunks())
	requireT.Equal(uint64(21), p.FreeSlices())
	requireT.Len(o.UpstreamEdges(), 1)

	after, err := p.MapIO(0x01, 2*g.SliceBlocks)
	requireT.NoError(err)
	requireT.Equal(before, after)

	requireT.NoError(o.DetachUpstreamEdge(0x01))
	requireT.Equal(uint64(24), p.FreeSlices())
}

func TestPeerRequestsRespecialization(t *testing.T) {
	requireT := require.New(t)

	outbox := make(chan metadata.Update, 16)
	dbA := test.NewDatabase()
	dbA.AddPool(poolID, 0x10000, 0x10000, 0x10000, 0x10000)
	a := newObject(t, dbA, func(config *Config) {
		config.PeerOutbox = outbox
	})
	dbB := test.NewDatabase()
	dbB.AddPool(poolID, 0x10000, 0x10000, 0x10000, 0x10000)
	b := newObject(t, dbB, nil)

	requireT.ErrorIs(a.RequestPeerRespecialize(), types.ErrNotReady)

	ctxA := run(t, a)
	ctxB := run(t, b)
	requireT.NoError(a.WaitReady(ctxA))
	requireT.NoError(b.WaitReady(ctxB))

	deliver := func() {
		for {
			select {
			case u := <-outbox:
				b.ApplyPeerUpdate(u)
			default:
				return
			}
		}
	}

	deliver()
	requireT.Zero(b.Status().Restarts)

	requireT.NoError(a.RequestPeerRespecialize())
	deliver()
	requireT.Eventually(func() bool {
		s := b.Status()
		return s.Restarts == 1 && s.State == lifecycle.Ready
	}, 10*time.Second, time.Millisecond)
	requireT.Zero(a.Status().Restarts)
	requireT.True(b.Pool().Initialized())
}

func TestFailedAttachKeepsExistingLUN(t *testing.T) {
	requireT := require.New(t)

	db := test.NewDatabase()
	db.AddPool(poolID, 0x10000, 0x10000, 0x10000, 0x10000)
	o := newObject(t, db, nil)

	ctx := run(t, o)
	requireT.NoError(o.WaitReady(ctx))

	p := o.Pool()
	g := types.DefaultGeometry
	requireT.NoError(o.AttachUpstreamEdge(0x01, g.SliceBlocks, 0))
	requireT.NoError(o.AttachUpstreamEdge(0x01, g.SliceBlocks, 0))
	requireT.Equal(uint64(23), p.FreeSlices())
	requireT.Len(o.UpstreamEdges(), 1)

	requireT.Error(o.AttachUpstreamEdge(0x01, 2*g.SliceBlocks, 0))
	_, exists := p.LUN(0x01)
	requireT.True(exists)
	requireT.Equal(uint64(23), p.FreeSlices())

	errAttach := errors.New("attaching edge failed")

	_, err := p.MapLUN(0x02, g.SliceBlocks, g.SliceBlocks)
	requireT.NoError(err)
	requireT.NoError(p.ConstructLUNSlices(0x02))
	requireT.ErrorIs(o.rollback(0x02, true, errAttach), errAttach)
	_, exists = p.LUN(0x02)
	requireT.True(exists)
	requireT.Equal(uint64(22), p.FreeSlices())

	_, err = p.MapLUN(0x03, g.SliceBlocks, 2*g.SliceBlocks)
	requireT.NoError(err)
	requireT.NoError(p.ConstructLUNSlices(0x03))
	requireT.ErrorIs(o.rollback(0x03, false, errAttach), errAttach)
	_, exists = p.LUN(0x03)
	requireT.False(exists)
	requireT.Equal(uint64(22), p.FreeSlices())
}
