package stripelock

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/extentpool/address"
	"github.com/outofforest/extentpool/types"
	"github.com/outofforest/logger"
)

// PoolTable is the lock table exposed by the pool.
type PoolTable interface {
	Table
	NormalizeDiskLBA(lun types.LUNID, diskLBA uint64) (address.SliceAddress, error)
}

// Relativity tells how the lba of lock address is expressed.
type Relativity uint8

// Relativity constants.
const (
	// PoolRelative lba is the logical block of the LUN.
	PoolRelative Relativity = iota

	// DiskRelative lba is the per-position lba used by parity group requests.
	DiskRelative
)

// Address is the address lock requests refer to.
type Address struct {
	LUN        types.LUNID
	LBA        uint64
	Relativity Relativity
}

// NewGlue connects the pool to the stripe lock service.
func NewGlue(service *Service, table PoolTable) *Glue {
	return &Glue{
		service: service,
		table:   table,
	}
}

// Glue exposes pool lock table to the stripe lock service.
type Glue struct {
	service *Service
	table   PoolTable
}

// StartLocking registers the pool lock table with the service. If locking has been started already, possibly
// by the peer SP, it just returns.
func (g *Glue) StartLocking(ctx context.Context) error {
	if g.service.Started() {
		logger.Get(ctx).Debug("Stripe locking already started")
		return nil
	}
	if err := g.service.Start(g.table); err != nil {
		return err
	}
	logger.Get(ctx).Info("Stripe locking started")
	return nil
}

// StopLocking detaches the pool lock table from the service.
func (g *Glue) StopLocking() {
	g.service.Stop(errors.WithStack(types.ErrNotReady))
}

// GetSlotState returns lock state of the slot serving the address.
func (g *Glue) GetSlotState(a Address) (types.LockState, error) {
	slot, err := g.slot(a)
	if err != nil {
		return types.LockUnlocked, err
	}
	state, exists := g.table.SlotState(slot)
	if !exists {
		return types.LockUnlocked, errors.Errorf("no lock slot for address %s", slot)
	}
	return state, nil
}

// SetSlotState sets lock state of the slot serving the address.
func (g *Glue) SetSlotState(a Address, state types.LockState) error {
	slot, err := g.slot(a)
	if err != nil {
		return err
	}
	if !g.table.SetSlotState(slot, state) {
		return errors.Errorf("no lock slot for address %s", slot)
	}
	return nil
}

// OnPeerContactLost cancels operations waiting for the peer and releases all the locks held on its behalf.
// It is safe to call it any number of times.
func (g *Glue) OnPeerContactLost(ctx context.Context) {
	canceled := g.service.CancelMonitors(errors.WithStack(types.ErrPeerLost))
	released := g.service.ReleaseAll(types.OwnerPeer)
	logger.Get(ctx).Info("Peer locks released",
		zap.Uint64("released", released), zap.Uint64("canceledMonitors", canceled))
}

func (g *Glue) slot(a Address) (address.SliceAddress, error) {
	if err := address.CheckLBA(a.LBA); err != nil {
		return 0, err
	}
	if a.Relativity == DiskRelative {
		return g.table.NormalizeDiskLBA(a.LUN, a.LBA)
	}
	return address.EncodePool(a.LBA, a.LUN), nil
}
