package stripelock

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/extentpool/address"
	"github.com/outofforest/extentpool/types"
)

// Table is the lock table the service operates on. Each bound slice is a lock slot. Number of slots follows
// the total slices of the pool, so it is zero until pool is initialized.
type Table interface {
	TotalSlices() uint64
	Key(a address.SliceAddress) address.SliceAddress
	SlotState(a address.SliceAddress) (types.LockState, bool)
	SetSlotState(a address.SliceAddress, state types.LockState) bool
	UpdateSlotStates(fn func(a address.SliceAddress, state types.LockState) types.LockState)
}

// Mode is the lock mode.
type Mode uint8

// Mode constants.
const (
	Read Mode = iota
	Write
)

func (m Mode) bits(owner Owner) types.LockState {
	switch {
	case owner == types.OwnerLocal && m == Read:
		return types.LockLocalRead
	case owner == types.OwnerLocal:
		return types.LockLocalWrite
	case m == Read:
		return types.LockPeerRead
	default:
		return types.LockPeerWrite
	}
}

// Owner is an alias kept for readability of lock calls.
type Owner = types.Owner

func other(owner Owner) Owner {
	if owner == types.OwnerLocal {
		return types.OwnerPeer
	}
	return types.OwnerLocal
}

// NewService creates stripe lock service.
func NewService() *Service {
	return &Service{
		monitors: map[address.SliceAddress][]chan error{},
	}
}

// Service grants stripe locks to both SPs and tracks operations waiting for the peer to release its locks.
type Service struct {
	mu       sync.Mutex
	table    Table
	monitors map[address.SliceAddress][]chan error
	pending  uint64
}

// Start starts locking over the table. Calling it again is a noop.
func (s *Service) Start(table Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.table != nil {
		return nil
	}
	if table == nil {
		return errors.New("lock table is required")
	}
	s.table = table
	return nil
}

// Started tells if locking has been started.
func (s *Service) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.table != nil
}

// Slots returns number of lock slots.
func (s *Service) Slots() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.table == nil {
		return 0
	}
	return s.table.TotalSlices()
}

// Stop detaches the service from the table. Pending monitors fail with err.
func (s *Service) Stop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelMonitors(err)
	s.table = nil
}

// Lock acquires the lock on the slot of the address. ErrBusy is returned if lock conflicts with the other owner.
func (s *Service) Lock(owner Owner, a address.SliceAddress, mode Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.table == nil {
		return errors.WithStack(types.ErrNotReady)
	}
	state, exists := s.table.SlotState(a)
	if !exists {
		return errors.Errorf("no lock slot for address %s", a)
	}

	conflict := other(owner).Mask()
	if mode == Read {
		conflict &= types.LockLocalWrite | types.LockPeerWrite
	}
	if state&conflict != 0 {
		return errors.Wrapf(types.ErrBusy, "slot of address %s is locked", a)
	}

	s.table.SetSlotState(a, state|mode.bits(owner))
	return nil
}

// Unlock releases all the locks of the owner on the slot. Monitors waiting for the slot are notified.
func (s *Service) Unlock(owner Owner, a address.SliceAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.table == nil {
		return errors.WithStack(types.ErrNotReady)
	}
	state, exists := s.table.SlotState(a)
	if !exists {
		return errors.Errorf("no lock slot for address %s", a)
	}
	if !state.Held(owner) {
		return errors.Errorf("slot of address %s is not locked", a)
	}

	state = state.Release(owner)
	s.table.SetSlotState(a, state)
	if owner == types.OwnerPeer {
		s.notify(s.table.Key(a), nil)
	}
	return nil
}

// Monitor registers operation waiting for the peer to release the slot of the address. Returned channel receives
// nil once the slot is released or error if peer is lost before that.
func (s *Service) Monitor(a address.SliceAddress) (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.table == nil {
		return nil, errors.WithStack(types.ErrNotReady)
	}
	state, exists := s.table.SlotState(a)
	if !exists {
		return nil, errors.Errorf("no lock slot for address %s", a)
	}

	ch := make(chan error, 1)
	if !state.Held(types.OwnerPeer) {
		ch <- nil
		return ch, nil
	}

	key := s.table.Key(a)
	s.monitors[key] = append(s.monitors[key], ch)
	s.pending++
	return ch, nil
}

// Pending returns number of operations waiting for the peer.
func (s *Service) Pending() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pending
}

// ReleaseAll releases all the locks of the owner and returns number of released slots.
func (s *Service) ReleaseAll(owner Owner) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.table == nil {
		return 0
	}

	var released uint64
	s.table.UpdateSlotStates(func(a address.SliceAddress, state types.LockState) types.LockState {
		if !state.Held(owner) {
			return state
		}
		released++
		return state.Release(owner)
	})
	return released
}

// CancelMonitors fails all the pending monitors with err.
func (s *Service) CancelMonitors(err error) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cancelMonitors(err)
}

func (s *Service) cancelMonitors(err error) uint64 {
	canceled := s.pending
	for key := range s.monitors {
		s.notify(key, err)
	}
	return canceled
}

func (s *Service) notify(key address.SliceAddress, err error) {
	monitors := s.monitors[key]
	if len(monitors) == 0 {
		return
	}
	for _, ch := range monitors {
		ch <- err
	}
	s.pending -= uint64(len(monitors))
	delete(s.monitors, key)
}
