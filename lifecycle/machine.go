package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/extentpool/metadata"
	"github.com/outofforest/extentpool/queue"
	"github.com/outofforest/extentpool/types"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

const (
	// DefaultRetryInterval is used if retry interval is not configured.
	DefaultRetryInterval = 100 * time.Millisecond

	// DefaultParkInterval is used if park interval is not configured.
	DefaultParkInterval = 5 * time.Second
)

// Config stores lifecycle configuration.
type Config struct {
	PoolID     types.PoolID
	PoolUUID   uuid.UUID
	Role       Role
	Generation uint64
	Geometry   types.Geometry

	// ExpectedWidth is the number of member disks pool waits for. Zero accepts any number.
	ExpectedWidth uint32

	Database   types.Database
	Edges      types.EdgeAttacher
	Memory     MetadataMemory
	Nonpaged   NonpagedMetadata
	StripeLock StripeLock
	Pool       Pool

	// RetryInterval is the delay before condition failed with transient error is evaluated again.
	RetryInterval time.Duration

	// ParkInterval is the delay before parked condition is evaluated again. Zero selects DefaultParkInterval.
	// Negative value disables re-evaluation, parked condition then waits for Kick.
	ParkInterval time.Duration

	// OnTransition is called on every state change.
	OnTransition func(from, to State)
}

type eventType uint8

const (
	eventCompleted eventType = iota
	eventKick
	eventRespecialize
	eventPeerUpdated
	eventPeerLost
)

type event struct {
	Type      eventType
	Condition State
	Next      State
	Attempt   uint32
	Err       error
}

// New creates lifecycle machine.
func New(config Config) (*Machine, error) {
	switch {
	case config.Database == nil:
		return nil, errors.New("database is required")
	case config.Edges == nil:
		return nil, errors.New("edge attacher is required")
	case config.Memory == nil:
		return nil, errors.New("metadata memory is required")
	case config.Nonpaged == nil:
		return nil, errors.New("non-paged metadata is required")
	case config.StripeLock == nil:
		return nil, errors.New("stripe lock is required")
	case config.Pool == nil:
		return nil, errors.New("pool is required")
	}
	if err := config.Geometry.Validate(); err != nil {
		return nil, err
	}
	if config.RetryInterval == 0 {
		config.RetryInterval = DefaultRetryInterval
	}
	if config.ParkInterval == 0 {
		config.ParkInterval = DefaultParkInterval
	}

	return &Machine{
		config:    config,
		events:    make(chan event, 16),
		doneCh:    make(chan struct{}),
		changedCh: make(chan struct{}),
		queue:     queue.New(16),
	}, nil
}

// Machine drives the extent pool from creation to ready state. Every state has a condition issuing one
// asynchronous request. Its completion advances the state, schedules retry or parks the machine.
type Machine struct {
	config Config
	events chan event
	doneCh chan struct{}

	// Owned by the loop.
	queue               *queue.Queue
	inFlight            bool
	pendingRespecialize bool
	peerRespecializeSeq uint64

	mu          sync.Mutex
	status      Status
	changedCh   chan struct{}
	record      metadata.NonpagedRecord
	width       uint32
	totalSlices uint64
}

// Status returns current status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.status
}

// State returns current state.
func (m *Machine) State() State {
	return m.Status().State
}

// Wait waits until status satisfies the predicate.
func (m *Machine) Wait(ctx context.Context, predicate func(s Status) bool) (Status, error) {
	for {
		m.mu.Lock()
		status := m.status
		changedCh := m.changedCh
		m.mu.Unlock()

		if predicate(status) {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return status, errors.WithStack(ctx.Err())
		case <-changedCh:
		}
	}
}

// WaitReady waits until machine reaches ready state.
func (m *Machine) WaitReady(ctx context.Context) error {
	_, err := m.Wait(ctx, func(s Status) bool {
		return s.State == Ready
	})
	return err
}

// Kick re-evaluates parked condition, e.g. after external repair.
func (m *Machine) Kick() {
	m.send(event{Type: eventKick})
}

// Respecialize restarts the machine from stripe lock start. If condition is in flight, restart is done once it
// completes.
func (m *Machine) Respecialize() {
	m.send(event{Type: eventRespecialize})
}

// RequestPeerRespecialize asks the peer SP to restart its machine. Request is published through metadata memory.
func (m *Machine) RequestPeerRespecialize() error {
	return m.config.Memory.Update(func(r *metadata.Region) {
		r.Flags |= metadata.ClusterRespecialize
		r.RespecializeSeq++
	})
}

// PeerUpdated tells the machine that new peer region has been applied to metadata memory.
func (m *Machine) PeerUpdated() {
	m.send(event{Type: eventPeerUpdated})
}

// PeerContactLost releases everything held on behalf of the peer SP.
func (m *Machine) PeerContactLost() {
	m.send(event{Type: eventPeerLost})
}

func (m *Machine) send(e event) {
	select {
	case m.events <- e:
	case <-m.doneCh:
	}
}

// Run runs the machine.
func (m *Machine) Run(ctx context.Context) error {
	defer close(m.doneCh)

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("loop", parallel.Fail, func(ctx context.Context) error {
			return m.loop(ctx, spawn)
		})
		return nil
	})
}

func (m *Machine) loop(ctx context.Context, spawn parallel.SpawnFn) error {
	log := logger.Get(ctx)
	log.Info("Lifecycle started", zap.Stringer("state", m.State()), zap.Stringer("role", m.config.Role))

	if state := m.State(); state != Ready {
		m.queue.Push(m.queue.NewRequest(uint8(state), queue.Evaluate))
	}

	for {
		var timerCh <-chan time.Time
		if r := m.queue.Peek(); r != nil && !m.inFlight {
			if wait := time.Until(r.NotBefore); wait > 0 {
				timerCh = time.After(wait)
			} else {
				m.issue(ctx, spawn, m.queue.Pop())
				continue
			}
		}

		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-timerCh:
		case e := <-m.events:
			m.handle(ctx, e)
		}
	}
}

func (m *Machine) issue(ctx context.Context, spawn parallel.SpawnFn, r *queue.Request) {
	condition := State(r.Condition)
	attempt := r.Attempt
	m.queue.Recycle(r)

	m.inFlight = true
	m.updateStatus(func(s *Status) {
		s.Parked = false
		s.Reason = nil
	})

	spawn(fmt.Sprintf("condition-%s", condition), parallel.Continue, func(ctx context.Context) error {
		next, err := m.evaluate(ctx, condition)
		select {
		case m.events <- event{
			Type:      eventCompleted,
			Condition: condition,
			Next:      next,
			Attempt:   attempt,
			Err:       err,
		}:
		case <-ctx.Done():
		}
		return nil
	})
}

func (m *Machine) handle(ctx context.Context, e event) {
	log := logger.Get(ctx)

	switch e.Type {
	case eventCompleted:
		m.inFlight = false
		if m.pendingRespecialize {
			log.Debug("Completion ignored due to respecialization", zap.Stringer("condition", e.Condition),
				zap.Error(e.Err))
			m.pendingRespecialize = false
			m.respecialize(ctx)
			return
		}
		m.complete(ctx, e)
	case eventKick:
		status := m.Status()
		if !status.Parked {
			return
		}
		log.Info("Parked condition kicked", zap.Stringer("state", status.State))
		m.queue.Drain()
		m.queue.Push(m.queue.NewRequest(uint8(status.State), queue.Kick))
	case eventRespecialize:
		m.respecialize(ctx)
	case eventPeerUpdated:
		peer := m.config.Memory.Sync()
		if peer.Flags&metadata.ClusterRespecialize == 0 || peer.RespecializeSeq <= m.peerRespecializeSeq {
			return
		}
		m.peerRespecializeSeq = peer.RespecializeSeq
		log.Info("Peer requested respecialization", zap.Uint64("seq", peer.RespecializeSeq))
		m.respecialize(ctx)
	case eventPeerLost:
		log.Warn("Peer contact lost")
		m.config.StripeLock.OnPeerContactLost(ctx)
		m.config.Memory.PeerLost()
		m.peerRespecializeSeq = 0
	}
}

func (m *Machine) complete(ctx context.Context, e event) {
	log := logger.Get(ctx)

	switch {
	case e.Err == nil:
		if e.Next <= e.Condition {
			panic(errors.Errorf("condition %s tried to move machine back to %s", e.Condition, e.Next))
		}
		m.transition(ctx, e.Next)
		if e.Next != Ready {
			m.queue.Push(m.queue.NewRequest(uint8(e.Next), queue.Evaluate))
		}
	case types.IsRetryable(e.Err):
		log.Debug("Condition will be retried", zap.Stringer("condition", e.Condition),
			zap.Uint32("attempt", e.Attempt), zap.Error(e.Err))
		m.updateStatus(func(s *Status) {
			s.Retries++
		})
		r := m.queue.NewRequest(uint8(e.Condition), queue.Retry)
		r.Attempt = e.Attempt + 1
		r.NotBefore = time.Now().Add(m.config.RetryInterval)
		m.queue.Push(r)
	default:
		log.Error("Condition parked", zap.Stringer("condition", e.Condition), zap.Error(e.Err))
		m.updateStatus(func(s *Status) {
			s.Parked = true
			s.Reason = e.Err
			s.Parks++
		})
		if m.config.ParkInterval > 0 {
			r := m.queue.NewRequest(uint8(e.Condition), queue.Retry)
			r.Attempt = e.Attempt + 1
			r.NotBefore = time.Now().Add(m.config.ParkInterval)
			m.queue.Push(r)
		}
	}
}

func (m *Machine) respecialize(ctx context.Context) {
	log := logger.Get(ctx)

	if m.State() <= StripeLockStart {
		log.Debug("Respecialization requested before stripe locking, nothing to restart")
		return
	}

	if m.inFlight {
		log.Info("Respecialization deferred until in-flight condition completes")
		m.pendingRespecialize = true
		return
	}

	log.Info("Respecializing")
	m.queue.Drain()

	if err := m.config.Pool.Destroy(); err != nil {
		log.Error("Destroying pool failed", zap.Error(err))
	}
	m.config.StripeLock.StopLocking()
	if err := m.config.Memory.Update(func(r *metadata.Region) {
		r.Flags &^= metadata.ClusterReady
		r.State = uint8(StripeLockStart)
	}); err != nil {
		log.Warn("Publishing metadata memory failed", zap.Error(err))
	}

	m.updateStatus(func(s *Status) {
		s.Parked = false
		s.Reason = nil
		s.Restarts++
	})
	m.transition(ctx, StripeLockStart)
	m.queue.Push(m.queue.NewRequest(uint8(StripeLockStart), queue.Evaluate))
}

func (m *Machine) transition(ctx context.Context, to State) {
	var from State
	m.updateStatus(func(s *Status) {
		from = s.State
		s.State = to
	})

	logger.Get(ctx).Info("State changed", zap.Stringer("from", from), zap.Stringer("to", to))
	if m.config.OnTransition != nil {
		m.config.OnTransition(from, to)
	}
}

func (m *Machine) updateStatus(fn func(s *Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fn(&m.status)
	close(m.changedCh)
	m.changedCh = make(chan struct{})
}
