package metadata

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/extentpool/types"
)

// ClusterFlags are exchanged between SPs through metadata memory.
type ClusterFlags uint64

const (
	// ClusterActive is set by the SP owning first-time initialization.
	ClusterActive ClusterFlags = 1 << iota

	// ClusterReady is set when SP reached ready state.
	ClusterReady

	// ClusterRespecialize is set by SP requesting its peer to restart specialization.
	ClusterRespecialize
)

// Region is the fixed-size metadata memory mirrored to the peer SP.
type Region struct {
	Flags      ClusterFlags
	State      uint8
	Generation uint64

	// RespecializeSeq is incremented on every respecialization request, so peer can tell new request from the one
	// already served.
	RespecializeSeq uint64
}

// Update carries new version of the region to the peer.
type Update struct {
	Seq    uint64
	Region Region
}

// NewMemory creates metadata memory. Updates of local region are sent to the outbox if it is not nil.
func NewMemory(outbox chan<- Update) *Memory {
	return &Memory{
		outbox: outbox,
	}
}

// Memory keeps local view of the region and the last known view of the peer. Peer view is eventually consistent
// and becomes authoritative only when taken at explicit sync point.
type Memory struct {
	outbox chan<- Update

	mu          sync.Mutex
	initialized bool
	local       Region
	localSeq    uint64
	peer        Region
	peerSeq     uint64
	peerKnown   bool
	synced      Region
}

// Init initializes local region.
func (m *Memory) Init(local Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}
	m.initialized = true
	m.local = local
	return m.publish()
}

// Initialized tells if memory has been initialized.
func (m *Memory) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.initialized
}

// Update modifies the local region and publishes it to the peer.
func (m *Memory) Update(fn func(r *Region)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return errors.New("metadata memory is not initialized")
	}
	fn(&m.local)
	return m.publish()
}

func (m *Memory) publish() error {
	m.localSeq++
	if m.outbox == nil {
		return nil
	}
	select {
	case m.outbox <- Update{Seq: m.localSeq, Region: m.local}:
		return nil
	default:
		return errors.Wrap(types.ErrBusy, "peer channel is full")
	}
}

// ApplyPeer applies update received from the peer. Updates older than the one already applied are ignored.
// It returns true if update has been applied.
func (m *Memory) ApplyPeer(u Update) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.peerKnown && u.Seq <= m.peerSeq {
		return false
	}
	m.peer = u.Region
	m.peerSeq = u.Seq
	m.peerKnown = true
	return true
}

// Local returns local region.
func (m *Memory) Local() Region {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.local
}

// Peer returns the last known peer region.
func (m *Memory) Peer() (Region, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.peer, m.peerKnown
}

// Sync takes current peer view as the authoritative one.
func (m *Memory) Sync() Region {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.synced = m.peer
	return m.synced
}

// Synced returns peer region taken at the last sync point.
func (m *Memory) Synced() Region {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.synced
}

// PeerLost forgets the peer view.
func (m *Memory) PeerLost() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.peer = Region{}
	m.peerSeq = 0
	m.peerKnown = false
	m.synced = Region{}
}
