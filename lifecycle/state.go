package lifecycle

import (
	"context"
	"fmt"

	"github.com/outofforest/extentpool/metadata"
)

// State is the lifecycle state of the extent pool.
type State uint8

// States in the order they are passed.
const (
	MetadataMemoryInit State = iota
	NonpagedMetadataInit
	MetadataElementInit
	StripeLockStart
	DownstreamHealthNotOptimal
	WriteDefaultNonpagedMetadata
	PersistDefaultNonpagedMetadata
	MetadataVerify
	InitPool
	Ready
)

var stateNames = [...]string{
	MetadataMemoryInit:             "MetadataMemoryInit",
	NonpagedMetadataInit:           "NonpagedMetadataInit",
	MetadataElementInit:            "MetadataElementInit",
	StripeLockStart:                "StripeLockStart",
	DownstreamHealthNotOptimal:     "DownstreamHealthNotOptimal",
	WriteDefaultNonpagedMetadata:   "WriteDefaultNonpagedMetadata",
	PersistDefaultNonpagedMetadata: "PersistDefaultNonpagedMetadata",
	MetadataVerify:                 "MetadataVerify",
	InitPool:                       "InitPool",
	Ready:                          "Ready",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// Role is the role of SP in the first-time initialization.
type Role uint8

// Role constants.
const (
	// RoleActive SP writes default non-paged metadata if it is blank.
	RoleActive Role = iota

	// RolePassive SP waits until peer writes non-paged metadata.
	RolePassive
)

func (r Role) String() string {
	if r == RolePassive {
		return "passive"
	}
	return "active"
}

// Status is the snapshot of the lifecycle.
type Status struct {
	State    State
	Parked   bool
	Reason   error
	Retries  uint64
	Parks    uint64
	Restarts uint64
}

// MetadataMemory is the replicated metadata memory.
type MetadataMemory interface {
	Init(local metadata.Region) error
	Update(fn func(r *metadata.Region)) error
	Sync() metadata.Region
	PeerLost()
}

// NonpagedMetadata is the persisted non-paged metadata.
type NonpagedMetadata interface {
	Load() (metadata.NonpagedRecord, error)
	WriteDefault(record metadata.NonpagedRecord) error
	Persist() error
	Verify() (metadata.NonpagedRecord, error)
}

// StripeLock connects pool to the stripe lock service.
type StripeLock interface {
	StartLocking(ctx context.Context) error
	StopLocking()
	OnPeerContactLost(ctx context.Context)
}

// Pool is the pool initialized by the lifecycle.
type Pool interface {
	Init(ctx context.Context) error
	Destroy() error
}
