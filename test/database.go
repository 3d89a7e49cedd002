package test

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/extentpool/types"
)

// NewDatabase creates in-memory configuration database used in tests.
func NewDatabase() *Database {
	return &Database{
		pools:      map[types.PoolID][]types.DiskRef{},
		capacities: map[types.DiskRef]uint64{},
		limits: types.TransferLimits{
			MaxBytesPerRequest: 1 << 20,
			MaxSGEntries:       128,
		},
	}
}

// Database is the configuration database used in tests.
type Database struct {
	mu               sync.Mutex
	pools            map[types.PoolID][]types.DiskRef
	capacities       map[types.DiskRef]uint64
	limits           types.TransferLimits
	unresolved       int
	unresolvedLimits int
	nextRef          types.DiskRef
	calls            int
	limitCalls       int
}

// AddPool registers pool built of disks of provided capacities.
func (db *Database) AddPool(poolID types.PoolID, capacities ...uint64) []types.DiskRef {
	db.mu.Lock()
	defer db.mu.Unlock()

	refs := make([]types.DiskRef, 0, len(capacities))
	for _, c := range capacities {
		db.nextRef++
		db.capacities[db.nextRef] = c
		refs = append(refs, db.nextRef)
	}
	db.pools[poolID] = refs
	return refs
}

// Unresolved makes next n pool configuration queries report unresolved topology.
func (db *Database) Unresolved(n int) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.unresolved = n
}

// UnresolvedLimits makes next n transfer limit queries report unresolved drive.
func (db *Database) UnresolvedLimits(n int) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.unresolvedLimits = n
}

// SetTransferLimits sets limits reported for drives.
func (db *Database) SetTransferLimits(limits types.TransferLimits) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.limits = limits
}

// LimitCalls returns number of transfer limit queries served.
func (db *Database) LimitCalls() int {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.limitCalls
}

// Calls returns number of pool configuration queries served.
func (db *Database) Calls() int {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.calls
}

// PoolConfiguration returns disks of the pool.
func (db *Database) PoolConfiguration(poolID types.PoolID) (types.PoolConfiguration, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.calls++
	if db.unresolved > 0 {
		db.unresolved--
		return types.PoolConfiguration{}, types.ErrNotResolved
	}

	refs, exists := db.pools[poolID]
	if !exists {
		return types.PoolConfiguration{}, errors.Errorf("pool %d does not exist", poolID)
	}
	return types.PoolConfiguration{
		PoolID: poolID,
		Disks:  append([]types.DiskRef(nil), refs...),
	}, nil
}

// DiskCapacity returns capacity of the disk.
func (db *Database) DiskCapacity(disk types.DiskRef) (uint64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	capacity, exists := db.capacities[disk]
	if !exists {
		return 0, errors.Wrapf(types.ErrNotResolved, "disk %d", disk)
	}
	return capacity, nil
}

// TransferLimits returns drive transfer limits.
func (db *Database) TransferLimits() (types.TransferLimits, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.limitCalls++
	if db.unresolvedLimits > 0 {
		db.unresolvedLimits--
		return types.TransferLimits{}, types.ErrNotResolved
	}
	return db.limits, nil
}
