package lifecycle

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/extentpool/disk"
	"github.com/outofforest/extentpool/metadata"
	"github.com/outofforest/extentpool/pool"
	"github.com/outofforest/extentpool/types"
	"github.com/outofforest/logger"
)

// evaluate executes the request of the condition and returns the state machine should advance to.
func (m *Machine) evaluate(ctx context.Context, condition State) (State, error) {
	switch condition {
	case MetadataMemoryInit:
		return NonpagedMetadataInit, m.config.Memory.Init(metadata.Region{
			State:      uint8(MetadataMemoryInit),
			Generation: m.config.Generation,
		})
	case NonpagedMetadataInit:
		record, err := m.config.Nonpaged.Load()
		if err != nil {
			return condition, err
		}
		m.setRecord(record)
		return MetadataElementInit, nil
	case MetadataElementInit:
		return StripeLockStart, m.config.Memory.Update(func(r *metadata.Region) {
			r.State = uint8(MetadataElementInit)
			if m.config.Role == RoleActive {
				r.Flags |= metadata.ClusterActive
			}
		})
	case StripeLockStart:
		return DownstreamHealthNotOptimal, m.config.StripeLock.StartLocking(ctx)
	case DownstreamHealthNotOptimal:
		if err := m.waitForDisks(ctx); err != nil {
			return condition, err
		}
		if m.firstTimeInit() {
			return WriteDefaultNonpagedMetadata, nil
		}
		return MetadataVerify, nil
	case WriteDefaultNonpagedMetadata:
		return PersistDefaultNonpagedMetadata, m.writeDefaultRecord()
	case PersistDefaultNonpagedMetadata:
		return MetadataVerify, m.config.Nonpaged.Persist()
	case MetadataVerify:
		return InitPool, m.verifyRecord()
	case InitPool:
		if err := m.config.Pool.Init(ctx); err != nil {
			return condition, err
		}
		return Ready, m.config.Memory.Update(func(r *metadata.Region) {
			r.State = uint8(Ready)
			r.Flags |= metadata.ClusterReady
		})
	default:
		return condition, errors.Errorf("state %s has no condition", condition)
	}
}

// waitForDisks succeeds once all the member disks are known and report capacity.
func (m *Machine) waitForDisks(ctx context.Context) error {
	refs, err := disk.Discover(m.config.Database, m.config.PoolID)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return errors.Wrapf(types.ErrNotResolved, "pool %d has no disks", m.config.PoolID)
	}
	if m.config.ExpectedWidth != 0 && pool.ComputePoolWidth(refs) != m.config.ExpectedWidth {
		return errors.Wrapf(types.ErrNotResolved, "pool %d has %d disks, waiting for %d", m.config.PoolID,
			len(refs), m.config.ExpectedWidth)
	}

	disks := disk.NewTable(m.config.Geometry)
	if err := disks.Build(m.config.Database, refs); err != nil {
		return err
	}
	defer disks.Release()

	for _, d := range disks.Disks() {
		if d.Capacity == 0 {
			return errors.Wrapf(types.ErrNotResolved, "capacity of disk %d is unknown", d.Ref)
		}
	}
	for i, d := range disks.Disks() {
		if err := m.config.Edges.AttachEdge(uint32(i), d.Ref, d.Capacity, m.config.Geometry.StartOffset); err != nil {
			return err
		}
	}

	width := pool.ComputePoolWidth(refs)
	totalSlices := pool.ComputeTotalSlices(disks, m.config.Geometry)

	m.mu.Lock()
	m.width = width
	m.totalSlices = totalSlices
	m.mu.Unlock()

	logger.Get(ctx).Info("Member disks ready",
		zap.Uint32("width", width), zap.Uint64("totalSlices", totalSlices))
	return nil
}

// firstTimeInit tells if non-paged metadata must be written by this SP. Only active SP does it and only when
// the record loaded at startup was blank.
func (m *Machine) firstTimeInit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.config.Role == RoleActive && m.record.Blank()
}

func (m *Machine) writeDefaultRecord() error {
	m.mu.Lock()
	record := metadata.NonpagedRecord{
		PoolUUID:    m.config.PoolUUID,
		PoolID:      m.config.PoolID,
		Width:       m.width,
		Generation:  m.config.Generation,
		TotalSlices: m.totalSlices,
	}
	m.mu.Unlock()

	return m.config.Nonpaged.WriteDefault(record)
}

func (m *Machine) verifyRecord() error {
	record, err := m.config.Nonpaged.Verify()
	if err != nil {
		return err
	}
	if record.PoolID != m.config.PoolID {
		return errors.Wrapf(types.ErrVersionMismatch, "record belongs to pool %d", record.PoolID)
	}
	m.setRecord(record)
	return nil
}

func (m *Machine) setRecord(record metadata.NonpagedRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record = record
}

// Record returns non-paged record known to the machine.
func (m *Machine) Record() metadata.NonpagedRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.record
}
