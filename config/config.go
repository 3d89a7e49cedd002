package config

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/outofforest/extentpool/types"
)

// EnvPrefix is the prefix of environment variables overriding configuration.
const EnvPrefix = "EXTENTPOOL"

// Disk is the member disk entry.
type Disk struct {
	Ref      types.DiskRef `mapstructure:"ref"`
	Capacity uint64        `mapstructure:"capacity"`
}

// Pool is the pool entry.
type Pool struct {
	ID    types.PoolID `mapstructure:"id"`
	Disks []Disk       `mapstructure:"disks"`
}

// Limits are the drive transfer limits.
type Limits struct {
	MaxBytesPerRequest uint64 `mapstructure:"max_bytes_per_request"`
	MaxSGEntries       uint32 `mapstructure:"max_sg_entries"`
}

// Geometry is the slice geometry.
type Geometry struct {
	SliceBlocks     uint64 `mapstructure:"slice_blocks"`
	MetadataBlocks  uint64 `mapstructure:"metadata_blocks"`
	StartOffset     uint64 `mapstructure:"start_offset"`
	DataPositions   uint8  `mapstructure:"data_positions"`
	ParityPositions uint8  `mapstructure:"parity_positions"`
	SparePositions  uint8  `mapstructure:"spare_positions"`
}

// File is the layout of configuration file.
type File struct {
	Pools    []Pool   `mapstructure:"pools"`
	Limits   Limits   `mapstructure:"limits"`
	Geometry Geometry `mapstructure:"geometry"`
}

// New returns viper instance with defaults set.
func New() *viper.Viper {
	v := viper.New()

	g := types.DefaultGeometry
	v.SetDefault("geometry.slice_blocks", g.SliceBlocks)
	v.SetDefault("geometry.metadata_blocks", g.MetadataBlocks)
	v.SetDefault("geometry.start_offset", g.StartOffset)
	v.SetDefault("geometry.data_positions", g.DataPositions)
	v.SetDefault("geometry.parity_positions", g.ParityPositions)
	v.SetDefault("geometry.spare_positions", g.SparePositions)
	v.SetDefault("limits.max_bytes_per_request", 1<<20)
	v.SetDefault("limits.max_sg_entries", 128)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	return v
}

// LoadFile loads database from the config file. Format is taken from the file extension.
func LoadFile(path string) (*Database, error) {
	v := New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading config file %q failed", path)
	}
	return Load(v)
}

// LoadReader loads database from the reader containing config of the format.
func LoadReader(r io.Reader, format string) (*Database, error) {
	v := New()
	v.SetConfigType(format)
	if err := v.ReadConfig(r); err != nil {
		return nil, errors.Wrap(err, "reading config failed")
	}
	return Load(v)
}

// Load builds database from the viper instance.
func Load(v *viper.Viper) (*Database, error) {
	var file File
	if err := v.Unmarshal(&file); err != nil {
		return nil, errors.Wrap(err, "decoding config failed")
	}

	db := &Database{
		geometry: types.Geometry{
			SliceBlocks:     file.Geometry.SliceBlocks,
			MetadataBlocks:  file.Geometry.MetadataBlocks,
			StartOffset:     file.Geometry.StartOffset,
			DataPositions:   file.Geometry.DataPositions,
			ParityPositions: file.Geometry.ParityPositions,
			SparePositions:  file.Geometry.SparePositions,
		},
		limits: types.TransferLimits{
			MaxBytesPerRequest: file.Limits.MaxBytesPerRequest,
			MaxSGEntries:       file.Limits.MaxSGEntries,
		},
		pools:      map[types.PoolID][]types.DiskRef{},
		capacities: map[types.DiskRef]uint64{},
	}
	if err := db.geometry.Validate(); err != nil {
		return nil, err
	}

	for _, p := range file.Pools {
		if _, exists := db.pools[p.ID]; exists {
			return nil, errors.Errorf("pool %d is defined twice", p.ID)
		}
		refs := make([]types.DiskRef, 0, len(p.Disks))
		for _, d := range p.Disks {
			if _, exists := db.capacities[d.Ref]; exists {
				return nil, errors.Errorf("disk %d is used twice", d.Ref)
			}
			db.capacities[d.Ref] = d.Capacity
			refs = append(refs, d.Ref)
		}
		db.pools[p.ID] = refs
	}
	return db, nil
}

// Database serves pool membership and disk capacities loaded from configuration.
type Database struct {
	geometry types.Geometry
	limits   types.TransferLimits

	mu         sync.RWMutex
	pools      map[types.PoolID][]types.DiskRef
	capacities map[types.DiskRef]uint64
}

// Geometry returns configured slice geometry.
func (db *Database) Geometry() types.Geometry {
	return db.geometry
}

// PoolConfiguration returns disks of the pool.
func (db *Database) PoolConfiguration(poolID types.PoolID) (types.PoolConfiguration, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	refs, exists := db.pools[poolID]
	if !exists {
		return types.PoolConfiguration{}, errors.Wrapf(types.ErrNotResolved, "pool %d", poolID)
	}
	return types.PoolConfiguration{
		PoolID: poolID,
		Disks:  append([]types.DiskRef(nil), refs...),
	}, nil
}

// DiskCapacity returns capacity of the disk. Disks with unknown or zero capacity are not resolved yet.
func (db *Database) DiskCapacity(disk types.DiskRef) (uint64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	capacity := db.capacities[disk]
	if capacity == 0 {
		return 0, errors.Wrapf(types.ErrNotResolved, "disk %d", disk)
	}
	return capacity, nil
}

// SetDiskCapacity updates capacity of the disk, e.g. once the disk comes online.
func (db *Database) SetDiskCapacity(disk types.DiskRef, capacity uint64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, exists := db.capacities[disk]; !exists {
		return errors.Errorf("disk %d does not exist", disk)
	}
	db.capacities[disk] = capacity
	return nil
}

// TransferLimits returns drive transfer limits.
func (db *Database) TransferLimits() (types.TransferLimits, error) {
	return db.limits, nil
}
