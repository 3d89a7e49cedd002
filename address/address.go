package address

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/outofforest/extentpool/types"
)

const (
	lbaMask = types.MaxLBA

	positionShift = 48
	flagsShift    = 56
	lunShift      = 48
)

// Flags are stored in the disk-relative encoding.
type Flags uint8

const (
	// FlagAllocated says that disk slice is bound to a pool slice.
	FlagAllocated Flags = 1 << iota

	// FlagInBounds says that slice lies within the bounds of its LUN.
	FlagInBounds

	// FlagReserved marks slices not available for allocation.
	FlagReserved
)

// SliceAddress is a 64-bit packed slice address. The same representation carries either the pool-relative
// {lun, lba} encoding or the disk-relative {flags, position, lba} one.
type SliceAddress uint64

// CheckLBA verifies that lba fits the address.
func CheckLBA(lba uint64) error {
	if lba > lbaMask {
		return errors.Errorf("lba %#x exceeds 48 bits", lba)
	}
	return nil
}

// EncodeDisk packs disk-relative address. Lba above 48 bits is a programming error.
func EncodeDisk(lba uint64, position uint8, flags Flags) SliceAddress {
	if err := CheckLBA(lba); err != nil {
		panic(err)
	}
	return SliceAddress(uint64(flags)<<flagsShift | uint64(position)<<positionShift | lba)
}

// DecodeDisk unpacks disk-relative address.
func DecodeDisk(a SliceAddress) (lba uint64, position uint8, flags Flags) {
	return a.LBA(), a.Position(), a.Flags()
}

// EncodePool packs pool-relative address. Lba above 48 bits is a programming error.
func EncodePool(lba uint64, lun types.LUNID) SliceAddress {
	if err := CheckLBA(lba); err != nil {
		panic(err)
	}
	return SliceAddress(uint64(lun)<<lunShift | lba)
}

// DecodePool unpacks pool-relative address.
func DecodePool(a SliceAddress) (lba uint64, lun types.LUNID) {
	return a.LBA(), a.LUN()
}

// LBA returns the lba field, valid for both encodings.
func (a SliceAddress) LBA() uint64 {
	return uint64(a) & lbaMask
}

// Position returns disk position of disk-relative address.
func (a SliceAddress) Position() uint8 {
	return uint8(uint64(a) >> positionShift)
}

// Flags returns flags of disk-relative address.
func (a SliceAddress) Flags() Flags {
	return Flags(uint64(a) >> flagsShift)
}

// LUN returns LUN of pool-relative address.
func (a SliceAddress) LUN() types.LUNID {
	return types.LUNID(uint64(a) >> lunShift)
}

// IsSet checks if flag is set in disk-relative address.
func (a SliceAddress) IsSet(flag Flags) bool {
	return a.Flags()&flag != 0
}

// Set returns disk-relative address with flag set.
func (a SliceAddress) Set(flag Flags) SliceAddress {
	return a | SliceAddress(uint64(flag)<<flagsShift)
}

// Clear returns disk-relative address with flag cleared.
func (a SliceAddress) Clear(flag Flags) SliceAddress {
	return a &^ SliceAddress(uint64(flag)<<flagsShift)
}

// String formats the raw value.
func (a SliceAddress) String() string {
	return fmt.Sprintf("%#016x", uint64(a))
}
