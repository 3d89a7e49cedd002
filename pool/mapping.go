package pool

import (
	"github.com/outofforest/extentpool/address"
	"github.com/outofforest/extentpool/disk"
	"github.com/outofforest/extentpool/types"
)

// ComputePoolWidth returns number of member disks.
func ComputePoolWidth(disks []types.DiskRef) uint32 {
	return uint32(len(disks))
}

// ComputeTotalSlices returns number of usable pool slices. Parity overhead is amortized over disk slices of all
// the disks, not per disk.
func ComputeTotalSlices(disks *disk.Table, geometry types.Geometry) uint64 {
	return disks.TotalDiskSlices() / geometry.GroupWidth()
}

// ExportedCapacity returns capacity advertised upstream.
func ExportedCapacity(totalSlices uint64, geometry types.Geometry) uint64 {
	return totalSlices * geometry.SliceBlocks * uint64(geometry.DataPositions)
}

// FullyMapPool lays disk slices into stripes. Disk slices are taken round-robin over disks, row by row, and every
// consecutive group of parity-group width disk slices forms one pool slice. The result depends only on the
// ordered disk capacities, so the same layout is rebuilt after restart. Position p of stripe i is stored at
// index i*width+p.
func FullyMapPool(disks *disk.Table, geometry types.Geometry, totalSlices uint64) []address.SliceAddress {
	width := geometry.GroupWidth()
	stripes := make([]address.SliceAddress, 0, totalSlices*width)

	var rows int
	for _, d := range disks.Disks() {
		rows = max(rows, len(d.Slices))
	}

	for row := 0; row < rows && uint64(len(stripes)) < totalSlices*width; row++ {
		for _, d := range disks.Disks() {
			if row >= len(d.Slices) {
				continue
			}
			stripes = append(stripes, d.Slices[row].DiskAddress.Clear(address.FlagAllocated))
			if uint64(len(stripes)) == totalSlices*width {
				break
			}
		}
	}

	return stripes
}
