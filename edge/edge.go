package edge

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/outofforest/extentpool/types"
)

// Edge connects the pool to the object on the other side.
type Edge struct {
	Index    uint32
	Target   types.DiskRef
	Capacity uint64
	Offset   uint64
}

// NewTable creates edge table.
func NewTable() *Table {
	return &Table{
		edges: map[uint32]Edge{},
	}
}

// Table keeps edges of the pool indexed by edge index.
type Table struct {
	mu      sync.Mutex
	edges   map[uint32]Edge
	attachs uint64
}

// AttachEdge attaches the edge. Edge is created once and never resized, so attaching already existing index
// is a noop.
func (t *Table) AttachEdge(index uint32, target types.DiskRef, capacity, offset uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.edges[index]; exists {
		return nil
	}
	if capacity == 0 {
		return errors.Errorf("edge %d has zero capacity", index)
	}
	t.edges[index] = Edge{
		Index:    index,
		Target:   target,
		Capacity: capacity,
		Offset:   offset,
	}
	t.attachs++
	return nil
}

// DetachEdge detaches the edge.
func (t *Table) DetachEdge(index uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.edges[index]; !exists {
		return errors.Errorf("edge %d is not attached", index)
	}
	delete(t.edges, index)
	return nil
}

// Edge returns the edge.
func (t *Table) Edge(index uint32) (Edge, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, exists := t.edges[index]
	return e, exists
}

// Edges returns all the edges ordered by index.
func (t *Table) Edges() []Edge {
	t.mu.Lock()
	defer t.mu.Unlock()

	edges := lo.Values(t.edges)
	sort.Slice(edges, func(i, j int) bool {
		return edges[i].Index < edges[j].Index
	})
	return edges
}

// Attachments returns number of edges created since the table was created.
func (t *Table) Attachments() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.attachs
}
