package memory

import (
	"bytes"

	"bulkindex/pkg/idset"
	"bulkindex/pkg/index"

	"github.com/google/btree"
)

// Approximate heap costs of the buffered structures.
const (
	// MapEntryOverhead is charged once per element held by the map.
	MapEntryOverhead = 29
	elementOverhead  = 28
	sliceHeader      = 24
)

// Element is the unit buffered per (key, index): the ids collected so far.
type Element struct {
	Key   []byte
	Index *index.Index
	IDs   *idset.IDSet
}

// NewElement seeds a defined element with its first entry id.
func NewElement(key []byte, ix *index.Index, ids *idset.IDSet) *Element {
	return &Element{Key: key, Index: ix, IDs: ids}
}

// Compare orders by unsigned key bytes, then by index ID.
func (e *Element) Compare(o *Element) int {
	if c := bytes.Compare(e.Key, o.Key); c != 0 {
		return c
	}
	a, b := e.Index.ID(), o.Index.ID()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (e *Element) Less(than btree.Item) bool {
	return e.Compare(than.(*Element)) < 0
}

func (e *Element) IsDefined() bool {
	return e.IDs.IsDefined()
}

// MemorySize is the accounted size of the element itself.
func (e *Element) MemorySize() int64 {
	return elementOverhead + byteSliceSize(len(e.Key)) + e.IDs.MemorySize()
}

// Cost is what holding the element in the map charges against the budget.
func (e *Element) Cost() int64 {
	return MapEntryOverhead + e.MemorySize()
}

func byteSliceSize(n int) int64 {
	return sliceHeader + int64((n+7)&^7)
}
