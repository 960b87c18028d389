package memory

import (
	"bulkindex/pkg/index"

	"github.com/google/btree"
)

// ElementMap keeps elements in Compare order. It has no lock of its own:
// the buffer manager serializes every access.
type ElementMap struct {
	tree *btree.BTree
}

func NewElementMap(degree int) *ElementMap {
	return &ElementMap{
		tree: btree.New(degree),
	}
}

// Get returns the element stored for (key, ix), or nil.
func (m *ElementMap) Get(key []byte, ix *index.Index) *Element {
	res := m.tree.Get(&Element{Key: key, Index: ix})
	if res == nil {
		return nil
	}
	return res.(*Element)
}

func (m *ElementMap) Insert(e *Element) {
	m.tree.ReplaceOrInsert(e)
}

// Delete removes the element comparing equal to e and reports whether it was
// present.
func (m *ElementMap) Delete(e *Element) bool {
	return m.tree.Delete(e) != nil
}

func (m *ElementMap) Len() int {
	return m.tree.Len()
}

func (m *ElementMap) Min() *Element {
	res := m.tree.Min()
	if res == nil {
		return nil
	}
	return res.(*Element)
}

// After returns the first element strictly greater than pivot. A nil pivot
// yields the first element. The pivot need not be in the map.
func (m *ElementMap) After(pivot *Element) *Element {
	if pivot == nil {
		return m.Min()
	}
	var found *Element
	m.tree.AscendGreaterOrEqual(pivot, func(i btree.Item) bool {
		e := i.(*Element)
		if e.Compare(pivot) == 0 {
			return true
		}
		found = e
		return false
	})
	return found
}

func (m *ElementMap) Ascend(fn func(e *Element) bool) {
	m.tree.Ascend(func(i btree.Item) bool {
		return fn(i.(*Element))
	})
}

// Snapshot returns the elements in order.
func (m *ElementMap) Snapshot() []*Element {
	out := make([]*Element, 0, m.tree.Len())
	m.Ascend(func(e *Element) bool {
		out = append(out, e)
		return true
	})
	return out
}
