// Package idset holds the per-key entry identifier sets accumulated during
// an import. A set is either defined (an explicit set of ids) or undefined,
// the "too many to track" sentinel that matches every entry.
package idset

import (
	"errors"
	"fmt"

	"bulkindex/pkg/common"

	"github.com/RoaringBitmap/roaring/v2"
)

const (
	// setOverhead is the fixed cost of a defined set header.
	setOverhead = 16
	// idSize is the accounted cost of one tracked identifier.
	idSize = 4
	// undefinedSize is the fixed cost of the undefined sentinel.
	undefinedSize = 16
)

const (
	flagDefined   byte = 0
	flagUndefined byte = 1
)

var ErrCorrupt = errors.New("idset: corrupt encoding")

// IDSet is not safe for concurrent use.
type IDSet struct {
	rb *roaring.Bitmap // nil when undefined
}

// New returns a defined set seeded with id.
func New(id common.EntryID) *IDSet {
	rb := roaring.New()
	rb.Add(uint32(id))
	return &IDSet{rb: rb}
}

// NewEmpty returns a defined set with no ids.
func NewEmpty() *IDSet {
	return &IDSet{rb: roaring.New()}
}

// NewUndefined returns the match-all sentinel.
func NewUndefined() *IDSet {
	return &IDSet{}
}

// Of builds a defined set from ids, degrading if they exceed entryLimit.
func Of(entryLimit int, ids ...common.EntryID) *IDSet {
	s := NewEmpty()
	for _, id := range ids {
		s.Add(id, entryLimit)
	}
	return s
}

func (s *IDSet) IsDefined() bool {
	return s.rb != nil
}

// Len returns the number of tracked ids; zero for an undefined set.
func (s *IDSet) Len() int {
	if s.rb == nil {
		return 0
	}
	return int(s.rb.GetCardinality())
}

// Contains reports whether id is in the set. An undefined set contains
// every id.
func (s *IDSet) Contains(id common.EntryID) bool {
	if s.rb == nil {
		return true
	}
	return s.rb.Contains(uint32(id))
}

// Add inserts id. A defined set already holding entryLimit ids degrades to
// undefined when a new id arrives; entryLimit <= 0 disables the limit.
func (s *IDSet) Add(id common.EntryID, entryLimit int) {
	if s.rb == nil {
		return
	}
	if s.rb.Contains(uint32(id)) {
		return
	}
	if entryLimit > 0 && s.Len() >= entryLimit {
		s.rb = nil
		return
	}
	s.rb.Add(uint32(id))
}

// Merge folds other into s under the same limit rules as Add.
func (s *IDSet) Merge(other *IDSet, entryLimit int) {
	if s.rb == nil {
		return
	}
	if other == nil {
		return
	}
	if other.rb == nil {
		s.rb = nil
		return
	}
	union := roaring.Or(s.rb, other.rb)
	if entryLimit > 0 && int(union.GetCardinality()) > entryLimit {
		s.rb = nil
		return
	}
	s.rb = union
}

// IDs returns the tracked ids in ascending order, nil when undefined.
func (s *IDSet) IDs() []common.EntryID {
	if s.rb == nil {
		return nil
	}
	out := make([]common.EntryID, 0, s.rb.GetCardinality())
	it := s.rb.Iterator()
	for it.HasNext() {
		out = append(out, common.EntryID(it.Next()))
	}
	return out
}

func (s *IDSet) Clone() *IDSet {
	if s.rb == nil {
		return NewUndefined()
	}
	return &IDSet{rb: s.rb.Clone()}
}

// Equal reports whether both sets are in the same state with the same ids.
func (s *IDSet) Equal(other *IDSet) bool {
	if s.IsDefined() != other.IsDefined() {
		return false
	}
	if s.rb == nil {
		return true
	}
	return s.rb.Equals(other.rb)
}

// MemorySize is the accounted byte cost of the set.
func (s *IDSet) MemorySize() int64 {
	if s.rb == nil {
		return undefinedSize
	}
	return setOverhead + idSize*int64(s.rb.GetCardinality())
}

func (s *IDSet) String() string {
	if s.rb == nil {
		return "IDSet{undefined}"
	}
	return fmt.Sprintf("IDSet%v", s.IDs())
}

// MarshalBinary encodes the state flag followed by the portable roaring
// serialization of the ids.
func (s *IDSet) MarshalBinary() ([]byte, error) {
	if s.rb == nil {
		return []byte{flagUndefined}, nil
	}
	body, err := s.rb.ToBytes()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, flagDefined)
	return append(out, body...), nil
}

func (s *IDSet) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return ErrCorrupt
	}
	switch data[0] {
	case flagUndefined:
		if len(data) != 1 {
			return ErrCorrupt
		}
		s.rb = nil
		return nil
	case flagDefined:
		rb := roaring.New()
		if err := rb.UnmarshalBinary(data[1:]); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		s.rb = rb
		return nil
	default:
		return ErrCorrupt
	}
}
