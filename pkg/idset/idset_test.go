package idset

import (
	"math/rand"
	"testing"

	"bulkindex/pkg/common"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddDegradesPastLimit(t *testing.T) {
	s := New(1)
	s.Add(2, 2)
	require.True(t, s.IsDefined())
	assert.Equal(t, []common.EntryID{1, 2}, s.IDs())

	// duplicate at capacity stays defined
	s.Add(2, 2)
	require.True(t, s.IsDefined())

	s.Add(3, 2)
	assert.False(t, s.IsDefined())
	assert.Nil(t, s.IDs())
	assert.Equal(t, int64(undefinedSize), s.MemorySize())

	s.Add(4, 0)
	assert.False(t, s.IsDefined(), "undefined must never revert")
	assert.True(t, s.Contains(99))
}

func TestNoLimit(t *testing.T) {
	s := NewEmpty()
	for i := 0; i < 1000; i++ {
		s.Add(common.EntryID(i), 0)
	}
	assert.True(t, s.IsDefined())
	assert.Equal(t, 1000, s.Len())
}

func TestMemorySizeTracksLen(t *testing.T) {
	s := New(7)
	base := s.MemorySize()
	s.Add(8, 10)
	assert.Equal(t, base+idSize, s.MemorySize())
	s.Add(8, 10)
	assert.Equal(t, base+idSize, s.MemorySize())
}

func TestMerge(t *testing.T) {
	a := Of(0, 1, 2)
	a.Merge(Of(0, 2, 3), 3)
	require.True(t, a.IsDefined())
	assert.Equal(t, []common.EntryID{1, 2, 3}, a.IDs())

	a.Merge(Of(0, 4), 3)
	assert.False(t, a.IsDefined())

	b := Of(0, 1)
	b.Merge(NewUndefined(), 100)
	assert.False(t, b.IsDefined())

	u := NewUndefined()
	u.Merge(Of(0, 1), 100)
	assert.False(t, u.IsDefined())
}

func TestBinaryRoundTrip(t *testing.T) {
	for _, s := range []*IDSet{Of(0, 5, 1, 300000), NewUndefined(), NewEmpty()} {
		data, err := s.MarshalBinary()
		require.NoError(t, err)
		var got IDSet
		require.NoError(t, got.UnmarshalBinary(data))
		assert.True(t, s.Equal(&got), "round trip of %s", s)
	}

	var bad IDSet
	assert.ErrorIs(t, bad.UnmarshalBinary(nil), ErrCorrupt)
	assert.ErrorIs(t, bad.UnmarshalBinary([]byte{9}), ErrCorrupt)
	assert.ErrorIs(t, bad.UnmarshalBinary([]byte{flagUndefined, 0}), ErrCorrupt)
}

// The final state depends only on the multiset of ids, never their order.
func TestAddIsOrderIndependent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("permutations agree", prop.ForAll(
		func(ids []uint32, limit int, seed int64) bool {
			forward := NewEmpty()
			for _, id := range ids {
				forward.Add(common.EntryID(id), limit)
			}

			shuffled := append([]uint32(nil), ids...)
			rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			backward := NewEmpty()
			for _, id := range shuffled {
				backward.Add(common.EntryID(id), limit)
			}
			return forward.Equal(backward)
		},
		gen.SliceOf(gen.UInt32Range(0, 64)),
		gen.IntRange(0, 12),
		gen.Int64(),
	))

	properties.Property("undefined is sticky", prop.ForAll(
		func(ids []uint32, limit int) bool {
			s := NewEmpty()
			seenUndefined := false
			for _, id := range ids {
				s.Add(common.EntryID(id), limit)
				if seenUndefined && s.IsDefined() {
					return false
				}
				seenUndefined = !s.IsDefined()
			}
			return true
		},
		gen.SliceOf(gen.UInt32Range(0, 32)),
		gen.IntRange(1, 6),
	))

	properties.TestingRun(t)
}
