package index

import (
	"fmt"
	"strconv"
	"strings"

	"bulkindex/pkg/common"
)

// Indexer adds the keys an entry contributes to keys.
type Indexer interface {
	IndexEntry(e *common.Entry, keys map[string]struct{})
}

// IndexerFunc adapts a plain function to Indexer.
type IndexerFunc func(e *common.Entry, keys map[string]struct{})

func (f IndexerFunc) IndexEntry(e *common.Entry, keys map[string]struct{}) { f(e, keys) }

// presenceKey is the single key of a presence index.
const presenceKey = "+"

// orderingWidth zero-pads integer values so byte order follows numeric order.
const orderingWidth = 20

func newIndexer(kind Kind, attr string, substringLength int) (Indexer, error) {
	switch kind {
	case Equality:
		return equalityIndexer{attr: attr}, nil
	case Presence:
		return presenceIndexer{attr: attr}, nil
	case Substring:
		return substringIndexer{attr: attr, length: substringLength}, nil
	case Ordering:
		return orderingIndexer{attr: attr}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Normalize trims, collapses inner whitespace and lowercases a value.
func Normalize(v string) string {
	return strings.ToLower(strings.Join(strings.Fields(v), " "))
}

type equalityIndexer struct{ attr string }

func (x equalityIndexer) IndexEntry(e *common.Entry, keys map[string]struct{}) {
	for _, v := range e.Values(x.attr) {
		if n := Normalize(v); n != "" {
			keys[n] = struct{}{}
		}
	}
}

type presenceIndexer struct{ attr string }

func (x presenceIndexer) IndexEntry(e *common.Entry, keys map[string]struct{}) {
	if len(e.Values(x.attr)) > 0 {
		keys[presenceKey] = struct{}{}
	}
}

type substringIndexer struct {
	attr   string
	length int
}

func (x substringIndexer) IndexEntry(e *common.Entry, keys map[string]struct{}) {
	for _, v := range e.Values(x.attr) {
		n := Normalize(v)
		if n == "" {
			continue
		}
		if len(n) <= x.length {
			keys[n] = struct{}{}
			continue
		}
		for i := 0; i+x.length <= len(n); i++ {
			keys[n[i:i+x.length]] = struct{}{}
		}
	}
}

type orderingIndexer struct{ attr string }

func (x orderingIndexer) IndexEntry(e *common.Entry, keys map[string]struct{}) {
	for _, v := range e.Values(x.attr) {
		n := Normalize(v)
		if n == "" {
			continue
		}
		if u, err := strconv.ParseUint(n, 10, 64); err == nil {
			n = fmt.Sprintf("%0*d", orderingWidth, u)
		}
		keys[n] = struct{}{}
	}
}
