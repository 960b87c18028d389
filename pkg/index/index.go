package index

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"bulkindex/pkg/common"
)

// ID is the stable discriminant of a registered index. It breaks ordering
// ties between indexes that emit identical key bytes.
type ID uint32

// Kind selects the key extractor of an index.
type Kind string

const (
	Equality  Kind = "equality"
	Presence  Kind = "presence"
	Substring Kind = "substring"
	Ordering  Kind = "ordering"
)

// DefaultSubstringLength is the window used by substring indexes.
const DefaultSubstringLength = 6

var (
	ErrDuplicateIndex = errors.New("index: duplicate name")
	ErrUnknownKind    = errors.New("index: unknown kind")
)

// Index is one attribute index fed by the import. It is immutable once
// registered.
type Index struct {
	id         ID
	name       string
	attribute  string
	kind       Kind
	entryLimit int
	indexer    Indexer
}

func (ix *Index) ID() ID { return ix.id }
func (ix *Index) Name() string { return ix.name }
func (ix *Index) Attribute() string { return ix.attribute }
func (ix *Index) Kind() Kind { return ix.kind }
func (ix *Index) EntryLimit() int { return ix.entryLimit }
func (ix *Index) String() string { return fmt.Sprintf("%s#%d", ix.name, ix.id) }

// Keys extracts the deduplicated key set the entry contributes to this
// index.
func (ix *Index) Keys(e *common.Entry) [][]byte {
	set := make(map[string]struct{})
	ix.indexer.IndexEntry(e, set)
	keys := make([][]byte, 0, len(set))
	for k := range set {
		keys = append(keys, []byte(k))
	}
	return keys
}

type Option func(*options)

type options struct {
	substringLength int
	indexer         Indexer
}

// WithSubstringLength overrides DefaultSubstringLength for substring indexes.
func WithSubstringLength(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.substringLength = n
		}
	}
}

// WithIndexer replaces the kind's built-in extractor.
func WithIndexer(ixr Indexer) Option {
	return func(o *options) {
		o.indexer = ixr
	}
}

// Registry hands out index IDs in registration order, starting at 1.
type Registry struct {
	mu     sync.RWMutex
	next   ID
	byID   map[ID]*Index
	byName map[string]*Index
}

func NewRegistry() *Registry {
	return &Registry{
		next:   1,
		byID:   make(map[ID]*Index),
		byName: make(map[string]*Index),
	}
}

// Name is the canonical index name for an attribute and kind.
func Name(attribute string, kind Kind) string {
	return strings.ToLower(attribute) + "." + string(kind)
}

func (r *Registry) Register(attribute string, kind Kind, entryLimit int, opts ...Option) (*Index, error) {
	o := options{substringLength: DefaultSubstringLength}
	for _, opt := range opts {
		opt(&o)
	}

	attr := strings.ToLower(strings.TrimSpace(attribute))
	ixr := o.indexer
	if ixr == nil {
		var err error
		ixr, err = newIndexer(kind, attr, o.substringLength)
		if err != nil {
			return nil, err
		}
	}

	name := Name(attr, kind)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateIndex, name)
	}
	ix := &Index{
		id:         r.next,
		name:       name,
		attribute:  attr,
		kind:       kind,
		entryLimit: entryLimit,
		indexer:    ixr,
	}
	r.next++
	r.byID[ix.id] = ix
	r.byName[name] = ix
	return ix, nil
}

func (r *Registry) Lookup(id ID) (*Index, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ix, ok := r.byID[id]
	return ix, ok
}

func (r *Registry) ByName(name string) (*Index, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ix, ok := r.byName[strings.ToLower(name)]
	return ix, ok
}

// All returns the registered indexes ordered by ID.
func (r *Registry) All() []*Index {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Index, 0, len(r.byID))
	for _, ix := range r.byID {
		out = append(out, ix)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
