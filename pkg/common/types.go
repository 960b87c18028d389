package common

import (
	"fmt"
	"strings"
)

// EntryID identifies an imported entry. IDs are assigned by the import
// driver in arrival order and fit the 32-bit id sets.
type EntryID uint32

// Entry is a directory entry as seen by the indexers: a DN plus its
// attribute values. Attribute names are matched case-insensitively.
type Entry struct {
	DN         string
	Attributes map[string][]string
}

// NewEntry 创建一个空属性表的 Entry
func NewEntry(dn string) *Entry {
	return &Entry{DN: dn, Attributes: make(map[string][]string)}
}

// Add appends values to the named attribute.
func (e *Entry) Add(attr string, values ...string) {
	if e.Attributes == nil {
		e.Attributes = make(map[string][]string)
	}
	name := strings.ToLower(attr)
	e.Attributes[name] = append(e.Attributes[name], values...)
}

// Values returns the values of attr, or nil when the entry lacks it.
func (e *Entry) Values(attr string) []string {
	return e.Attributes[strings.ToLower(attr)]
}

// String 方便调试打印
func (e *Entry) String() string {
	return fmt.Sprintf("Entry{DN: %s, Attrs: %d}", e.DN, len(e.Attributes))
}
