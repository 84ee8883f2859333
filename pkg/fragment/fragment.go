// Package fragment defines the typed state documents that make up a twin
// repository and the store that reads and writes them.
//
// A fragment is one configuration domain's state document: a mapping from
// item key to item attributes. Every fragment exists in two lifecycles:
// desired (edited externally, read-only to the engine, under state/) and
// observed (overwritten wholesale by each snapshot, under live/).
package fragment

import (
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Attrs holds one item's attributes as a flat string mapping. Boolean
// attributes use the literals "true" and "false".
type Attrs map[string]string

// Bool reads a boolean attribute; missing or malformed values read false.
func (a Attrs) Bool(key string) bool {
	return a[key] == "true"
}

// Clone returns a deep copy of the attributes.
func (a Attrs) Clone() Attrs {
	out := make(Attrs, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Equal reports whether two attribute sets are identical.
func (a Attrs) Equal(other Attrs) bool {
	if len(a) != len(other) {
		return false
	}
	for k, v := range a {
		if other[k] != v {
			return false
		}
	}
	return true
}

// Fragment is one domain's state document.
type Fragment struct {
	// Domain names the configuration domain this fragment belongs to.
	Domain string `yaml:"domain"`

	// CollectedAt is when an observed fragment was collected. Zero for
	// desired fragments.
	CollectedAt time.Time `yaml:"collected_at,omitempty"`

	// Stale marks an observed fragment whose last collection failed;
	// the items are the last good collection's.
	Stale bool `yaml:"stale,omitempty"`

	// Items maps item key to item attributes. Keys are unique by
	// construction of the mapping.
	Items map[string]Attrs `yaml:"items"`
}

// New returns an empty fragment for the given domain.
func New(domain string) *Fragment {
	return &Fragment{
		Domain: domain,
		Items:  make(map[string]Attrs),
	}
}

// Keys returns the item keys in sorted order. Diffing iterates fragments
// through this so identical inputs always produce identically ordered
// actions.
func (f *Fragment) Keys() []string {
	keys := make([]string, 0, len(f.Items))
	for k := range f.Items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Item returns the attributes for a key, or nil if absent.
func (f *Fragment) Item(key string) Attrs {
	return f.Items[key]
}

// Set stores attributes under a key.
func (f *Fragment) Set(key string, attrs Attrs) {
	if f.Items == nil {
		f.Items = make(map[string]Attrs)
	}
	f.Items[key] = attrs
}

// Len returns the number of items.
func (f *Fragment) Len() int {
	return len(f.Items)
}

// Equal reports whether two fragments hold identical items. Collection
// metadata (CollectedAt, Stale) is excluded: drift is about content.
func (f *Fragment) Equal(other *Fragment) bool {
	if f.Domain != other.Domain || len(f.Items) != len(other.Items) {
		return false
	}
	for k, attrs := range f.Items {
		o, ok := other.Items[k]
		if !ok || !attrs.Equal(o) {
			return false
		}
	}
	return true
}

// Marshal serializes the fragment to YAML. yaml.v3 emits map keys in
// sorted order, so the output is deterministic for identical content.
func (f *Fragment) Marshal() ([]byte, error) {
	return yaml.Marshal(f)
}

// Unmarshal parses a fragment from YAML.
func Unmarshal(data []byte) (*Fragment, error) {
	var f Fragment
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Items == nil {
		f.Items = make(map[string]Attrs)
	}
	return &f, nil
}
