// Package metadata stores stream tags: a mapping from a case-insensitive
// key to an ordered list of values. Duplicate values are allowed and
// insertion order is preserved within a key.
package metadata

import (
	"strings"
	"sync"

	"github.com/CoolMicApp/libcoolmic-dsp/pkg/dsp"
)

// slotIncrement is how many slots are added when a slab grows.
const slotIncrement = 8

// A freed value slot is nil-marked with an empty string plus a used flag;
// keeping the slot bounds memory when clients churn the same keys.
type value struct {
	data string
	used bool
}

type tag struct {
	key       string // empty = free slot
	values    []value
	iterValue int
}

// Metadata is a mutable multi-valued tag store. All methods are safe for
// concurrent use; iteration pins the internal lock.
type Metadata struct {
	mu      sync.Mutex
	tags    []tag
	iterTag int
}

// New creates an empty store.
func New() *Metadata {
	return &Metadata{}
}

// findOrAddTag returns the slot for key, reusing a free slot or growing
// the slab by slotIncrement when none is available. Caller holds the lock.
func (m *Metadata) findOrAddTag(key string) *tag {
	free := -1
	for i := range m.tags {
		if m.tags[i].key == "" {
			if free == -1 {
				free = i
			}
			continue
		}
		if strings.EqualFold(m.tags[i].key, key) {
			return &m.tags[i]
		}
	}

	if free == -1 {
		free = len(m.tags)
		m.tags = append(m.tags, make([]tag, slotIncrement)...)
	}
	m.tags[free] = tag{key: key}
	return &m.tags[free]
}

func (t *tag) addValue(v string) {
	for i := range t.values {
		if !t.values[i].used {
			t.values[i] = value{data: v, used: true}
			return
		}
	}
	t.values = append(t.values, make([]value, slotIncrement)...)
	t.values[len(t.values)-slotIncrement] = value{data: v, used: true}
}

func (t *tag) clearValues() {
	for i := range t.values {
		t.values[i] = value{}
	}
}

// Add appends a value to the given key.
func (m *Metadata) Add(key, val string) error {
	if m == nil {
		return dsp.ErrFault
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findOrAddTag(key).addValue(val)
	return nil
}

// Set replaces all values of the given key with the single value. It is
// equivalent to Remove followed by Add.
func (m *Metadata) Set(key, val string) error {
	if m == nil {
		return dsp.ErrFault
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.findOrAddTag(key)
	t.clearValues()
	t.addValue(val)
	return nil
}

// Remove clears all values of the given key. The key slot is kept and
// reused by later Add or Set calls.
func (m *Metadata) Remove(key string) error {
	if m == nil {
		return dsp.ErrFault
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tags {
		if m.tags[i].key != "" && strings.EqualFold(m.tags[i].key, key) {
			m.tags[i].clearValues()
			return nil
		}
	}
	return nil
}

// AddToComment walks all (key, value) pairs in slot order and invokes
// add once per pair. It is used to populate codec comment headers.
func (m *Metadata) AddToComment(add func(key, value string)) error {
	if m == nil {
		return dsp.ErrFault
	}
	if add == nil {
		return dsp.ErrFault
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tags {
		t := &m.tags[i]
		if t.key == "" {
			continue
		}
		for j := range t.values {
			if t.values[j].used {
				add(t.key, t.values[j].data)
			}
		}
	}
	return nil
}

// ForEach is the borrow-scoped form of iteration: fn runs for every
// (key, value) pair with the lock held for the whole walk.
func (m *Metadata) ForEach(fn func(key, value string)) error {
	return m.AddToComment(fn)
}

// Iterator walks the store tag by tag. The store lock is held from Iter
// until End; no other method may be called on the store in between from
// the same goroutine.
type Iterator struct {
	m *Metadata
}

// Tag is one key with its values, yielded during iteration.
type Tag struct {
	t *tag
}

// Iter starts an iteration and pins the store lock.
func (m *Metadata) Iter() *Iterator {
	m.mu.Lock()
	m.iterTag = 0
	return &Iterator{m: m}
}

// NextTag returns the next used tag slot, or nil when done.
func (it *Iterator) NextTag() *Tag {
	m := it.m
	for ; m.iterTag < len(m.tags); m.iterTag++ {
		if m.tags[m.iterTag].key != "" {
			t := &m.tags[m.iterTag]
			t.iterValue = 0
			m.iterTag++
			return &Tag{t: t}
		}
	}
	return nil
}

// Rewind restarts the iteration from the first tag.
func (it *Iterator) Rewind() {
	it.m.iterTag = 0
}

// End finishes the iteration and releases the store lock.
func (it *Iterator) End() {
	it.m.mu.Unlock()
}

// Key returns the tag's key.
func (t *Tag) Key() string { return t.t.key }

// NextValue returns the tag's next value; ok is false when exhausted.
func (t *Tag) NextValue() (val string, ok bool) {
	for ; t.t.iterValue < len(t.t.values); t.t.iterValue++ {
		if t.t.values[t.t.iterValue].used {
			v := t.t.values[t.t.iterValue].data
			t.t.iterValue++
			return v, true
		}
	}
	return "", false
}
