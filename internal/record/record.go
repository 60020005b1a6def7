package record

import (
	"sync"

	"github.com/google/uuid"
)

// Record is the capability interface the observation engine requires.
//
// Keys returns the record's own enumerable keys in a stable, meaningful
// order (insertion order for MapRecord). Get reports the value for a key
// and whether the key exists. Extensible reports whether new keys may
// still be added.
//
// Implementations must be pointer-backed: the engine uses the interface
// value as a map key, so the dynamic type has to be comparable.
type Record interface {
	Keys() []string
	Get(key string) (any, bool)
	Extensible() bool
}

// Identified is implemented by records that carry a stable textual
// identity. The change log uses it to attribute persisted change records
// to their source; records without it are simply not persisted.
type Identified interface {
	ID() string
}

// MapRecord is a mutable, insertion-ordered key-value container.
//
// Semantics mirror a plain dynamic object:
//   - Set on a new key appends it in insertion order.
//   - Set on an existing key updates in place, even when sealed.
//   - Set on a new key after PreventExtensions is a silent no-op.
//   - Delete removes the key and frees its position; re-adding the key
//     later places it at the end.
//
// All methods are safe for concurrent use. The scheduler reads a record
// while application code mutates it; the mutex makes each individual
// read/write atomic. Torn multi-key updates between two reads are fine -
// the engine only ever compares full snapshots.
type MapRecord struct {
	mu         sync.Mutex
	id         string
	keys       []string
	values     map[string]any
	extensible bool
}

// NewMapRecord creates an empty, extensible record with a fresh ID.
func NewMapRecord() *MapRecord {
	return &MapRecord{
		id:         uuid.NewString(),
		values:     make(map[string]any),
		extensible: true,
	}
}

// FromMap creates a record seeded with the given entries.
// Keys are inserted in the order given.
func FromMap(keys []string, values map[string]any) *MapRecord {
	r := NewMapRecord()
	for _, k := range keys {
		if v, ok := values[k]; ok {
			r.Set(k, v)
		}
	}
	return r
}

// ID returns the record's stable identity string.
func (r *MapRecord) ID() string {
	return r.id
}

// Keys returns the record's keys in insertion order.
// The returned slice is a copy and safe to retain.
func (r *MapRecord) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Get returns the value for key and whether the key exists.
func (r *MapRecord) Get(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[key]
	return v, ok
}

// Extensible reports whether new keys may be added.
func (r *MapRecord) Extensible() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.extensible
}

// Set writes key to value. Adding a new key to a sealed record does
// nothing; updating an existing key always succeeds. Returns whether the
// write took effect.
func (r *MapRecord) Set(key string, value any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.values[key]; exists {
		r.values[key] = value
		return true
	}
	if !r.extensible {
		return false
	}
	r.keys = append(r.keys, key)
	r.values[key] = value
	return true
}

// Delete removes key. Returns whether the key existed.
// Deletion is allowed on sealed records.
func (r *MapRecord) Delete(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.values[key]; !exists {
		return false
	}
	delete(r.values, key)
	for i, k := range r.keys {
		if k == key {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
	return true
}

// PreventExtensions seals the record: no new keys may be added.
// There is no inverse operation; sealing is one-directional.
func (r *MapRecord) PreventExtensions() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extensible = false
}

// Len returns the number of keys.
func (r *MapRecord) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}
