package observe

import "github.com/objwatch/objwatch/internal/record"

// Snapshot is an immutable capture of a record's own keys, their values,
// and its extensibility flag at one tick.
//
// A snapshot is owned by the registry entry for its record and is
// superseded, never mutated, on each tick. The keys slice and values map
// are private copies taken at capture time; later mutations of the
// record cannot reach into an existing snapshot.
type Snapshot struct {
	keys       []string
	values     map[string]any
	extensible bool
	tick       int64
}

// CaptureSnapshot reads rec through the Record capability interface and
// freezes its current state, stamped with the given tick.
//
// Keys are read first, then each value. A record mutated concurrently
// with capture may yield a key with no value; such keys are dropped,
// which reads as the key not existing at this instant.
func CaptureSnapshot(rec record.Record, tick int64) *Snapshot {
	keys := rec.Keys()
	s := &Snapshot{
		keys:       make([]string, 0, len(keys)),
		values:     make(map[string]any, len(keys)),
		extensible: rec.Extensible(),
		tick:       tick,
	}
	for _, k := range keys {
		v, ok := rec.Get(k)
		if !ok {
			continue
		}
		s.keys = append(s.keys, k)
		s.values[k] = v
	}
	return s
}

// Keys returns the captured keys in their enumeration order.
// The returned slice must not be modified.
func (s *Snapshot) Keys() []string {
	return s.keys
}

// Value returns the captured value for key and whether the key existed.
func (s *Snapshot) Value(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Extensible reports the captured extensibility flag.
func (s *Snapshot) Extensible() bool {
	return s.extensible
}

// Tick returns the logical tick the snapshot was captured at.
func (s *Snapshot) Tick() int64 {
	return s.tick
}
