package observe

import (
	"reflect"

	"github.com/objwatch/objwatch/internal/record"
)

// Diff compares two snapshots of the same record and returns the change
// records describing the net difference, in fixed phase order:
//
//  1. Add/update phase: new snapshot's keys in enumeration order.
//     Keys absent from the old snapshot emit "add"; keys present in both
//     with a non-identical value emit "update" carrying the old value.
//  2. Delete phase: old snapshot's keys in their original order; keys
//     absent from the new snapshot emit "delete" carrying the old value.
//  3. Extensibility phase: extensible-to-sealed emits "preventExtensions".
//     The reverse transition emits nothing; sealing is one-directional.
//
// The phase order is externally observable and part of the contract:
// within one pass, all adds and updates precede all deletes, regardless
// of the order mutations were actually applied.
//
// Diff is a pure function. Diffing a snapshot against itself yields nil.
func Diff(oldSnap, newSnap *Snapshot, obj record.Record) []ChangeRecord {
	var out []ChangeRecord

	for _, key := range newSnap.Keys() {
		newVal, _ := newSnap.Value(key)
		oldVal, existed := oldSnap.Value(key)
		if !existed {
			out = append(out, ChangeRecord{Type: ChangeAdd, Name: key, Object: obj})
			continue
		}
		if !sameValue(oldVal, newVal) {
			out = append(out, ChangeRecord{Type: ChangeUpdate, Name: key, Object: obj, OldValue: oldVal})
		}
	}

	for _, key := range oldSnap.Keys() {
		if _, present := newSnap.Value(key); !present {
			oldVal, _ := oldSnap.Value(key)
			out = append(out, ChangeRecord{Type: ChangeDelete, Name: key, Object: obj, OldValue: oldVal})
		}
	}

	if oldSnap.Extensible() && !newSnap.Extensible() {
		out = append(out, ChangeRecord{Type: ChangePreventExtensions, Object: obj})
	}

	return out
}

// sameValue is strict identity, not deep equality.
//
// Values of different dynamic types are never identical. Comparable
// values compare with ==. Reference kinds (slice, map, func) are
// identical only when they share a header pointer - a slice whose
// contents changed in place is still the same value, which matches the
// detection model: the engine snapshots references, not structure.
func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		return a == b
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	switch va.Kind() {
	case reflect.Slice, reflect.Map, reflect.Func:
		return va.Pointer() == vb.Pointer()
	}
	return false
}
