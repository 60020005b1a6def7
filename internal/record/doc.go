// Package record defines the container abstraction observed by the engine.
//
// The engine never depends on a concrete container type. It sees records
// through the Record capability interface: an ordered set of own keys,
// a value per key, and an extensibility flag. Any container that can
// enumerate itself this way can be observed.
//
// Record identity is reference identity: the engine keys its registry on
// the Record interface value, so implementations must be pointer-backed
// (a *MapRecord, a *T wrapping some external state). Two snapshots belong
// to "the same record" exactly when they were captured from the same
// pointer.
//
// MapRecord is the canonical implementation: a mutable, insertion-ordered
// key-value container with JavaScript-object-like semantics (adding a key
// to a sealed record silently does nothing; updating an existing key is
// always allowed).
package record
