// Package observe implements the snapshot-diff observation engine.
//
// The host environment gives us no way to intercept a mutation at the
// moment it happens, so the engine detects mutations after the fact:
// it keeps a snapshot of every observed record and, on each scheduler
// tick, captures a fresh snapshot, diffs the two, and routes the
// resulting change records to registered handlers.
//
// ARCHITECTURE:
//
// Single logical writer:
// All registry and queue state lives in one Engine instance and is
// guarded by one mutex. Ticks, routing, and queue swaps happen under
// the lock; handlers are always invoked outside it, so handler code may
// re-enter the engine (Observe, Unobserve, Notify, DeliverChangeRecords)
// and the call simply takes effect for the next tick or flush.
//
// Tick processing flow:
//  1. The Clock fires the tick callback.
//  2. For every tracked record, in registration order: capture a fresh
//     snapshot, diff it against the stored one, route each change record
//     to every registration whose type filter accepts it, then replace
//     the stored snapshot.
//  3. Each handler with a non-empty queue is scheduled for one
//     asynchronous flush via Clock.Soon.
//  4. The flush swaps the handler's queue for an empty one and invokes
//     the handler with the captured batch. Delivery is serialized per
//     handler: records arriving while it runs wait for one trailing
//     flush, so a handler is never invoked concurrently with itself.
//
// Notifier writes skip the diff entirely and go straight to the queues
// of accepting handlers (step 3 onward).
//
// DETERMINISM:
// Records are processed in the order they entered the registry and
// registrations in the order they were made, so the interleaving of
// change records inside a handler's batch is reproducible. Tests drive
// the engine with ManualClock, which runs ticks and flushes
// synchronously; nothing in the core depends on wall time.
//
// What the engine cannot see, it does not report: two mutations of the
// same key that cancel out between ticks produce nothing, and only the
// net difference between consecutive snapshots is ever reported.
package observe
