// Package changelog provides SQLite-backed durable storage for the
// change records an observation engine produces.
//
// The log is append-only: one row per change record, in the order the
// engine produced them. Row IDs are the ordering key; reads always use
// ORDER BY id so replay output is identical across runs.
//
// The store plugs into the engine as its Sink. Only records whose
// source implements record.Identified are persisted; everything else
// is delivered but not logged.
//
// Database configuration follows the usual SQLite single-writer setup:
// WAL mode, NORMAL synchronous, busy timeout, one open connection.
package changelog
