package observe

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/objwatch/objwatch/internal/record"
)

// ErrEngineClosed is returned by operations on a closed engine.
var ErrEngineClosed = errors.New("observe: engine closed")

// Sink receives every change record the engine produces, whether diffed
// or synthetic. Implemented by the changelog store. Append failures are
// logged and never fail detection or delivery.
type Sink interface {
	Append(tick int64, recordID string, records []ChangeRecord) error
}

// registration is one (handler, type filter) pair on a record.
// A nil accept set means all types.
type registration struct {
	handler Handler
	accept  map[string]struct{}
}

func (r *registration) accepts(changeType string) bool {
	if r.accept == nil {
		return true
	}
	_, ok := r.accept[changeType]
	return ok
}

// entry is the registry state for one tracked record: its most recent
// snapshot and its registrations in registration order.
type entry struct {
	rec  record.Record
	snap *Snapshot
	regs []*registration
}

// Engine is the observation engine: registry, scheduler, delivery
// queues, and notifier factory in one context object. Independent
// engines share nothing, so tests can run many side by side.
//
// Thread-safety model:
//   - All state is guarded by mu.
//   - Handlers are invoked with mu released; handler code may re-enter
//     any engine operation.
//   - The tick callback and Soon callbacks come from the Clock; with
//     TickerClock they run on their own goroutines, with ManualClock on
//     the test goroutine.
//
// INVARIANTS:
//   - records are processed in the order they entered the registry
//   - registrations on a record keep their registration order
//   - a handler has at most one pending flush at a time
//   - a handler is never invoked concurrently with itself: delivery is
//     serialized per handler even when the Clock runs flushes on
//     separate goroutines
//   - a non-empty queue always has a flush scheduled or in flight
type Engine struct {
	clock   Clock
	log     zerolog.Logger
	metrics *Metrics
	sink    Sink

	mu             sync.Mutex
	tick           int64
	order          []record.Record
	entries        map[record.Record]*entry
	queues         map[Handler]*deliveryQueue
	flushScheduled map[Handler]bool
	flushing       map[Handler]bool
	stopTick       func()
	closed         bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's structured logger.
// The default logger is disabled.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithMetrics sets the engine's metric set.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithSink sets a change log sink receiving every produced record.
func WithSink(s Sink) Option {
	return func(e *Engine) {
		e.sink = s
	}
}

// New creates an engine driven by the given clock.
//
// The engine registers its tick callback on the clock when the first
// record enters the registry and stops it when the registry empties, so
// an idle engine consumes no timer.
func New(clock Clock, opts ...Option) *Engine {
	e := &Engine{
		clock:          clock,
		log:            zerolog.Nop(),
		entries:        make(map[record.Record]*entry),
		queues:         make(map[Handler]*deliveryQueue),
		flushScheduled: make(map[Handler]bool),
		flushing:       make(map[Handler]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Observe registers handler for changes to rec.
//
// acceptTypes limits the change types routed to this registration; none
// means all types. Re-observing with the same handler and record
// replaces the filter in place - there is never more than one
// registration per (handler, record) pair.
//
// The first time a record is observed its baseline snapshot is captured
// synchronously, so properties that existed before observation began
// never fire spurious "add" records.
func (e *Engine) Observe(rec record.Record, handler Handler, acceptTypes ...string) error {
	if rec == nil {
		return invalidArgument("observe", "record must not be nil")
	}
	if handler == nil {
		return invalidArgument("observe", "handler must not be nil")
	}

	var accept map[string]struct{}
	if len(acceptTypes) > 0 {
		accept = make(map[string]struct{}, len(acceptTypes))
		for _, t := range acceptTypes {
			accept[t] = struct{}{}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}

	ent, tracked := e.entries[rec]
	if !tracked {
		ent = &entry{rec: rec, snap: CaptureSnapshot(rec, e.tick)}
		e.entries[rec] = ent
		e.order = append(e.order, rec)
		if e.metrics != nil {
			e.metrics.RecordsTracked.Inc()
		}
		e.startSchedulerLocked()
	}

	for _, reg := range ent.regs {
		if reg.handler == handler {
			reg.accept = accept
			return nil
		}
	}
	ent.regs = append(ent.regs, &registration{handler: handler, accept: accept})
	e.log.Debug().Int("registrations", len(ent.regs)).Msg("handler registered")
	return nil
}

// Unobserve removes handler's registration on rec, if any.
//
// When the last registration on a record is removed, the record leaves
// the registry and its snapshot is discarded. Already-queued change
// records are not retracted; they are delivered on the next flush.
func (e *Engine) Unobserve(rec record.Record, handler Handler) error {
	if rec == nil {
		return invalidArgument("unobserve", "record must not be nil")
	}
	if handler == nil {
		return invalidArgument("unobserve", "handler must not be nil")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}

	ent, tracked := e.entries[rec]
	if !tracked {
		return nil
	}
	for i, reg := range ent.regs {
		if reg.handler == handler {
			ent.regs = append(ent.regs[:i], ent.regs[i+1:]...)
			break
		}
	}
	if len(ent.regs) == 0 {
		e.dropRecordLocked(rec)
	}
	e.pruneQueueLocked(handler)
	return nil
}

// DeliverChangeRecords synchronously drains and returns handler's
// pending queue, without waiting for the asynchronous flush. Returns
// nil when nothing is pending. An already-scheduled asynchronous flush
// for this handler then finds an empty queue and does nothing.
func (e *Engine) DeliverChangeRecords(handler Handler) []ChangeRecord {
	if handler == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[handler]
	if !ok {
		return nil
	}
	delete(e.flushScheduled, handler)
	batch := q.drain()
	e.pruneQueueLocked(handler)
	return batch
}

// Close stops the scheduler and drops all registry and queue state.
// Pending undelivered records are discarded.
func (e *Engine) Close() error {
	e.mu.Lock()
	stop := e.stopTick
	e.stopTick = nil
	e.closed = true
	e.order = nil
	e.entries = make(map[record.Record]*entry)
	e.queues = make(map[Handler]*deliveryQueue)
	e.flushScheduled = make(map[Handler]bool)
	e.flushing = make(map[Handler]bool)
	e.mu.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}

// Tick returns the current logical tick number.
func (e *Engine) Tick() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tick
}

// TrackedRecords returns the number of records in the registry.
func (e *Engine) TrackedRecords() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.order)
}

func (e *Engine) startSchedulerLocked() {
	if e.stopTick != nil {
		return
	}
	e.stopTick = e.clock.OnTick(e.runTick)
	e.log.Info().Msg("scheduler started")
}

// dropRecordLocked removes rec from the registry and stops the
// scheduler when the registry empties.
func (e *Engine) dropRecordLocked(rec record.Record) {
	delete(e.entries, rec)
	for i, r := range e.order {
		if r == rec {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	if e.metrics != nil {
		e.metrics.RecordsTracked.Dec()
	}
	if len(e.order) == 0 && e.stopTick != nil {
		e.stopTick()
		e.stopTick = nil
		e.log.Info().Msg("scheduler idle")
	}
}

// handlerRegisteredLocked reports whether h still holds a registration
// on any tracked record.
func (e *Engine) handlerRegisteredLocked(h Handler) bool {
	for _, ent := range e.entries {
		for _, reg := range ent.regs {
			if reg.handler == h {
				return true
			}
		}
	}
	return false
}

// pruneQueueLocked discards h's queue once it is empty, fully
// delivered, and h holds no registration anywhere. A queue with
// undelivered records is kept until its final drain (the flush epilogue
// and DeliverChangeRecords prune again), so unobserving never retracts
// queued records, and handler churn never leaks queues.
func (e *Engine) pruneQueueLocked(h Handler) {
	q, ok := e.queues[h]
	if !ok || q.len() > 0 || e.flushing[h] {
		return
	}
	if e.handlerRegisteredLocked(h) {
		return
	}
	delete(e.queues, h)
	delete(e.flushScheduled, h)
}

// sinkBatch is one record's produced changes, captured under the lock
// and persisted after it is released.
type sinkBatch struct {
	recordID string
	tick     int64
	changes  []ChangeRecord
}

// runTick is one scheduler pass: snapshot, diff, and route every
// tracked record, then schedule asynchronous flushes for every handler
// whose queue gained records.
func (e *Engine) runTick() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.tick++
	if e.metrics != nil {
		e.metrics.TicksTotal.Inc()
	}

	// Copy: a reentrant Unobserve between ticks must not shift the pass
	// out from under us, and dropped records are skipped via the map.
	recs := make([]record.Record, len(e.order))
	copy(recs, e.order)

	var toFlush []Handler
	var persists []sinkBatch
	for _, rec := range recs {
		ent, tracked := e.entries[rec]
		if !tracked {
			continue
		}
		fresh := CaptureSnapshot(rec, e.tick)
		changes := Diff(ent.snap, fresh, rec)
		ent.snap = fresh
		if len(changes) == 0 {
			continue
		}
		toFlush = e.routeLocked(ent.regs, changes, toFlush)
		if batch := e.sinkBatchLocked(rec, changes); batch != nil {
			persists = append(persists, *batch)
		}
	}
	tick := e.tick
	e.mu.Unlock()

	for _, b := range persists {
		if err := e.sink.Append(b.tick, b.recordID, b.changes); err != nil {
			e.log.Error().Err(err).Str("record", b.recordID).Msg("change log append failed")
		}
	}
	if len(toFlush) > 0 {
		e.log.Debug().Int64("tick", tick).Int("handlers", len(toFlush)).Msg("scheduling flush")
	}
	for _, h := range toFlush {
		h := h
		e.clock.Soon(func() { e.flush(h) })
	}
}

// routeLocked appends each change record to the queue of every
// registration accepting its type, and returns toFlush extended with
// handlers that gained records and need a flush scheduled.
//
// No flush is scheduled for a handler whose delivery is in flight: its
// flush epilogue picks the new records up as a trailing flush, which is
// what keeps per-handler delivery serialized.
func (e *Engine) routeLocked(regs []*registration, changes []ChangeRecord, toFlush []Handler) []Handler {
	for _, cr := range changes {
		if e.metrics != nil {
			e.metrics.ChangesTotal.WithLabelValues(cr.Type).Inc()
		}
		for _, reg := range regs {
			if !reg.accepts(cr.Type) {
				continue
			}
			q, ok := e.queues[reg.handler]
			if !ok {
				q = newDeliveryQueue()
				e.queues[reg.handler] = q
			}
			q.append(cr)
			if !e.flushScheduled[reg.handler] && !e.flushing[reg.handler] {
				e.flushScheduled[reg.handler] = true
				toFlush = append(toFlush, reg.handler)
			}
		}
	}
	return toFlush
}

// sinkBatchLocked prepares a persistable batch for rec's changes, or
// nil when no sink is configured or the record carries no identity.
func (e *Engine) sinkBatchLocked(rec record.Record, changes []ChangeRecord) *sinkBatch {
	if e.sink == nil {
		return nil
	}
	ident, ok := rec.(record.Identified)
	if !ok {
		return nil
	}
	return &sinkBatch{recordID: ident.ID(), tick: e.tick, changes: changes}
}

// enqueueSynthetic routes a notifier-produced record to accepting
// handlers, bypassing the diff, and schedules their flushes.
func (e *Engine) enqueueSynthetic(cr ChangeRecord) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	var toFlush []Handler
	var persist *sinkBatch
	if ent, tracked := e.entries[cr.Object]; tracked {
		toFlush = e.routeLocked(ent.regs, []ChangeRecord{cr}, nil)
		persist = e.sinkBatchLocked(cr.Object, []ChangeRecord{cr})
	}
	e.mu.Unlock()

	if persist != nil {
		if err := e.sink.Append(persist.tick, persist.recordID, persist.changes); err != nil {
			e.log.Error().Err(err).Str("record", persist.recordID).Msg("change log append failed")
		}
	}
	for _, h := range toFlush {
		h := h
		e.clock.Soon(func() { e.flush(h) })
	}
}

// flush delivers one handler's accumulated batch. The queue is swapped
// out under the lock and cleared before invocation, so a handler that
// mutates observed state or notifies during its own invocation feeds
// the next cycle, never the batch in flight. Handler failures are not
// recovered; they propagate to whatever ran the flush.
//
// Delivery is serialized per handler: the flushing mark is held until
// HandleChanges returns, and a flush that finds the handler in flight
// bails out. Records that arrive while the handler runs are picked up
// by the trailing flush the epilogue schedules, so a handler slower
// than the tick interval is invoked with larger batches, never
// concurrently with itself.
func (e *Engine) flush(h Handler) {
	e.mu.Lock()
	// This callback has run; whoever needs another flush must schedule
	// a fresh one.
	delete(e.flushScheduled, h)
	if e.flushing[h] {
		// The in-flight flush's epilogue picks up anything queued.
		e.mu.Unlock()
		return
	}
	e.flushing[h] = true
	var batch []ChangeRecord
	if q, ok := e.queues[h]; ok {
		batch = q.drain()
	}
	e.mu.Unlock()

	// The epilogue runs even when the handler panics, so delivery is
	// not wedged for the rest of the handler's lifetime.
	defer func() {
		e.mu.Lock()
		delete(e.flushing, h)
		trail := false
		if q, ok := e.queues[h]; ok && q.len() > 0 {
			if !e.flushScheduled[h] {
				e.flushScheduled[h] = true
				trail = true
			}
		} else {
			e.pruneQueueLocked(h)
		}
		e.mu.Unlock()
		if trail {
			e.clock.Soon(func() { e.flush(h) })
		}
	}()

	if len(batch) == 0 {
		return
	}
	if e.metrics != nil {
		e.metrics.BatchesTotal.Inc()
	}
	h.HandleChanges(batch)
}
