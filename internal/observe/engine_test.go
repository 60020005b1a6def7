package observe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objwatch/objwatch/internal/record"
)

// collector accumulates delivered batches. Pointer-backed, so it
// doubles as a handler identity in registration tests.
type collector struct {
	mu      sync.Mutex
	batches [][]ChangeRecord
}

func (c *collector) HandleChanges(batch []ChangeRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, batch)
}

func (c *collector) all() []ChangeRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ChangeRecord
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

func (c *collector) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func newTestEngine(t *testing.T) (*Engine, *ManualClock) {
	t.Helper()
	mc := NewManualClock()
	e := New(mc)
	t.Cleanup(func() { _ = e.Close() })
	return e, mc
}

func TestEngine_Observe_NilArguments(t *testing.T) {
	e, _ := newTestEngine(t)
	h := &collector{}

	err := e.Observe(nil, h)
	require.Error(t, err)
	assert.True(t, IsInvalidArgument(err))

	err = e.Observe(record.NewMapRecord(), nil)
	require.Error(t, err)
	assert.True(t, IsInvalidArgument(err))
}

func TestEngine_Observe_NoSpuriousAddsForExistingKeys(t *testing.T) {
	e, mc := newTestEngine(t)
	rec := record.NewMapRecord()
	rec.Set("a", 1)
	h := &collector{}

	require.NoError(t, e.Observe(rec, h))
	mc.Advance()

	assert.Empty(t, h.all(), "keys that existed before observation began must not fire adds")
}

func TestEngine_AddDetectedOnNextTick(t *testing.T) {
	e, mc := newTestEngine(t)
	rec := record.NewMapRecord()
	h := &collector{}
	require.NoError(t, e.Observe(rec, h))

	rec.Set("a", 1)
	mc.Advance()

	got := h.all()
	require.Len(t, got, 1)
	assert.Equal(t, ChangeAdd, got[0].Type)
	assert.Equal(t, "a", got[0].Name)
	assert.Same(t, rec, got[0].Object.(*record.MapRecord))
}

func TestEngine_NoChanges_NoInvocation(t *testing.T) {
	e, mc := newTestEngine(t)
	rec := record.NewMapRecord()
	h := &collector{}
	require.NoError(t, e.Observe(rec, h))

	mc.Advance()
	mc.Advance()

	assert.Zero(t, h.batchCount(), "a handler with an empty queue is never invoked")
}

func TestEngine_FilterLaw(t *testing.T) {
	e, mc := newTestEngine(t)
	rec := record.NewMapRecord()
	rec.Set("a", 1)
	deletesOnly := &collector{}
	everything := &collector{}
	require.NoError(t, e.Observe(rec, deletesOnly, ChangeDelete))
	require.NoError(t, e.Observe(rec, everything))

	rec.Delete("a")
	rec.Set("b", 2)
	mc.Advance()

	got := deletesOnly.all()
	require.Len(t, got, 1, "filtered handler sees only the delete")
	assert.Equal(t, ChangeDelete, got[0].Type)

	assert.Len(t, everything.all(), 2, "unfiltered handler sees both")
}

func TestEngine_RegistrationReplacement(t *testing.T) {
	e, mc := newTestEngine(t)
	rec := record.NewMapRecord()
	h := &collector{}
	require.NoError(t, e.Observe(rec, h, ChangeAdd))
	require.NoError(t, e.Observe(rec, h, ChangeDelete))

	rec.Set("a", 1)
	mc.Advance()
	assert.Empty(t, h.all(), "replaced filter no longer accepts adds")

	rec.Delete("a")
	mc.Advance()
	got := h.all()
	require.Len(t, got, 1, "exactly one registration remains after replacement")
	assert.Equal(t, ChangeDelete, got[0].Type)
}

func TestEngine_OneBatchPerFlushCycle(t *testing.T) {
	e, mc := newTestEngine(t)
	rec := record.NewMapRecord()
	h := &collector{}
	require.NoError(t, e.Observe(rec, h))

	rec.Set("a", 1)
	rec.Set("b", 2)
	mc.Advance()

	require.Equal(t, 1, h.batchCount(), "one invocation per flush, entire queue as one batch")
	assert.Len(t, h.batches[0], 2)
}

func TestEngine_HandlerAggregatesAcrossRecords(t *testing.T) {
	e, mc := newTestEngine(t)
	first := record.NewMapRecord()
	second := record.NewMapRecord()
	h := &collector{}
	require.NoError(t, e.Observe(first, h))
	require.NoError(t, e.Observe(second, h))

	first.Set("a", 1)
	second.Set("b", 2)
	mc.Advance()

	got := h.all()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Name, "records are diffed in registration order")
	assert.Same(t, first, got[0].Object.(*record.MapRecord))
	assert.Equal(t, "b", got[1].Name)
	assert.Same(t, second, got[1].Object.(*record.MapRecord))
	assert.Equal(t, 1, h.batchCount(), "one queue per handler, not per record")
}

func TestEngine_DeliverChangeRecords_DrainsSynchronously(t *testing.T) {
	e, mc := newTestEngine(t)
	rec := record.NewMapRecord()
	h := &collector{}
	require.NoError(t, e.Observe(rec, h))

	rec.Set("a", 1)
	mc.Tick() // routed but not yet flushed

	got := e.DeliverChangeRecords(h)
	require.Len(t, got, 1)
	assert.Equal(t, ChangeAdd, got[0].Type)

	assert.Empty(t, e.DeliverChangeRecords(h), "second drain with no intervening tick is empty")

	mc.Settle()
	assert.Zero(t, h.batchCount(), "the scheduled flush finds an empty queue and does nothing")
}

func TestEngine_DeliverChangeRecords_UnknownHandler(t *testing.T) {
	e, _ := newTestEngine(t)
	assert.Nil(t, e.DeliverChangeRecords(&collector{}))
	assert.Nil(t, e.DeliverChangeRecords(nil))
}

func TestEngine_Unobserve_StopsNotifications(t *testing.T) {
	e, mc := newTestEngine(t)
	rec := record.NewMapRecord()
	h := &collector{}
	require.NoError(t, e.Observe(rec, h))
	require.NoError(t, e.Unobserve(rec, h))

	rec.Set("a", 1)
	mc.Advance()

	assert.Empty(t, h.all())
}

func TestEngine_Unobserve_UnknownPair_NoOp(t *testing.T) {
	e, _ := newTestEngine(t)
	rec := record.NewMapRecord()
	h := &collector{}

	assert.NoError(t, e.Unobserve(rec, h), "unobserving an unknown pair is a no-op")

	require.NoError(t, e.Observe(rec, h))
	assert.NoError(t, e.Unobserve(rec, &collector{}), "wrong handler is a no-op too")
	assert.Equal(t, 1, e.TrackedRecords(), "record stays tracked for the remaining registration")
}

func TestEngine_SchedulerLifecycle(t *testing.T) {
	e, mc := newTestEngine(t)
	rec := record.NewMapRecord()
	h := &collector{}

	assert.True(t, mc.Stopped(), "no registrations, no timer")

	require.NoError(t, e.Observe(rec, h))
	assert.False(t, mc.Stopped(), "first observation starts the scheduler")

	require.NoError(t, e.Unobserve(rec, h))
	assert.True(t, mc.Stopped(), "empty registry idles the scheduler")

	require.NoError(t, e.Observe(rec, h))
	assert.False(t, mc.Stopped(), "re-observing restarts it")
}

func TestEngine_UnobserveDoesNotRetractQueued(t *testing.T) {
	e, mc := newTestEngine(t)
	rec := record.NewMapRecord()
	h := &collector{}
	require.NoError(t, e.Observe(rec, h))

	rec.Set("a", 1)
	mc.Tick()
	require.NoError(t, e.Unobserve(rec, h))
	mc.Settle()

	assert.Len(t, h.all(), 1, "already-queued records are still delivered")
}

func TestEngine_HandlerMutationDiffedNextTick(t *testing.T) {
	e, mc := newTestEngine(t)
	rec := record.NewMapRecord()
	var h Handler
	h = HandlerFunc(func(batch []ChangeRecord) {
		// First delivery: react by writing another key.
		if _, ok := rec.Get("b"); !ok {
			rec.Set("b", 2)
		}
	})
	seen := &collector{}
	require.NoError(t, e.Observe(rec, h))
	require.NoError(t, e.Observe(rec, seen))

	rec.Set("a", 1)
	mc.Advance()
	require.Len(t, seen.all(), 1, "the reactive write is not visible within the same cycle")

	mc.Advance()
	got := seen.all()
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[1].Name, "the write made during delivery is diffed on the next tick")
}

func TestEngine_ReentrantObserveDuringFlush(t *testing.T) {
	e, mc := newTestEngine(t)
	rec := record.NewMapRecord()
	other := record.NewMapRecord()
	other.Set("x", 1)
	late := &collector{}

	h := HandlerFunc(func(batch []ChangeRecord) {
		require.NoError(t, e.Observe(other, late))
	})
	require.NoError(t, e.Observe(rec, h))

	rec.Set("a", 1)
	mc.Advance()

	other.Set("y", 2)
	mc.Advance()

	got := late.all()
	require.Len(t, got, 1, "registration made mid-flush is live from the next tick")
	assert.Equal(t, "y", got[0].Name)
}

func TestEngine_SlowHandlerNeverOverlapsItself(t *testing.T) {
	e := New(NewTickerClock(2 * time.Millisecond))
	t.Cleanup(func() { _ = e.Close() })
	rec := record.NewMapRecord()

	var inFlight, maxInFlight, batches atomic.Int64
	h := HandlerFunc(func(batch []ChangeRecord) {
		n := inFlight.Add(1)
		for {
			seen := maxInFlight.Load()
			if n <= seen || maxInFlight.CompareAndSwap(seen, n) {
				break
			}
		}
		// Slower than the tick interval, so flushes pile up behind it.
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		batches.Add(1)
	})
	require.NoError(t, e.Observe(rec, h))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			rec.Set("k", i)
			time.Sleep(time.Millisecond)
		}
	}()

	deadline := time.After(2 * time.Second)
	for batches.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d batches delivered before deadline", batches.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, int64(1), maxInFlight.Load(),
		"a handler slower than the tick interval gets larger batches, never concurrent invocations")
}

func TestEngine_NotifyDuringOwnFlush_TrailingBatch(t *testing.T) {
	e, mc := newTestEngine(t)
	rec := record.NewMapRecord()

	seen := &collector{}
	var n *Notifier
	h := HandlerFunc(func(batch []ChangeRecord) {
		seen.HandleChanges(batch)
		if seen.batchCount() == 1 {
			require.NoError(t, n.Notify(ChangeRecord{Type: "followup"}))
		}
	})
	require.NoError(t, e.Observe(rec, h))
	var err error
	n, err = e.Notifier(rec)
	require.NoError(t, err)

	rec.Set("a", 1)
	mc.Advance()

	require.Equal(t, 2, seen.batchCount(), "records queued mid-delivery arrive as a separate trailing batch")
	assert.Equal(t, ChangeAdd, seen.batches[0][0].Type)
	assert.Equal(t, "followup", seen.batches[1][0].Type)
}

func TestEngine_QueuePrunedAfterLastUnobserve(t *testing.T) {
	e, mc := newTestEngine(t)
	rec := record.NewMapRecord()
	h := &collector{}
	require.NoError(t, e.Observe(rec, h))

	rec.Set("a", 1)
	mc.Advance()
	require.Len(t, h.all(), 1)

	e.mu.Lock()
	_, ok := e.queues[h]
	e.mu.Unlock()
	require.True(t, ok, "the queue lives while the handler is registered")

	require.NoError(t, e.Unobserve(rec, h))

	e.mu.Lock()
	_, ok = e.queues[h]
	marks := len(e.flushScheduled)
	e.mu.Unlock()
	assert.False(t, ok, "the last unobserve discards the drained queue")
	assert.Zero(t, marks)
}

func TestEngine_QueuePrunedAfterFinalFlush(t *testing.T) {
	e, mc := newTestEngine(t)
	rec := record.NewMapRecord()
	h := &collector{}
	require.NoError(t, e.Observe(rec, h))

	rec.Set("a", 1)
	mc.Tick()
	require.NoError(t, e.Unobserve(rec, h))

	e.mu.Lock()
	_, ok := e.queues[h]
	e.mu.Unlock()
	require.True(t, ok, "undelivered records keep the queue alive past unobserve")

	mc.Settle()
	assert.Len(t, h.all(), 1)

	e.mu.Lock()
	_, ok = e.queues[h]
	e.mu.Unlock()
	assert.False(t, ok, "the final flush discards the queue")
}

func TestEngine_DeliverChangeRecords_PrunesAfterFinalDrain(t *testing.T) {
	e, mc := newTestEngine(t)
	rec := record.NewMapRecord()
	h := &collector{}
	require.NoError(t, e.Observe(rec, h))

	rec.Set("a", 1)
	mc.Tick()
	require.NoError(t, e.Unobserve(rec, h))

	got := e.DeliverChangeRecords(h)
	require.Len(t, got, 1)

	e.mu.Lock()
	_, ok := e.queues[h]
	e.mu.Unlock()
	assert.False(t, ok, "the synchronous drain discards the queue")

	mc.Settle()
	assert.Zero(t, h.batchCount(), "the already-scheduled flush finds nothing to do")
}

func TestEngine_QueueKeptWhileRegisteredElsewhere(t *testing.T) {
	e, mc := newTestEngine(t)
	first := record.NewMapRecord()
	second := record.NewMapRecord()
	h := &collector{}
	require.NoError(t, e.Observe(first, h))
	require.NoError(t, e.Observe(second, h))

	first.Set("a", 1)
	mc.Advance()
	require.NoError(t, e.Unobserve(first, h))

	e.mu.Lock()
	_, ok := e.queues[h]
	e.mu.Unlock()
	assert.True(t, ok, "the queue survives while another registration remains")
}

func TestEngine_HandlerChurnLeavesNoQueuesBehind(t *testing.T) {
	e, mc := newTestEngine(t)
	rec := record.NewMapRecord()

	for i := 0; i < 50; i++ {
		h := HandlerFunc(func([]ChangeRecord) {})
		require.NoError(t, e.Observe(rec, h))
		rec.Set("k", i)
		mc.Advance()
		require.NoError(t, e.Unobserve(rec, h))
	}

	e.mu.Lock()
	queues := len(e.queues)
	marks := len(e.flushScheduled)
	e.mu.Unlock()
	assert.Zero(t, queues, "unobserved handlers leave no queue behind")
	assert.Zero(t, marks)
}

func TestEngine_ClosedEngineRejectsOperations(t *testing.T) {
	mc := NewManualClock()
	e := New(mc)
	rec := record.NewMapRecord()
	h := &collector{}
	require.NoError(t, e.Observe(rec, h))
	require.NoError(t, e.Close())

	assert.ErrorIs(t, e.Observe(rec, h), ErrEngineClosed)
	assert.ErrorIs(t, e.Unobserve(rec, h), ErrEngineClosed)
	assert.True(t, mc.Stopped(), "closing stops the scheduler")
}

func TestEngine_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	mc := NewManualClock()
	e := New(mc, WithMetrics(NewMetrics(reg)))
	t.Cleanup(func() { _ = e.Close() })

	rec := record.NewMapRecord()
	h := &collector{}
	require.NoError(t, e.Observe(rec, h))
	rec.Set("a", 1)
	mc.Advance()

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := map[string]float64{}
	for _, mf := range families {
		total := 0.0
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil {
				total += m.GetCounter().GetValue()
			}
			if m.GetGauge() != nil {
				total += m.GetGauge().GetValue()
			}
		}
		byName[mf.GetName()] = total
	}

	assert.Equal(t, 1.0, byName["objwatch_engine_ticks_total"])
	assert.Equal(t, 1.0, byName["objwatch_engine_changes_total"])
	assert.Equal(t, 1.0, byName["objwatch_engine_batches_delivered_total"])
	assert.Equal(t, 1.0, byName["objwatch_engine_records_tracked"])
}
