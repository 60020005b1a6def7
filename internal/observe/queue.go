package observe

import "github.com/eapache/queue"

// deliveryQueue is one handler's ordered buffer of pending change
// records. One queue aggregates records from every record the handler
// observes, in the chronological order they were produced.
//
// The queue is not self-synchronizing; the engine only touches it under
// its own lock. Drain swaps the backing ring buffer out, so records
// enqueued after the swap (by a handler notifying during its own flush)
// land in a fresh queue and are delivered by a later flush, never
// spliced into the batch already captured.
type deliveryQueue struct {
	q *queue.Queue
}

func newDeliveryQueue() *deliveryQueue {
	return &deliveryQueue{q: queue.New()}
}

// append adds one change record at the back.
func (d *deliveryQueue) append(cr ChangeRecord) {
	d.q.Add(cr)
}

// drain removes and returns every queued record in order.
// Returns nil when the queue is empty.
func (d *deliveryQueue) drain() []ChangeRecord {
	n := d.q.Length()
	if n == 0 {
		return nil
	}
	out := make([]ChangeRecord, 0, n)
	old := d.q
	d.q = queue.New()
	for old.Length() > 0 {
		out = append(out, old.Remove().(ChangeRecord))
	}
	return out
}

// len returns the number of queued records.
func (d *deliveryQueue) len() int {
	return d.q.Length()
}
