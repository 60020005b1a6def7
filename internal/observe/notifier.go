package observe

import "github.com/objwatch/objwatch/internal/record"

// Notifier is a per-record capability for injecting synthetic change
// records outside the polling cycle. Application code that performs a
// higher-level operation (a sort, a batch import) can report it as one
// semantic change instead of the raw key-level churn the diff would see.
type Notifier struct {
	engine *Engine
	rec    record.Record
}

// Notifier returns a notifier bound to rec.
//
// Fails with InvalidArgument when rec is nil or sealed - a record that
// accepts no new keys accepts no new instrumentation either. The record
// does not have to be observed yet; notifications on a record with no
// registrations quietly go nowhere.
func (e *Engine) Notifier(rec record.Record) (*Notifier, error) {
	if rec == nil {
		return nil, invalidArgument("notifier", "record must not be nil")
	}
	if !rec.Extensible() {
		return nil, invalidArgument("notifier", "record is not extensible")
	}
	return &Notifier{engine: e, rec: rec}, nil
}

// Notify enqueues cr directly onto the delivery queue of every handler
// whose registration accepts cr.Type, bypassing the diff entirely.
//
// The record identity is force-set to the notifier's bound record;
// whatever cr.Object held is ignored. The type must be non-empty.
// Callers normally use a custom type string; synthesizing one of the
// built-in types is allowed but on the caller's head.
func (n *Notifier) Notify(cr ChangeRecord) error {
	if cr.Type == "" {
		return invalidArgument("notify", "change type must not be empty")
	}
	cr.Object = n.rec
	n.engine.enqueueSynthetic(cr)
	return nil
}

// PerformChange runs body and, if it succeeds, enqueues exactly one
// record of changeType summarizing the net effect. The map returned by
// body is handed back to the caller and rides along as the record's
// Extra fields.
//
// body may itself call Notify; those records are delivered as usual to
// other observers, so raw detail and the one-record summary coexist.
// If body fails, nothing is enqueued and the error is returned.
func (n *Notifier) PerformChange(changeType string, body func() (map[string]any, error)) (map[string]any, error) {
	if changeType == "" {
		return nil, invalidArgument("performChange", "change type must not be empty")
	}
	if body == nil {
		return nil, invalidArgument("performChange", "body must not be nil")
	}
	extra, err := body()
	if err != nil {
		return nil, err
	}
	n.engine.enqueueSynthetic(ChangeRecord{Type: changeType, Object: n.rec, Extra: extra})
	return extra, nil
}
