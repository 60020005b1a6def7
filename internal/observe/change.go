package observe

import "github.com/objwatch/objwatch/internal/record"

// Built-in change record types produced by the diff pass.
// Notifier callers may use any other non-empty string as a custom type.
const (
	ChangeAdd               = "add"
	ChangeUpdate            = "update"
	ChangeDelete            = "delete"
	ChangePreventExtensions = "preventExtensions"
)

// ChangeRecord is one reported mutation event.
//
// Name is empty for preventExtensions and may be empty for custom types.
// OldValue is set only for update and delete. Extra carries the addendum
// fields of a synthetic record produced by Notifier.PerformChange.
//
// ChangeRecords are immutable once produced; the engine hands the same
// values to every accepting handler.
type ChangeRecord struct {
	Type     string         `json:"type"`
	Name     string         `json:"name,omitempty"`
	Object   record.Record  `json:"-"`
	OldValue any            `json:"oldValue,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// Handler receives batches of change records.
//
// Implementations must be pointer-backed: the engine keys delivery
// queues and registrations on the interface value, and re-registering
// the same handler replaces its filter rather than duplicating it.
// A batch is always non-empty and ordered; the handler owns the slice.
type Handler interface {
	HandleChanges(batch []ChangeRecord)
}

type funcHandler struct {
	fn func(batch []ChangeRecord)
}

func (h *funcHandler) HandleChanges(batch []ChangeRecord) {
	h.fn(batch)
}

// HandlerFunc wraps a plain function in a Handler with its own identity.
// Each call returns a distinct handler, even for the same function.
func HandlerFunc(fn func(batch []ChangeRecord)) Handler {
	return &funcHandler{fn: fn}
}
