package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// fileRecord exposes a JSON file's top-level object as an observable
// record. Each Keys call re-reads the file, so a scheduler pass sees
// the file's state at the instant the pass started.
//
// JSON objects carry no usable key order, so keys enumerate in lexical
// order; the order is stable, which is all the diff needs. A file that
// is momentarily unreadable or invalid keeps the last good state, so a
// half-written save does not read as mass deletion.
type fileRecord struct {
	mu     sync.Mutex
	path   string
	keys   []string
	values map[string]any
}

func newFileRecord(path string) (*fileRecord, error) {
	r := &fileRecord{path: path, values: make(map[string]any)}
	if err := r.reload(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return r, nil
}

func (r *fileRecord) reload() error {
	b, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}
	var parsed map[string]any
	if err := json.Unmarshal(b, &parsed); err != nil {
		return err
	}
	keys := make([]string, 0, len(parsed))
	for k, v := range parsed {
		keys = append(keys, k)
		// Composite values are held as their JSON text: the diff uses
		// strict identity, and a freshly decoded map would read as a
		// new value every tick even when the subtree never changed.
		switch v.(type) {
		case map[string]any, []any:
			b, err := json.Marshal(v)
			if err != nil {
				return err
			}
			parsed[k] = string(b)
		}
	}
	sort.Strings(keys)

	r.mu.Lock()
	r.keys = keys
	r.values = parsed
	r.mu.Unlock()
	return nil
}

// ID returns the watched path; the change log attributes entries to it.
func (r *fileRecord) ID() string {
	return r.path
}

func (r *fileRecord) Keys() []string {
	// Refresh first; errors keep the previous state.
	_ = r.reload()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

func (r *fileRecord) Get(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[key]
	return v, ok
}

// Extensible is always true for a file: keys can always be added.
func (r *fileRecord) Extensible() bool {
	return true
}
