// Package observer implements versioned read-models: per-model
// (version, snapshot) pairs updated on every bus envelope and served over
// HTTP with weak-ETag/If-None-Match semantics. Each update bumps the
// version at once; the update notifications that follow are coalesced with
// a debounce window, following the sync-loop debounce idiom in
// runtime/registry/manager.go.
package observer

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Model is a single versioned read-model: a monotonically increasing
// version paired with its current JSON snapshot.
type Model struct {
	Version  uint64
	Snapshot json.RawMessage
}

// ETag returns the weak ETag for this model's current version.
func (m Model) ETag(name string) string {
	return fmt.Sprintf(`W/"%s:%d"`, name, m.Version)
}

// Notifier is called after a model's version bumps, once the debounce
// window has elapsed.
type Notifier func(model string, version uint64)

// Observer maintains read-models and publishes debounced update
// notifications.
type Observer struct {
	mu       sync.RWMutex
	models   map[string]Model
	debounce time.Duration
	pending  map[string]*time.Timer
	notify   Notifier

	now func() time.Time
}

// New constructs an Observer with the given debounce window and update
// notifier. A negative window is treated as zero, and a zero window
// notifies synchronously on every update.
func New(debounce time.Duration, notify Notifier) *Observer {
	if debounce < 0 {
		debounce = 0
	}
	return &Observer{
		models:   make(map[string]Model),
		debounce: debounce,
		pending:  make(map[string]*time.Timer),
		notify:   notify,
		now:      time.Now,
	}
}

// Get returns the current Model for name and whether it exists.
func (o *Observer) Get(name string) (Model, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m, ok := o.models[name]
	return m, ok
}

// Update replaces the snapshot for name if it differs from the current
// one (byte-for-byte), strictly increasing version. Identical consecutive
// inputs do not mutate, per the observer-versioning invariant. The version
// bump's notification fires only after the debounce window elapses with no
// further update to the same model, to dampen update stampedes.
func (o *Observer) Update(name string, snapshot json.RawMessage) {
	o.mu.Lock()

	cur, exists := o.models[name]
	if exists && jsonEqual(cur.Snapshot, snapshot) {
		o.mu.Unlock()
		return
	}

	next := Model{Version: cur.Version + 1, Snapshot: snapshot}
	o.models[name] = next

	if o.debounce == 0 {
		o.mu.Unlock()
		if o.notify != nil {
			o.notify(name, next.Version)
		}
		return
	}

	if t, ok := o.pending[name]; ok {
		t.Stop()
	}
	version := next.Version
	o.pending[name] = time.AfterFunc(o.debounce, func() {
		o.mu.Lock()
		delete(o.pending, name)
		o.mu.Unlock()
		if o.notify != nil {
			o.notify(name, version)
		}
	})
	o.mu.Unlock()
}

// jsonEqual reports whether two JSON byte slices are byte-for-byte
// identical; the observer compares raw bytes rather than re-marshaling so
// producers control canonicalization.
func jsonEqual(a, b json.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
