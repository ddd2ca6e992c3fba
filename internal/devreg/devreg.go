// Package devreg is the device registry behind the per-AP scanner
// identity model: one entry per access-point MAC, addressed by a
// stable identifier, carrying the persistent display name and the
// user-assigned name.
//
// The registry is a capability interface ([Store]) so the bridge core
// never touches a concrete backend: [MemoryStore] serves tests and
// ephemeral runs, [SQLiteStore] survives restarts. Store mutations
// emit [Event]s to registered watchers; the scanner manager reacts to
// those the same way the integration reacts to host registry events.
package devreg

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Registry metadata stamped on every entry this bridge creates.
const (
	Manufacturer = "LANCOM Systems"
	Model        = "Access Point (BLE Scanner)"
	SWVersion    = "1.0"
)

var (
	// ErrNotFound is returned when no entry exists for the given id.
	ErrNotFound = errors.New("devreg: entry not found")
	// ErrIdentifierExists is returned by Create when the identifier is
	// already registered.
	ErrIdentifierExists = errors.New("devreg: identifier already registered")
)

// Connection is one registry connection key, e.g. ("mac", "aa:bb:…").
type Connection struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// Entry is one registry device entry.
type Entry struct {
	ID           string       `json:"id"`
	Identifier   string       `json:"identifier"`
	Name         string       `json:"name"`
	NameByUser   string       `json:"name_by_user,omitempty"`
	Manufacturer string       `json:"manufacturer,omitempty"`
	Model        string       `json:"model,omitempty"`
	SWVersion    string       `json:"sw_version,omitempty"`
	Connections  []Connection `json:"connections"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// HasConnection reports whether the entry carries the given key.
func (e Entry) HasConnection(kind, value string) bool {
	for _, c := range e.Connections {
		if c.Kind == kind && c.Value == value {
			return true
		}
	}
	return false
}

// MACConnection returns the value of the entry's first "mac"
// connection, or "" when it has none.
func (e Entry) MACConnection() string {
	for _, c := range e.Connections {
		if c.Kind == "mac" {
			return c.Value
		}
	}
	return ""
}

// Changes describes a partial update. Nil fields are left untouched;
// a non-nil field replaces the stored value, so names can be cleared
// by pointing at an empty string.
type Changes struct {
	Name        *string
	NameByUser  *string
	Connections *[]Connection
}

// Action classifies a registry event.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionRemove Action = "remove"
)

// Event is delivered to watchers after a store mutation. Entry is the
// state after the change, or the final state for removals.
type Event struct {
	Action Action
	Entry  Entry
}

// Store is the registry capability the bridge core depends on.
// Watch callbacks run synchronously on the mutating goroutine, after
// the store's own lock is released, in registration order; a callback
// may itself call back into the store.
type Store interface {
	Get(id string) (Entry, error)
	GetByIdentifier(identifier string) (Entry, error)
	List() ([]Entry, error)
	Create(e Entry) (Entry, error)
	Update(id string, ch Changes) (Entry, error)
	Remove(id string) error
	Watch(fn func(Event)) (cancel func())
	Close() error
}

// watcherSet fans events out to registered callbacks. Registration
// returns a cancel handle; delivery copies the callback list so a
// watcher may unsubscribe (or subscribe) from within its own callback.
type watcherSet struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func(Event)
}

func (w *watcherSet) add(fn func(Event)) (cancel func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fns == nil {
		w.fns = make(map[int]func(Event))
	}
	id := w.nextID
	w.nextID++
	w.fns[id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.fns, id)
	}
}

func (w *watcherSet) notify(ev Event) {
	w.mu.Lock()
	fns := make([]func(Event), 0, len(w.fns))
	ids := make([]int, 0, len(w.fns))
	for id := range w.fns {
		ids = append(ids, id)
	}
	// Map iteration order is random; deliver in registration order.
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, w.fns[id])
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// applyChanges merges ch into e and reports whether anything changed.
func applyChanges(e *Entry, ch Changes) bool {
	changed := false
	if ch.Name != nil && e.Name != *ch.Name {
		e.Name = *ch.Name
		changed = true
	}
	if ch.NameByUser != nil && e.NameByUser != *ch.NameByUser {
		e.NameByUser = *ch.NameByUser
		changed = true
	}
	if ch.Connections != nil && !sameConnections(e.Connections, *ch.Connections) {
		e.Connections = cloneConnections(*ch.Connections)
		changed = true
	}
	return changed
}

// sameConnections compares connection sets ignoring order.
func sameConnections(a, b []Connection) bool {
	if len(a) != len(b) {
		return false
	}
	for _, c := range a {
		found := false
		for _, d := range b {
			if c == d {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func cloneConnections(conns []Connection) []Connection {
	if conns == nil {
		return nil
	}
	out := make([]Connection, len(conns))
	copy(out, conns)
	return out
}

func cloneEntry(e Entry) Entry {
	e.Connections = cloneConnections(e.Connections)
	return e
}

// StringPtr returns a pointer to s, for building [Changes] literals.
func StringPtr(s string) *string { return &s }

// ConnectionsPtr returns a pointer to conns, for building [Changes]
// literals.
func ConnectionsPtr(conns []Connection) *[]Connection { return &conns }
