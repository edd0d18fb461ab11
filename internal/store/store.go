package store

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
)

// Value is a JSON-shaped value: map[string]Value, []Value, string,
// float64, bool, or nil. Typed structs cross this boundary through
// the encode/decode helpers in the game package.
type Value = any

var (
	// ErrNotFound is returned when a path does not exist.
	ErrNotFound = errors.New("store: path not found")

	// ErrConflict is returned when a transaction exhausts its retries
	// against concurrent writers.
	ErrConflict = errors.New("store: transaction conflict")

	// ErrClosed is returned for operations on a closed store or
	// subscription.
	ErrClosed = errors.New("store: closed")

	// ErrInvalidPath is returned for empty paths or paths with empty
	// segments.
	ErrInvalidPath = errors.New("store: invalid path")
)

// Handler receives change notifications for a subscribed path. Sync is
// invoked exactly once with the full current value before any child
// deltas. Child callbacks fire in the order the underlying writes were
// committed. Nil callbacks are skipped.
type Handler struct {
	Sync         func(value Value)
	ChildAdded   func(key string, value Value)
	ChildChanged func(key string, value Value)
	ChildRemoved func(key string)
}

// Store is a path-addressable, subscribable record tree. Paths are
// slash-separated, e.g. "games/482913/players/ab12".
type Store interface {
	// Get reads the value at path. Returns ErrNotFound if absent.
	Get(ctx context.Context, path string) (Value, error)

	// Set overwrites the subtree at path. A nil value deletes it.
	Set(ctx context.Context, path string, value Value) error

	// Update merges the given fields into the map at path. The merge is
	// atomic across the fields of a single call, not across calls.
	Update(ctx context.Context, path string, fields map[string]Value) error

	// Transact runs a read-modify-write against the subtree at path.
	// fn receives the current value (nil if absent) and returns the
	// replacement. Retried a bounded number of times on conflict;
	// returns ErrConflict once retries are exhausted.
	Transact(ctx context.Context, path string, fn func(current Value) (Value, error)) error

	// Subscribe registers a handler for changes under path.
	Subscribe(path string, h Handler) (*Subscription, error)
}

// Subscription is a handle to an active subscription. Close is
// idempotent and releases the handler; no callbacks fire after it
// returns.
type Subscription struct {
	close func()
}

// Close cancels the subscription.
func (s *Subscription) Close() {
	if s.close != nil {
		s.close()
	}
}

// Join builds a slash-separated path from segments.
func Join(segs ...string) string {
	return strings.Join(segs, "/")
}

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" {
			return nil, ErrInvalidPath
		}
	}
	return segs, nil
}

type childEventKind int

const (
	childRemoved childEventKind = iota
	childAdded
	childChanged
)

type childEvent struct {
	kind  childEventKind
	key   string
	value Value
}

func (e childEvent) deliver(h Handler) {
	switch e.kind {
	case childRemoved:
		if h.ChildRemoved != nil {
			h.ChildRemoved(e.key)
		}
	case childAdded:
		if h.ChildAdded != nil {
			h.ChildAdded(e.key, e.value)
		}
	case childChanged:
		if h.ChildChanged != nil {
			h.ChildChanged(e.key, e.value)
		}
	}
}

// diffChildren compares two map values shallowly by child key and
// returns the events a subscriber should see: removals first, then
// additions and changes, each in sorted key order for determinism.
func diffChildren(old, now Value) []childEvent {
	oldMap, _ := old.(map[string]Value)
	nowMap, _ := now.(map[string]Value)

	var removed, added, changed []string
	for k := range oldMap {
		if _, ok := nowMap[k]; !ok {
			removed = append(removed, k)
		}
	}
	for k, nv := range nowMap {
		ov, ok := oldMap[k]
		switch {
		case !ok:
			added = append(added, k)
		case !reflect.DeepEqual(ov, nv):
			changed = append(changed, k)
		}
	}
	sort.Strings(removed)
	sort.Strings(added)
	sort.Strings(changed)

	events := make([]childEvent, 0, len(removed)+len(added)+len(changed))
	for _, k := range removed {
		events = append(events, childEvent{kind: childRemoved, key: k})
	}
	for _, k := range added {
		events = append(events, childEvent{kind: childAdded, key: k, value: nowMap[k]})
	}
	for _, k := range changed {
		events = append(events, childEvent{kind: childChanged, key: k, value: nowMap[k]})
	}
	return events
}

// deepCopy clones a JSON-shaped value so callers can never alias
// internal state.
func deepCopy(v Value) Value {
	switch t := v.(type) {
	case map[string]Value:
		m := make(map[string]Value, len(t))
		for k, c := range t {
			m[k] = deepCopy(c)
		}
		return m
	case []Value:
		s := make([]Value, len(t))
		for i, c := range t {
			s[i] = deepCopy(c)
		}
		return s
	default:
		return v
	}
}
