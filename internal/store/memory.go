package store

import (
	"context"
	"sync"
	"sync/atomic"
)

// Memory is a single-process Store backed by an in-memory tree. All
// writes are serialized under one mutex; notifications are delivered by
// a single dispatch goroutine in commit order, so handlers observe
// writes in the order they happened.
type Memory struct {
	mu   sync.Mutex
	root map[string]Value
	subs map[int64]*memSub

	qmu    sync.Mutex
	qcond  *sync.Cond
	queue  []func()
	closed bool

	nextSubID atomic.Int64
}

type memSub struct {
	path   string
	segs   []string
	h      Handler
	closed atomic.Bool
}

// NewMemory returns an empty in-memory store with its dispatcher
// running.
func NewMemory() *Memory {
	m := &Memory{
		root: make(map[string]Value),
		subs: make(map[int64]*memSub),
	}
	m.qcond = sync.NewCond(&m.qmu)
	go m.dispatch()
	return m
}

// Close stops the dispatcher after draining queued notifications.
func (m *Memory) Close() {
	m.qmu.Lock()
	m.closed = true
	m.qcond.Broadcast()
	m.qmu.Unlock()
}

func (m *Memory) Get(ctx context.Context, path string) (Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.lookup(segs)
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopy(v), nil
}

func (m *Memory) Set(ctx context.Context, path string, value Value) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	before := m.snapshotRelated(segs)
	m.write(segs, deepCopy(value))
	m.notifyRelated(segs, before)
	return nil
}

func (m *Memory) Update(ctx context.Context, path string, fields map[string]Value) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	before := m.snapshotRelated(segs)
	node := m.ensureMap(segs)
	for k, v := range fields {
		if v == nil {
			delete(node, k)
			continue
		}
		node[k] = deepCopy(v)
	}
	m.notifyRelated(segs, before)
	return nil
}

func (m *Memory) Transact(ctx context.Context, path string, fn func(Value) (Value, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var cur Value
	if v, ok := m.lookup(segs); ok {
		cur = deepCopy(v)
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	before := m.snapshotRelated(segs)
	m.write(segs, deepCopy(next))
	m.notifyRelated(segs, before)
	return nil
}

func (m *Memory) Subscribe(path string, h Handler) (*Subscription, error) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	sub := &memSub{path: path, segs: segs, h: h}
	id := m.nextSubID.Add(1)

	m.mu.Lock()
	m.subs[id] = sub
	var initial Value
	if v, ok := m.lookup(segs); ok {
		initial = deepCopy(v)
	}
	m.enqueue(func() {
		if sub.closed.Load() {
			return
		}
		if sub.h.Sync != nil {
			sub.h.Sync(initial)
		}
	})
	m.mu.Unlock()

	return &Subscription{close: func() {
		sub.closed.Store(true)
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}}, nil
}

// lookup walks the tree. Caller holds mu.
func (m *Memory) lookup(segs []string) (Value, bool) {
	var cur Value = m.root
	for _, s := range segs {
		node, ok := cur.(map[string]Value)
		if !ok {
			return nil, false
		}
		cur, ok = node[s]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// write replaces the subtree at segs, creating intermediate maps. A nil
// value deletes the subtree. Caller holds mu.
func (m *Memory) write(segs []string, value Value) {
	node := m.root
	for _, s := range segs[:len(segs)-1] {
		child, ok := node[s].(map[string]Value)
		if !ok {
			child = make(map[string]Value)
			node[s] = child
		}
		node = child
	}
	last := segs[len(segs)-1]
	if value == nil {
		delete(node, last)
		return
	}
	node[last] = value
}

// ensureMap returns the map node at segs, creating it if needed. Caller
// holds mu.
func (m *Memory) ensureMap(segs []string) map[string]Value {
	node := m.root
	for _, s := range segs {
		child, ok := node[s].(map[string]Value)
		if !ok {
			child = make(map[string]Value)
			node[s] = child
		}
		node = child
	}
	return node
}

// related reports whether a write at writePath can affect the node a
// subscriber watches: one path must be a prefix of the other.
func related(subSegs, writeSegs []string) bool {
	n := len(subSegs)
	if len(writeSegs) < n {
		n = len(writeSegs)
	}
	for i := 0; i < n; i++ {
		if subSegs[i] != writeSegs[i] {
			return false
		}
	}
	return true
}

// snapshotRelated captures, per affected subscription, the watched
// value before a write. Caller holds mu.
func (m *Memory) snapshotRelated(writeSegs []string) map[*memSub]Value {
	before := make(map[*memSub]Value)
	for _, sub := range m.subs {
		if !related(sub.segs, writeSegs) {
			continue
		}
		if v, ok := m.lookup(sub.segs); ok {
			before[sub] = deepCopy(v)
		} else {
			before[sub] = nil
		}
	}
	return before
}

// notifyRelated diffs each affected subscription's watched value against
// its pre-write snapshot and enqueues child events. Caller holds mu;
// handlers run on the dispatch goroutine.
func (m *Memory) notifyRelated(writeSegs []string, before map[*memSub]Value) {
	for sub, old := range before {
		if sub.closed.Load() {
			continue
		}
		var now Value
		if v, ok := m.lookup(sub.segs); ok {
			now = deepCopy(v)
		}
		m.enqueueDiff(sub, old, now)
	}
}

func (m *Memory) enqueueDiff(sub *memSub, old, now Value) {
	for _, ev := range diffChildren(old, now) {
		ev := ev
		m.enqueue(func() {
			if sub.closed.Load() {
				return
			}
			ev.deliver(sub.h)
		})
	}
}

func (m *Memory) enqueue(fn func()) {
	m.qmu.Lock()
	if m.closed {
		m.qmu.Unlock()
		return
	}
	m.queue = append(m.queue, fn)
	m.qcond.Signal()
	m.qmu.Unlock()
}

func (m *Memory) dispatch() {
	for {
		m.qmu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.qcond.Wait()
		}
		if len(m.queue) == 0 && m.closed {
			m.qmu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.qmu.Unlock()
		fn()
	}
}

var _ Store = (*Memory)(nil)
