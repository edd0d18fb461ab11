package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// transactAttempts bounds revision-CAS retries before an operation is
// surfaced as ErrConflict.
const transactAttempts = 5

// NatsKV is a Store backed by a JetStream KeyValue bucket. Each session
// record ("games/<pin>") is one KV key holding the full record as JSON;
// paths below the record are resolved inside the document. Transact and
// Update use revision compare-and-swap, subscriptions use KV watchers,
// which deliver entries in commit order per key.
type NatsKV struct {
	kv jetstream.KeyValue
}

// NewNatsKV binds a store to the named bucket, creating it when absent.
func NewNatsKV(ctx context.Context, nc *nats.Conn, bucket string) (*NatsKV, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket})
	}
	if err != nil {
		return nil, fmt.Errorf("bind bucket %s: %w", bucket, err)
	}
	return &NatsKV{kv: kv}, nil
}

// split resolves a path into its KV document key (first two segments,
// collection/id) and the remaining segments inside the document.
func (n *NatsKV) split(path string) (string, []string, error) {
	segs, err := splitPath(path)
	if err != nil {
		return "", nil, err
	}
	if len(segs) < 2 {
		return "", nil, ErrInvalidPath
	}
	return segs[0] + "." + segs[1], segs[2:], nil
}

func (n *NatsKV) Get(ctx context.Context, path string) (Value, error) {
	key, rest, err := n.split(path)
	if err != nil {
		return nil, err
	}
	entry, err := n.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	doc, err := decodeDoc(entry.Value())
	if err != nil {
		return nil, err
	}
	v, ok := descend(doc, rest)
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (n *NatsKV) Set(ctx context.Context, path string, value Value) error {
	key, rest, err := n.split(path)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		if value == nil {
			if err := n.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
				return fmt.Errorf("kv delete %s: %w", key, err)
			}
			return nil
		}
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		if _, err := n.kv.Put(ctx, key, data); err != nil {
			return fmt.Errorf("kv put %s: %w", key, err)
		}
		return nil
	}
	return n.mutateDoc(ctx, key, func(doc map[string]Value, _ bool) error {
		writeAt(doc, rest, value)
		return nil
	})
}

func (n *NatsKV) Update(ctx context.Context, path string, fields map[string]Value) error {
	key, rest, err := n.split(path)
	if err != nil {
		return err
	}
	return n.mutateDoc(ctx, key, func(doc map[string]Value, _ bool) error {
		node := ensureMapAt(doc, rest)
		for k, v := range fields {
			if v == nil {
				delete(node, k)
				continue
			}
			node[k] = v
		}
		return nil
	})
}

func (n *NatsKV) Transact(ctx context.Context, path string, fn func(Value) (Value, error)) error {
	key, rest, err := n.split(path)
	if err != nil {
		return err
	}
	return n.mutateDoc(ctx, key, func(doc map[string]Value, exists bool) error {
		// An absent document must surface as nil so callers can use
		// Transact as create-if-absent; doc is the scratch space the new
		// value lands in, never something fn observed.
		var cur Value
		if exists {
			cur, _ = descend(doc, rest)
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		writeAt(doc, rest, next)
		return nil
	})
}

// mutateDoc runs a read-modify-write CAS loop against one document key.
// fn is told whether the document existed; an absent document is only
// created when fn writes something into it. fn errors abort without
// retry.
func (n *NatsKV) mutateDoc(ctx context.Context, key string, fn func(doc map[string]Value, exists bool) error) error {
	var lastErr error
	for attempt := 0; attempt < transactAttempts; attempt++ {
		entry, err := n.kv.Get(ctx, key)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
			doc := make(map[string]Value)
			if err := fn(doc, false); err != nil {
				return err
			}
			if len(doc) == 0 {
				return nil
			}
			data, err := json.Marshal(doc)
			if err != nil {
				return fmt.Errorf("encode %s: %w", key, err)
			}
			_, err = n.kv.Create(ctx, key, data)
			if err == nil {
				return nil
			}
			lastErr = err
		case err != nil:
			return fmt.Errorf("kv get %s: %w", key, err)
		default:
			doc, err := decodeDoc(entry.Value())
			if err != nil {
				return err
			}
			if err := fn(doc, true); err != nil {
				return err
			}
			data, err := json.Marshal(doc)
			if err != nil {
				return fmt.Errorf("encode %s: %w", key, err)
			}
			_, err = n.kv.Update(ctx, key, data, entry.Revision())
			if err == nil {
				return nil
			}
			lastErr = err
		}
		log.Debug().Str("key", key).Int("attempt", attempt+1).Err(lastErr).Msg("kv cas retry")
	}
	return fmt.Errorf("%w on %s after %d attempts: %v", ErrConflict, key, transactAttempts, lastErr)
}

func (n *NatsKV) Subscribe(path string, h Handler) (*Subscription, error) {
	key, rest, err := n.split(path)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	watcher, err := n.kv.Watch(ctx, key)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("kv watch %s: %w", key, err)
	}

	go func() {
		defer watcher.Stop()
		var cur Value
		synced := false
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				// A nil entry marks the end of the initial replay.
				if entry == nil {
					if !synced {
						synced = true
						if h.Sync != nil {
							h.Sync(cur)
						}
					}
					continue
				}
				next, err := entryValue(entry, rest)
				if err != nil {
					log.Error().Err(err).Str("key", key).Msg("kv watch decode failed")
					continue
				}
				if !synced {
					cur = next
					continue
				}
				for _, ev := range diffChildren(cur, next) {
					ev.deliver(h)
				}
				cur = next
			}
		}
	}()

	return &Subscription{close: cancel}, nil
}

func entryValue(entry jetstream.KeyValueEntry, rest []string) (Value, error) {
	switch entry.Operation() {
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		return nil, nil
	}
	doc, err := decodeDoc(entry.Value())
	if err != nil {
		return nil, err
	}
	v, _ := descend(doc, rest)
	return v, nil
}

func decodeDoc(data []byte) (map[string]Value, error) {
	if len(data) == 0 {
		return make(map[string]Value), nil
	}
	var doc map[string]Value
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if doc == nil {
		doc = make(map[string]Value)
	}
	return doc, nil
}

// descend walks rest inside a decoded document.
func descend(doc Value, rest []string) (Value, bool) {
	cur := doc
	for _, s := range rest {
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

// writeAt replaces the subtree at rest inside doc; nil deletes it.
func writeAt(doc map[string]Value, rest []string, value Value) {
	if len(rest) == 0 {
		for k := range doc {
			delete(doc, k)
		}
		if m, ok := value.(map[string]Value); ok {
			for k, v := range m {
				doc[k] = v
			}
		}
		return
	}
	node := ensureMapAt(doc, rest[:len(rest)-1])
	last := rest[len(rest)-1]
	if value == nil {
		delete(node, last)
		return
	}
	node[last] = value
}

func ensureMapAt(doc map[string]Value, rest []string) map[string]Value {
	node := doc
	for _, s := range rest {
		child, ok := node[s].(map[string]Value)
		if !ok {
			child = make(map[string]Value)
			node[s] = child
		}
		node = child
	}
	return node
}

var _ Store = (*NatsKV)(nil)
