package gateway

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/quizwire/quizwire/internal/game"
	"github.com/quizwire/quizwire/internal/store"
)

// sessionWatcher holds one store subscription on a session root and
// turns every notification into a snapshot broadcast. The first
// terminal snapshot is reported exactly once so the service can archive
// the result and release everything held for the PIN.
type sessionWatcher struct {
	pin     string
	manager *ConnectionManager

	mu           sync.Mutex
	mirror       map[string]store.Value
	sub          *store.Subscription
	onTerminal   func(session game.Session)
	terminalSeen bool
}

func newSessionWatcher(st store.Store, pin string, manager *ConnectionManager, onTerminal func(session game.Session)) (*sessionWatcher, error) {
	w := &sessionWatcher{
		pin:        pin,
		manager:    manager,
		mirror:     map[string]store.Value{},
		onTerminal: onTerminal,
	}

	sub, err := st.Subscribe(game.SessionPath(pin), store.Handler{
		Sync: func(value store.Value) {
			w.mu.Lock()
			defer w.mu.Unlock()
			w.mirror = map[string]store.Value{}
			if m, ok := value.(map[string]store.Value); ok {
				for k, v := range m {
					w.mirror[k] = v
				}
			}
			w.deliver()
		},
		ChildAdded:   w.upsert,
		ChildChanged: w.upsert,
		ChildRemoved: func(key string) {
			w.mu.Lock()
			defer w.mu.Unlock()
			delete(w.mirror, key)
			w.deliver()
		},
	})
	if err != nil {
		return nil, err
	}
	w.sub = sub
	return w, nil
}

func (w *sessionWatcher) upsert(key string, value store.Value) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mirror[key] = value
	w.deliver()
}

// deliver decodes the mirrored subtree and broadcasts it. Called with
// w.mu held.
func (w *sessionWatcher) deliver() {
	var session game.Session
	if err := game.Decode(w.mirror, &session); err != nil {
		log.Error().Err(err).Str("pin", w.pin).Msg("undecodable session snapshot")
		return
	}
	session.PIN = w.pin

	w.manager.Broadcast(BroadcastMessage{PIN: w.pin, Session: session})

	if session.GameState.Status.Terminal() && !w.terminalSeen && w.onTerminal != nil {
		w.terminalSeen = true
		go w.onTerminal(session)
	}
}

func (w *sessionWatcher) close() {
	if w.sub != nil {
		w.sub.Close()
	}
}
