package gateway

import (
	"github.com/quizwire/quizwire/internal/game"
	"github.com/quizwire/quizwire/internal/player"
)

// EventType identifies a message on the WebSocket wire.
type EventType string

const (
	// EventSnapshot carries the current session state. Hosts receive the
	// full session; players receive a view derived for their identity so
	// the correct option never reaches a client mid-question.
	EventSnapshot EventType = "snapshot"
)

// Event is the wire envelope pushed to connected clients.
type Event struct {
	Type EventType `json:"type"`
	PIN  string    `json:"pin"`

	// Exactly one of Session and View is set, by connection role.
	Session *game.Session `json:"session,omitempty"`
	View    *player.View  `json:"view,omitempty"`
}

// Role distinguishes what a connection is allowed to see.
type Role string

const (
	RoleHost   Role = "host"
	RolePlayer Role = "player"
)

// BroadcastMessage is a snapshot queued for fan-out to every connection
// watching a PIN.
type BroadcastMessage struct {
	PIN     string
	Session game.Session
}
