package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/quizwire/quizwire/internal/game"
	"github.com/quizwire/quizwire/internal/player"
)

// ConnectionManager fans session snapshots out to WebSocket clients.
// Connections are pooled by game PIN.
type ConnectionManager struct {
	pinConnections map[string]map[*Connection]bool
	mu             sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	clock    clockwork.Clock

	broadcastCh chan BroadcastMessage
}

// Connection is one WebSocket client watching a game. Liveness is
// enforced by the pump deadlines, not tracked separately: a peer that
// stops answering pings blows the read deadline and the connection
// unregisters itself.
type Connection struct {
	ID       string
	PIN      string
	Role     Role
	PlayerID string
	Conn     *websocket.Conn
	Send     chan []byte
	Manager  *ConnectionManager
}

// ConnectionConfig holds configuration for WebSocket connections.
type ConnectionConfig struct {
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingInterval       time.Duration
	MaxMessageSize     int64
	ReadBufferSize     int
	WriteBufferSize    int
	HeartbeatTolerance time.Duration
	CheckOrigin        func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:       10 * time.Second,
		ReadTimeout:        60 * time.Second,
		PingInterval:       30 * time.Second,
		MaxMessageSize:     1024,
		ReadBufferSize:     1024,
		WriteBufferSize:    1024,
		HeartbeatTolerance: 15 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development. Restrict in production.
			return true
		},
	}
}

// NewConnectionManager creates a WebSocket connection manager.
func NewConnectionManager(config ConnectionConfig, clock clockwork.Clock) *ConnectionManager {
	return &ConnectionManager{
		pinConnections: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		clock:       clock,
		broadcastCh: make(chan BroadcastMessage, 1000),
	}
}

// Start begins processing broadcast messages until ctx is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket watching the
// given PIN.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, pin string, role Role, playerID string) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:       uuid.New().String(),
		PIN:      pin,
		Role:     role,
		PlayerID: playerID,
		Conn:     conn,
		Send:     make(chan []byte, 256),
		Manager:  cm,
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("pin", pin).
		Str("role", string(role)).
		Str("player_id", playerID).
		Msg("WebSocket connection established")

	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.pinConnections[conn.PIN] == nil {
		cm.pinConnections[conn.PIN] = make(map[*Connection]bool)
	}
	cm.pinConnections[conn.PIN][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("pin", conn.PIN).
		Int("total_connections", len(cm.pinConnections[conn.PIN])).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if connections, exists := cm.pinConnections[conn.PIN]; exists {
		if _, exists := connections[conn]; exists {
			delete(connections, conn)
			close(conn.Send)

			if len(connections) == 0 {
				delete(cm.pinConnections, conn.PIN)
			}

			log.Info().
				Str("connection_id", conn.ID).
				Str("pin", conn.PIN).
				Msg("connection unregistered")
		}
	}
}

// Broadcast queues a session snapshot for every connection on a PIN.
func (cm *ConnectionManager) Broadcast(message BroadcastMessage) {
	select {
	case cm.broadcastCh <- message:
	default:
		log.Warn().Str("pin", message.PIN).Msg("broadcast channel full, dropping snapshot")
	}
}

// handleBroadcast fans one snapshot out. The host payload is marshaled
// once; player payloads are derived and marshaled per connection because
// each player sees a different view of the same state.
func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	cm.mu.RLock()
	connections, exists := cm.pinConnections[message.PIN]
	if !exists {
		cm.mu.RUnlock()
		return
	}
	targets := make([]*Connection, 0, len(connections))
	for conn := range connections {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	now := cm.clock.Now().UTC()
	var hostData []byte
	var sent int

	for _, conn := range targets {
		var data []byte
		switch conn.Role {
		case RoleHost:
			if hostData == nil {
				session := message.Session
				event := Event{Type: EventSnapshot, PIN: message.PIN, Session: &session}
				var err error
				hostData, err = json.Marshal(event)
				if err != nil {
					log.Error().Err(err).Msg("failed to marshal host snapshot")
					continue
				}
			}
			data = hostData
		case RolePlayer:
			answered := false
			if me, ok := message.Session.Players[conn.PlayerID]; ok {
				answered = me.Status == game.PlayerAnswered
			}
			view := player.DeriveView(message.Session, conn.PlayerID, answered, now, cm.config.HeartbeatTolerance)
			event := Event{Type: EventSnapshot, PIN: message.PIN, View: &view}
			var err error
			data, err = json.Marshal(event)
			if err != nil {
				log.Error().Err(err).Str("player_id", conn.PlayerID).Msg("failed to marshal player view")
				continue
			}
		default:
			continue
		}

		select {
		case conn.Send <- data:
			sent++
		default:
			log.Warn().
				Str("connection_id", conn.ID).
				Str("pin", conn.PIN).
				Msg("connection send buffer full, closing connection")
			cm.unregisterConnection(conn)
			conn.Conn.Close()
		}
	}

	log.Debug().
		Str("pin", message.PIN).
		Int("connections", sent).
		Msg("snapshot broadcasted")
}

// GetConnectionStats returns statistics about active connections.
func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	totalConnections := 0
	pinCounts := make(map[string]int)

	for pin, connections := range cm.pinConnections {
		count := len(connections)
		totalConnections += count
		pinCounts[pin] = count
	}

	return map[string]interface{}{
		"total_connections": totalConnections,
		"active_games":      len(cm.pinConnections),
		"game_connections":  pinCounts,
	}
}

// writePump handles sending messages to the WebSocket connection.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading messages from the WebSocket connection.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		// Clients only listen; answers and host actions go over REST.
		log.Debug().
			Str("connection_id", c.ID).
			Str("pin", c.PIN).
			RawJSON("message", message).
			Msg("received client message")
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
