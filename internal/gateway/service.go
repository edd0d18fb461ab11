// Package gateway exposes game sessions over HTTP and WebSocket. Hosts
// create and drive games through REST endpoints; every client watching
// a PIN gets state pushed over its WebSocket, and any client can
// re-sync at any time because each push is a full snapshot.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/quizwire/quizwire/internal/game"
	"github.com/quizwire/quizwire/internal/host"
	"github.com/quizwire/quizwire/internal/player"
	"github.com/quizwire/quizwire/internal/store"
)

// archiveTimeout bounds the write of one finished game result.
const archiveTimeout = 10 * time.Second

// Archiver persists finished game results. A nil Archiver disables
// archiving.
type Archiver interface {
	ArchiveResult(ctx context.Context, session game.Session) error
}

// Config holds gateway configuration.
type Config struct {
	ConnectionConfig ConnectionConfig
	Host             host.Config
}

// Service owns the live controllers behind the HTTP surface: one host
// controller per created game, one player controller per joined player,
// and one store subscription per watched PIN.
type Service struct {
	store    store.Store
	clock    clockwork.Clock
	cfg      Config
	manager  *ConnectionManager
	archiver Archiver

	mu       sync.Mutex
	hosts    map[string]*host.Controller
	players  map[string]*player.Controller
	watchers map[string]*sessionWatcher
}

// NewService creates a gateway service. archiver may be nil.
func NewService(st store.Store, clock clockwork.Clock, cfg Config, archiver Archiver) *Service {
	return &Service{
		store:    st,
		clock:    clock,
		cfg:      cfg,
		manager:  NewConnectionManager(cfg.ConnectionConfig, clock),
		archiver: archiver,
		hosts:    make(map[string]*host.Controller),
		players:  make(map[string]*player.Controller),
		watchers: make(map[string]*sessionWatcher),
	}
}

// Start runs the broadcast loop until ctx is cancelled, then releases
// every watcher and controller. Live games are marked abandoned on the
// way out because their timers die with this process.
func (s *Service) Start(ctx context.Context) error {
	s.manager.Start(ctx)

	shutdownCtx := context.Background()
	s.mu.Lock()
	hosts := s.hosts
	players := s.players
	watchers := s.watchers
	s.hosts = make(map[string]*host.Controller)
	s.players = make(map[string]*player.Controller)
	s.watchers = make(map[string]*sessionWatcher)
	s.mu.Unlock()

	for pin, h := range hosts {
		if err := h.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Str("pin", pin).Msg("host teardown failed")
		}
	}
	for _, p := range players {
		p.Leave()
	}
	for _, w := range watchers {
		w.close()
	}
	return nil
}

// RegisterRoutes registers REST and WebSocket routes with an HTTP mux.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/games", s.handleCreateGame)
	mux.HandleFunc("GET /api/games/{pin}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/games/{pin}", s.handleDeleteGame)
	mux.HandleFunc("POST /api/games/{pin}/start", s.hostAction((*host.Controller).AdvanceToPlaying))
	mux.HandleFunc("POST /api/games/{pin}/question/end", s.hostAction((*host.Controller).EndCurrentQuestion))
	mux.HandleFunc("POST /api/games/{pin}/next", s.hostAction((*host.Controller).AdvanceToNextQuestion))
	mux.HandleFunc("POST /api/games/{pin}/end", s.hostAction((*host.Controller).EndGame))
	mux.HandleFunc("POST /api/games/{pin}/join", s.handleJoin)
	mux.HandleFunc("POST /api/games/{pin}/answer", s.handleAnswer)
	mux.HandleFunc("GET /api/games/{pin}/view", s.handleView)
	mux.HandleFunc("GET /ws/game", s.handleGameConnection)
	mux.HandleFunc("GET /ws/stats", s.handleConnectionStats)
}

// CORS wraps a handler with the policy browser clients need to reach
// the API from another origin.
func CORS(next http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Host-ID"},
	})
	return c.Handler(next)
}

// Handler returns the routed handler wrapped with CORS.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return CORS(mux)
}

type createGameRequest struct {
	Quiz game.Quiz `json:"quiz"`
}

type createGameResponse struct {
	PIN    string `json:"pin"`
	HostID string `json:"hostId"`
}

func (s *Service) handleCreateGame(w http.ResponseWriter, r *http.Request) {
	var req createGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h := host.New(s.store, s.clock, s.cfg.Host, log.Logger)
	pin, err := h.CreateSession(r.Context(), req.Quiz)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if _, err := s.ensureWatcher(pin); err != nil {
		log.Error().Err(err).Str("pin", pin).Msg("session watcher failed to start")
	}

	s.mu.Lock()
	s.hosts[pin] = h
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, createGameResponse{PIN: pin, HostID: h.HostID()})
}

// hostAction adapts a host controller method into an authenticated
// handler. The X-Host-ID header must match the controller that created
// the game.
func (s *Service) hostAction(action func(*host.Controller, context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, ok := s.authorizeHost(w, r)
		if !ok {
			return
		}
		if err := action(h, r.Context()); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Service) handleDeleteGame(w http.ResponseWriter, r *http.Request) {
	h, ok := s.authorizeHost(w, r)
	if !ok {
		return
	}
	if err := h.Close(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	s.mu.Lock()
	delete(s.hosts, r.PathValue("pin"))
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	pin := r.PathValue("pin")
	raw, err := s.store.Get(r.Context(), game.SessionPath(pin))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var session game.Session
	if err := game.Decode(raw, &session); err != nil {
		writeDomainError(w, err)
		return
	}
	session.PIN = pin
	writeJSON(w, http.StatusOK, session)
}

type joinRequest struct {
	Name     string `json:"name"`
	PlayerID string `json:"playerId,omitempty"`
}

type joinResponse struct {
	PIN      string `json:"pin"`
	PlayerID string `json:"playerId"`
}

func (s *Service) handleJoin(w http.ResponseWriter, r *http.Request) {
	pin := r.PathValue("pin")
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	// A rejoin with a known player id reuses the live controller.
	if req.PlayerID != "" {
		s.mu.Lock()
		existing := s.players[playerKey(pin, req.PlayerID)]
		s.mu.Unlock()
		if existing != nil {
			writeJSON(w, http.StatusOK, joinResponse{PIN: pin, PlayerID: req.PlayerID})
			return
		}
	}

	pc := player.New(s.store, &requestIdentity{pin: pin, id: req.PlayerID}, s.clock, log.Logger)
	playerID, err := pc.Join(r.Context(), pin, req.Name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// Keep the controller observing so answer submissions see current
	// state.
	if err := pc.ObserveSession(nil); err != nil {
		writeDomainError(w, err)
		return
	}

	if _, err := s.ensureWatcher(pin); err != nil {
		log.Error().Err(err).Str("pin", pin).Msg("session watcher failed to start")
	}

	s.mu.Lock()
	s.players[playerKey(pin, playerID)] = pc
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, joinResponse{PIN: pin, PlayerID: playerID})
}

type answerRequest struct {
	PlayerID    string `json:"playerId"`
	OptionIndex int    `json:"optionIndex"`
}

func (s *Service) handleAnswer(w http.ResponseWriter, r *http.Request) {
	pin := r.PathValue("pin")
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	pc := s.players[playerKey(pin, req.PlayerID)]
	s.mu.Unlock()
	if pc == nil {
		writeError(w, http.StatusNotFound, "unknown player")
		return
	}

	if err := pc.SubmitAnswer(r.Context(), req.OptionIndex); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleView(w http.ResponseWriter, r *http.Request) {
	pin := r.PathValue("pin")
	playerID := r.URL.Query().Get("player_id")

	s.mu.Lock()
	pc := s.players[playerKey(pin, playerID)]
	s.mu.Unlock()
	if pc == nil {
		writeError(w, http.StatusNotFound, "unknown player")
		return
	}
	writeJSON(w, http.StatusOK, pc.View())
}

func (s *Service) handleGameConnection(w http.ResponseWriter, r *http.Request) {
	pin := r.URL.Query().Get("pin")
	if pin == "" {
		writeError(w, http.StatusBadRequest, "pin is required")
		return
	}

	role := RolePlayer
	if r.URL.Query().Get("role") == string(RoleHost) {
		role = RoleHost
	}
	playerID := r.URL.Query().Get("player_id")

	raw, err := s.store.Get(r.Context(), game.SessionPath(pin))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if _, err := s.ensureWatcher(pin); err != nil {
		writeDomainError(w, err)
		return
	}

	if err := s.manager.UpgradeConnection(w, r, pin, role, playerID); err != nil {
		// Upgrade already wrote the failure response.
		return
	}

	// Seed the new connection with the current state instead of making
	// it wait for the next store change.
	var session game.Session
	if err := game.Decode(raw, &session); err != nil {
		log.Error().Err(err).Str("pin", pin).Msg("undecodable session for initial snapshot")
		return
	}
	session.PIN = pin
	s.manager.Broadcast(BroadcastMessage{PIN: pin, Session: session})
}

func (s *Service) handleConnectionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.GetConnectionStats())
}

// GetStats exposes connection statistics for service info endpoints.
func (s *Service) GetStats() map[string]interface{} {
	return s.manager.GetConnectionStats()
}

func (s *Service) authorizeHost(w http.ResponseWriter, r *http.Request) (*host.Controller, bool) {
	pin := r.PathValue("pin")
	s.mu.Lock()
	h := s.hosts[pin]
	s.mu.Unlock()
	if h == nil {
		writeError(w, http.StatusNotFound, "unknown game")
		return nil, false
	}
	if r.Header.Get("X-Host-ID") != h.HostID() {
		writeError(w, http.StatusForbidden, "host id mismatch")
		return nil, false
	}
	return h, true
}

func (s *Service) ensureWatcher(pin string) (*sessionWatcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.watchers[pin]; ok {
		return w, nil
	}
	w, err := newSessionWatcher(s.store, pin, s.manager, s.handleTerminal)
	if err != nil {
		return nil, err
	}
	s.watchers[pin] = w
	return w, nil
}

// handleTerminal runs once per session when its first terminal snapshot
// is observed: finished games are archived, and either way everything
// held for the PIN is released. The terminal snapshot was already
// queued for broadcast before this fires, so clients still see it.
func (s *Service) handleTerminal(session game.Session) {
	if session.GameState.Status == game.StatusFinished {
		s.archive(session)
	}
	s.releaseSession(session.PIN)
}

// releaseSession drops the per-PIN resources: the session watcher's
// store subscription, every player controller's subscription, and the
// host controller. Safe to call for a PIN already released.
func (s *Service) releaseSession(pin string) {
	s.mu.Lock()
	w := s.watchers[pin]
	delete(s.watchers, pin)
	h := s.hosts[pin]
	delete(s.hosts, pin)
	prefix := pin + "/"
	var players []*player.Controller
	for key, pc := range s.players {
		if strings.HasPrefix(key, prefix) {
			players = append(players, pc)
			delete(s.players, key)
		}
	}
	s.mu.Unlock()

	if w != nil {
		w.close()
	}
	for _, pc := range players {
		pc.Leave()
	}
	if h != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.Close(ctx); err != nil {
			log.Error().Err(err).Str("pin", pin).Msg("host teardown failed")
		}
	}
	log.Debug().Str("pin", pin).Msg("session resources released")
}

func (s *Service) archive(session game.Session) {
	if s.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := s.archiver.ArchiveResult(ctx, session); err != nil {
		log.Error().Err(err).Str("pin", session.PIN).Msg("failed to archive game result")
		return
	}
	log.Info().Str("pin", session.PIN).Msg("game result archived")
}

func playerKey(pin, playerID string) string {
	return pin + "/" + playerID
}

// requestIdentity adapts the client-supplied player id to the identity
// interface: browsers keep their id in local storage and resend it, so
// the server side is a single-request shim rather than a file.
type requestIdentity struct {
	mu  sync.Mutex
	pin string
	id  string
}

func (r *requestIdentity) Load(pin string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pin != r.pin || r.id == "" {
		return "", false, nil
	}
	return r.id, true, nil
}

func (r *requestIdentity) Save(pin, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pin = pin
	r.id = id
	return nil
}

func (r *requestIdentity) Clear(pin string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pin == r.pin {
		r.id = ""
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps controller errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, host.ErrNoSession), errors.Is(err, player.ErrNotJoined):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, game.ErrInvalidState),
		errors.Is(err, player.ErrAlreadyAnswered),
		errors.Is(err, player.ErrNotAccepting),
		errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, game.ErrInvalidQuiz),
		errors.Is(err, player.ErrBadOption),
		errors.Is(err, player.ErrBadPIN):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msg("internal error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
