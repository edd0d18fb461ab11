// Package player is the client side of a game session: joining by PIN,
// observing the replicated record, and submitting answers. It never
// computes its own score; scoring authority lives with the host.
package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/quizwire/quizwire/internal/game"
	"github.com/quizwire/quizwire/internal/pin"
	"github.com/quizwire/quizwire/internal/store"
)

var (
	// ErrNotJoined is returned for operations before a successful Join.
	ErrNotJoined = errors.New("player: not joined to a session")

	// ErrAlreadyAnswered rejects a second submission for the same
	// question before any store round-trip.
	ErrAlreadyAnswered = errors.New("player: already answered this question")

	// ErrNotAccepting is returned when the session is not in a state
	// that accepts answers.
	ErrNotAccepting = errors.New("player: session not accepting answers")

	// ErrBadOption is returned for an out-of-range option index.
	ErrBadOption = errors.New("player: option index out of range")

	// ErrBadPIN is returned for join codes that are not six digits.
	ErrBadPIN = errors.New("player: malformed pin")
)

// Controller is one player's view of one joined game.
type Controller struct {
	store    store.Store
	identity IdentityStore
	clock    clockwork.Clock
	logger   zerolog.Logger

	// HeartbeatTolerance is how stale the host heartbeat may be before
	// the session is treated as abandoned locally.
	heartbeatTolerance time.Duration

	mu       sync.Mutex
	pin      string
	playerID string
	// localQuestionIndex / localAnswered implement the at-most-once
	// submit guard. The flag resets only when a playing state with a
	// new question index is observed.
	localQuestionIndex int
	localAnswered      bool
	latest             *game.Session
	subs               []*store.Subscription
	left               bool
}

// New creates a player controller. identity must be non-nil; reconnect
// correctness depends on it.
func New(st store.Store, identity IdentityStore, clock clockwork.Clock, logger zerolog.Logger) *Controller {
	return &Controller{
		store:              st,
		identity:           identity,
		clock:              clock,
		logger:             logger,
		heartbeatTolerance: 15 * time.Second,
		localQuestionIndex: -1,
	}
}

// PlayerID returns the joined identity, empty before Join.
func (c *Controller) PlayerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerID
}

// Join enters the session at code with the given display name. A
// locally persisted identity for this PIN is reused, so rejoining
// mid-game keeps the same Player record and score.
func (c *Controller) Join(ctx context.Context, code, displayName string) (string, error) {
	if !pin.Valid(code) {
		return "", ErrBadPIN
	}

	raw, err := c.store.Get(ctx, game.SessionPath(code))
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("session %s: %w", code, store.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read session: %w", err)
	}
	var session game.Session
	if err := game.Decode(raw, &session); err != nil {
		return "", err
	}
	if err := game.ValidateQuiz(session.Quiz); err != nil {
		return "", fmt.Errorf("session %s has unplayable quiz: %w", code, err)
	}
	if session.GameState.Status == game.StatusAbandoned {
		return "", fmt.Errorf("session %s: %w", code, store.ErrNotFound)
	}

	playerID, existing, err := c.identity.Load(code)
	if err != nil {
		c.logger.Warn().Err(err).Msg("identity load failed, generating fresh id")
		existing = false
	}
	if existing {
		if _, ok := session.Players[playerID]; ok {
			// Reconnect: the record is already there, leave it alone.
			c.bind(code, playerID)
			c.logger.Info().Str("pin", code).Str("player_id", playerID).Msg("rejoined session")
			return playerID, nil
		}
		// Identity predates this session's player set (e.g. the host
		// recreated the game); fall through and register it.
	} else {
		playerID = uuid.New().String()
	}

	record := game.Player{
		ID:            playerID,
		Name:          displayName,
		Score:         0,
		Status:        game.PlayerWaiting,
		CurrentAnswer: game.NoAnswer,
		JoinedAt:      c.clock.Now().UTC(),
	}
	encoded, err := game.Encode(record)
	if err != nil {
		return "", err
	}
	if err := c.store.Set(ctx, game.PlayerPath(code, playerID), encoded); err != nil {
		return "", fmt.Errorf("register player: %w", err)
	}
	if err := c.identity.Save(code, playerID); err != nil {
		c.logger.Warn().Err(err).Msg("identity save failed; reconnect will create a new player")
	}

	c.bind(code, playerID)
	c.logger.Info().Str("pin", code).Str("player_id", playerID).Str("name", displayName).Msg("joined session")
	return playerID, nil
}

func (c *Controller) bind(code, playerID string) {
	c.mu.Lock()
	c.pin = code
	c.playerID = playerID
	c.localQuestionIndex = -1
	c.localAnswered = false
	c.mu.Unlock()
}

// ObserveSession subscribes once to the whole session record and
// invokes fn with a full consistent snapshot per notification.
func (c *Controller) ObserveSession(fn func(session game.Session)) error {
	c.mu.Lock()
	code := c.pin
	c.mu.Unlock()
	if code == "" {
		return ErrNotJoined
	}

	var mirrorMu sync.Mutex
	mirror := map[string]store.Value{}

	deliver := func() {
		var session game.Session
		if err := game.Decode(mirror, &session); err != nil {
			c.logger.Error().Err(err).Msg("undecodable session snapshot")
			return
		}
		session.PIN = code
		c.absorb(&session)
		if fn != nil {
			fn(session)
		}
	}

	sub, err := c.store.Subscribe(game.SessionPath(code), store.Handler{
		Sync: func(value store.Value) {
			mirrorMu.Lock()
			defer mirrorMu.Unlock()
			mirror = map[string]store.Value{}
			if m, ok := value.(map[string]store.Value); ok {
				for k, v := range m {
					mirror[k] = v
				}
			}
			deliver()
		},
		ChildAdded: func(key string, value store.Value) {
			mirrorMu.Lock()
			defer mirrorMu.Unlock()
			mirror[key] = value
			deliver()
		},
		ChildChanged: func(key string, value store.Value) {
			mirrorMu.Lock()
			defer mirrorMu.Unlock()
			mirror[key] = value
			deliver()
		},
		ChildRemoved: func(key string) {
			mirrorMu.Lock()
			defer mirrorMu.Unlock()
			delete(mirror, key)
			deliver()
		},
	})
	if err != nil {
		return fmt.Errorf("observe session: %w", err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// absorb updates controller-local flags from an observed snapshot. The
// answered flag resets exactly when a playing state with a new question
// index arrives, and on no other event.
func (c *Controller) absorb(session *game.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	gs := session.GameState
	if gs.Status == game.StatusPlaying && gs.CurrentQuestionIndex != c.localQuestionIndex {
		c.localQuestionIndex = gs.CurrentQuestionIndex
		c.localAnswered = false
		// On reconnect the replicated record may already hold this
		// question's answer; trust it over the fresh local flag.
		if me, ok := session.Players[c.playerID]; ok && me.Status == game.PlayerAnswered {
			c.localAnswered = true
		}
	}
	if gs.Status == game.StatusAbandoned && !c.left {
		c.logger.Info().Str("pin", c.pin).Msg("session abandoned by host")
		if err := c.identity.Clear(c.pin); err != nil {
			c.logger.Warn().Err(err).Msg("identity clear failed")
		}
	}
	c.latest = session
}

// SubmitAnswer records the player's choice for the current question.
// At most one submission per question; repeats fail locally with
// ErrAlreadyAnswered before any store round-trip.
func (c *Controller) SubmitAnswer(ctx context.Context, optionIndex int) error {
	c.mu.Lock()
	if c.pin == "" {
		c.mu.Unlock()
		return ErrNotJoined
	}
	if c.latest == nil || c.latest.GameState.Status != game.StatusPlaying {
		c.mu.Unlock()
		return ErrNotAccepting
	}
	if c.localAnswered {
		c.mu.Unlock()
		return ErrAlreadyAnswered
	}
	session := c.latest
	code, playerID := c.pin, c.playerID
	questionIndex := session.GameState.CurrentQuestionIndex
	question, ok := session.CurrentQuestion()
	if !ok {
		c.mu.Unlock()
		return ErrNotAccepting
	}
	if optionIndex < 0 || optionIndex >= len(question.Options) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d of %d options", ErrBadOption, optionIndex, len(question.Options))
	}
	var elapsed float64
	if session.GameState.QuestionStartTime != nil {
		elapsed = c.clock.Now().UTC().Sub(*session.GameState.QuestionStartTime).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
	}
	c.mu.Unlock()

	err := c.store.Update(ctx, game.PlayerPath(code, playerID), map[string]store.Value{
		"status":              string(game.PlayerAnswered),
		"currentAnswer":       float64(optionIndex),
		"responseTimeSeconds": elapsed,
	})
	if err != nil {
		// Reported, never silently dropped; the flag stays clear so the
		// player may retry.
		return fmt.Errorf("submit answer: %w", err)
	}

	c.mu.Lock()
	if c.localQuestionIndex == questionIndex {
		c.localAnswered = true
	}
	c.mu.Unlock()

	c.logger.Debug().Str("pin", code).Int("question", questionIndex).Int("option", optionIndex).Float64("elapsed", elapsed).Msg("answer submitted")
	return nil
}

// View derives the current render state from the latest snapshot.
func (c *Controller) View() View {
	c.mu.Lock()
	session := c.latest
	playerID := c.playerID
	answered := c.localAnswered
	tolerance := c.heartbeatTolerance
	c.mu.Unlock()

	if session == nil {
		return View{Phase: PhaseConnecting}
	}
	return DeriveView(*session, playerID, answered, c.clock.Now().UTC(), tolerance)
}

// Leave releases every subscription and clears in-memory session state.
// The persisted identity is kept unless the game was abandoned, so a
// deliberate reload can still reconnect.
func (c *Controller) Leave() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.left = true
	c.latest = nil
	c.localQuestionIndex = -1
	c.localAnswered = false
	code := c.pin
	c.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	if code != "" {
		c.logger.Info().Str("pin", code).Msg("left session")
	}
}
