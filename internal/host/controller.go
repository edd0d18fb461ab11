// Package host drives a single game session through its lifecycle:
// creation, question advancement, the scoring pass, and teardown. One
// Controller owns one hosted game; the store is the single source of
// truth and every transition is an atomic store write.
package host

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

// errPinTaken signals a collision during PIN allocation; retried with a
// fresh code.
var errPinTaken = errors.New("host: pin already taken")

// ErrNoSession is returned for operations before CreateSession.
var ErrNoSession = errors.New("host: no active session")

// Config tunes per-controller policy.
type Config struct {
	// MinPlayers blocks AdvanceToPlaying until this many players have
	// joined. Zero allows starting an empty lobby.
	MinPlayers int

	// PinAttempts bounds PIN allocation retries on collision.
	PinAttempts int

	// HeartbeatInterval is how often the host refreshes its liveness
	// timestamp on the session.
	HeartbeatInterval time.Duration

	// GeneratePIN overrides join-code allocation. Defaults to
	// pin.Generate.
	GeneratePIN func() (string, error)
}

func (c Config) withDefaults() Config {
	if c.PinAttempts <= 0 {
		c.PinAttempts = 5
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.GeneratePIN == nil {
		c.GeneratePIN = pin.Generate
	}
	return c
}

// Controller is the host side of one game session.
type Controller struct {
	store  store.Store
	clock  clockwork.Clock
	cfg    Config
	logger zerolog.Logger

	hostID string

	mu            sync.Mutex
	pin           string
	quiz          game.Quiz
	questionTimer clockwork.Timer
	timerDone     chan struct{}
	heartbeatDone chan struct{}
	subs          []*store.Subscription
	closed        bool
}

// New creates a controller bound to a store. The clock is injected so
// tests can drive question deadlines with a fake clock.
func New(st store.Store, clock clockwork.Clock, cfg Config, logger zerolog.Logger) *Controller {
	return &Controller{
		store:  st,
		clock:  clock,
		cfg:    cfg.withDefaults(),
		logger: logger,
		hostID: uuid.New().String(),
	}
}

// HostID returns this controller's identity as written to the session.
func (c *Controller) HostID() string { return c.hostID }

// PIN returns the active session's join code, empty before
// CreateSession.
func (c *Controller) PIN() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pin
}

// CreateSession validates the quiz, allocates a PIN (retrying on
// collision) and writes the initial waiting session.
func (c *Controller) CreateSession(ctx context.Context, quiz game.Quiz) (string, error) {
	if err := game.ValidateQuiz(quiz); err != nil {
		return "", err
	}

	session := game.Session{
		Quiz:      quiz,
		GameState: game.GameState{Status: game.StatusWaiting, CurrentQuestionIndex: 0},
		CreatedAt: c.clock.Now().UTC(),
		HostID:    c.hostID,
	}
	encoded, err := game.Encode(session)
	if err != nil {
		return "", err
	}

	var allocated string
	for attempt := 0; attempt < c.cfg.PinAttempts; attempt++ {
		code, err := c.cfg.GeneratePIN()
		if err != nil {
			return "", err
		}
		// Create-if-absent: the transaction sees any concurrently
		// allocated session at the same code.
		err = c.store.Transact(ctx, game.SessionPath(code), func(cur store.Value) (store.Value, error) {
			if cur != nil {
				return nil, errPinTaken
			}
			return encoded, nil
		})
		if errors.Is(err, errPinTaken) {
			c.logger.Warn().Str("pin", code).Int("attempt", attempt+1).Msg("pin collision, retrying")
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create session: %w", err)
		}
		allocated = code
		break
	}
	if allocated == "" {
		return "", fmt.Errorf("create session: pin allocation exhausted after %d attempts", c.cfg.PinAttempts)
	}

	c.mu.Lock()
	c.pin = allocated
	c.quiz = quiz
	c.heartbeatDone = make(chan struct{})
	go c.heartbeatLoop(c.heartbeatDone)
	c.mu.Unlock()

	c.logger.Info().Str("pin", allocated).Int("questions", len(quiz.Questions)).Msg("session created")
	return allocated, nil
}

// AdvanceToPlaying starts the game: waiting → playing on question 0.
func (c *Controller) AdvanceToPlaying(ctx context.Context) error {
	p, err := c.sessionPIN()
	if err != nil {
		return err
	}

	if c.cfg.MinPlayers > 0 {
		count, err := c.playerCount(ctx, p)
		if err != nil {
			return err
		}
		if count < c.cfg.MinPlayers {
			return fmt.Errorf("%w: %d of %d players joined", game.ErrInvalidState, count, c.cfg.MinPlayers)
		}
	}

	now := c.clock.Now().UTC()
	err = c.transitionGameState(ctx, p, func(gs *game.GameState) error {
		if gs.Status != game.StatusWaiting {
			return fmt.Errorf("%w: cannot start from %s", game.ErrInvalidState, gs.Status)
		}
		gs.Status = game.StatusPlaying
		gs.CurrentQuestionIndex = 0
		gs.QuestionStartTime = &now
		gs.QuestionEndTime = nil
		return nil
	})
	if err != nil {
		return err
	}

	c.scheduleQuestionTimer(0)
	c.logger.Info().Str("pin", p).Msg("game started")
	return nil
}

// EndCurrentQuestion freezes answers for the active question and
// settles every player's score in one session-root transaction. Of two
// concurrent callers only one performs the playing → question_ended
// flip, so scores are applied exactly once; the loser gets
// ErrInvalidState. Answers written after the freeze commits land on an
// already-settled record and are never counted.
func (c *Controller) EndCurrentQuestion(ctx context.Context) error {
	p, err := c.sessionPIN()
	if err != nil {
		return err
	}

	now := c.clock.Now().UTC()
	var frozenIndex int
	err = c.store.Transact(ctx, game.SessionPath(p), func(cur store.Value) (store.Value, error) {
		if cur == nil {
			return nil, store.ErrNotFound
		}
		var session game.Session
		if err := game.Decode(cur, &session); err != nil {
			return nil, err
		}
		gs := &session.GameState
		if gs.Status != game.StatusPlaying {
			return nil, fmt.Errorf("%w: cannot end question from %s", game.ErrInvalidState, gs.Status)
		}
		question, ok := session.CurrentQuestion()
		if !ok {
			return nil, fmt.Errorf("%w: no question at index %d", game.ErrInvalidState, gs.CurrentQuestionIndex)
		}
		gs.Status = game.StatusQuestionEnded
		gs.QuestionEndTime = &now
		frozenIndex = gs.CurrentQuestionIndex

		for id, player := range session.Players {
			if player.Status == game.PlayerAnswered && player.CurrentAnswer != game.NoAnswer {
				correct := player.CurrentAnswer == question.CorrectOptionIndex
				player.Score += game.Score(correct, player.ResponseTimeSeconds, float64(question.TimeLimitSeconds))
			} else {
				player.Status = game.PlayerTimedOut
			}
			session.Players[id] = player
		}
		return game.Encode(session)
	})
	if err != nil {
		return err
	}

	c.cancelQuestionTimer()
	c.logger.Info().Str("pin", p).Int("question", frozenIndex).Msg("question ended and scored")
	return nil
}

// AdvanceToNextQuestion moves question_ended → playing on the next
// index, or finishes the game when no next question exists. Per-question
// player fields are reset before the state flips so no client observes
// a stale answer against a new question.
func (c *Controller) AdvanceToNextQuestion(ctx context.Context) error {
	p, err := c.sessionPIN()
	if err != nil {
		return err
	}

	raw, err := c.store.Get(ctx, game.GameStatePath(p))
	if err != nil {
		return fmt.Errorf("read game state: %w", err)
	}
	var gs game.GameState
	if err := game.Decode(raw, &gs); err != nil {
		return err
	}
	if gs.Status != game.StatusQuestionEnded {
		return fmt.Errorf("%w: cannot advance from %s", game.ErrInvalidState, gs.Status)
	}

	next := gs.CurrentQuestionIndex + 1
	c.mu.Lock()
	total := len(c.quiz.Questions)
	c.mu.Unlock()
	if next >= total {
		return c.finish(ctx, p)
	}

	if err := c.resetPlayers(ctx, p); err != nil {
		return err
	}

	now := c.clock.Now().UTC()
	err = c.transitionGameState(ctx, p, func(gs *game.GameState) error {
		if gs.Status != game.StatusQuestionEnded {
			return fmt.Errorf("%w: cannot advance from %s", game.ErrInvalidState, gs.Status)
		}
		if gs.CurrentQuestionIndex+1 != next {
			return fmt.Errorf("%w: question index moved concurrently", game.ErrInvalidState)
		}
		gs.Status = game.StatusPlaying
		gs.CurrentQuestionIndex = next
		gs.QuestionStartTime = &now
		gs.QuestionEndTime = nil
		return nil
	})
	if err != nil {
		return err
	}

	c.scheduleQuestionTimer(next)
	c.logger.Info().Str("pin", p).Int("question", next).Msg("advanced to next question")
	return nil
}

// EndGame finishes the session from any non-terminal state.
func (c *Controller) EndGame(ctx context.Context) error {
	p, err := c.sessionPIN()
	if err != nil {
		return err
	}
	return c.finish(ctx, p)
}

// finish flips the session to finished and persists the authoritative
// leaderboard in the same session-root transaction, so clients never
// see a finished status without a ranking.
func (c *Controller) finish(ctx context.Context, p string) error {
	err := c.store.Transact(ctx, game.SessionPath(p), func(cur store.Value) (store.Value, error) {
		if cur == nil {
			return nil, store.ErrNotFound
		}
		var session game.Session
		if err := game.Decode(cur, &session); err != nil {
			return nil, err
		}
		if session.GameState.Status.Terminal() {
			return nil, fmt.Errorf("%w: cannot finish from %s", game.ErrInvalidState, session.GameState.Status)
		}
		session.GameState.Status = game.StatusFinished
		session.Leaderboard = game.ComputeLeaderboard(session.Players)
		return game.Encode(session)
	})
	if err != nil {
		return err
	}

	c.cancelQuestionTimer()
	c.logger.Info().Str("pin", p).Msg("game finished")
	return nil
}

// ObservePlayers invokes fn with the full current player mapping on
// every change, never a diff.
func (c *Controller) ObservePlayers(fn func(players map[string]game.Player)) error {
	p, err := c.sessionPIN()
	if err != nil {
		return err
	}

	mirror := make(map[string]game.Player)
	var mirrorMu sync.Mutex

	emit := func() {
		out := make(map[string]game.Player, len(mirror))
		for k, v := range mirror {
			out[k] = v
		}
		fn(out)
	}
	upsert := func(key string, value store.Value) {
		var player game.Player
		if err := game.Decode(value, &player); err != nil {
			c.logger.Error().Err(err).Str("player_id", key).Msg("undecodable player record")
			return
		}
		mirrorMu.Lock()
		mirror[key] = player
		emit()
		mirrorMu.Unlock()
	}

	sub, err := c.store.Subscribe(game.PlayersPath(p), store.Handler{
		Sync: func(value store.Value) {
			players := map[string]game.Player{}
			if value != nil {
				if err := game.Decode(value, &players); err != nil {
					c.logger.Error().Err(err).Msg("undecodable players subtree")
					return
				}
			}
			mirrorMu.Lock()
			mirror = players
			emit()
			mirrorMu.Unlock()
		},
		ChildAdded:   upsert,
		ChildChanged: upsert,
		ChildRemoved: func(key string) {
			mirrorMu.Lock()
			delete(mirror, key)
			emit()
			mirrorMu.Unlock()
		},
	})
	if err != nil {
		return fmt.Errorf("observe players: %w", err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Close tears the controller down: timers cancelled, subscriptions
// released, and a session still in flight marked abandoned so players
// stop participating.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	p := c.pin
	if c.heartbeatDone != nil {
		close(c.heartbeatDone)
	}
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	c.cancelQuestionTimer()
	for _, s := range subs {
		s.Close()
	}
	if p == "" {
		return nil
	}

	err := c.store.Transact(ctx, game.GameStatePath(p), func(cur store.Value) (store.Value, error) {
		if cur == nil {
			return nil, store.ErrNotFound
		}
		var gs game.GameState
		if err := game.Decode(cur, &gs); err != nil {
			return nil, err
		}
		if gs.Status.Terminal() {
			return nil, game.ErrInvalidState
		}
		gs.Status = game.StatusAbandoned
		return game.Encode(gs)
	})
	if err != nil && !errors.Is(err, game.ErrInvalidState) && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("mark abandoned: %w", err)
	}
	c.logger.Info().Str("pin", p).Msg("host controller closed")
	return nil
}

// resetPlayers clears per-question fields ahead of the next question.
func (c *Controller) resetPlayers(ctx context.Context, p string) error {
	raw, err := c.store.Get(ctx, game.PlayersPath(p))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read players: %w", err)
	}
	players := map[string]game.Player{}
	if err := game.Decode(raw, &players); err != nil {
		return err
	}

	for id := range players {
		err := c.store.Update(ctx, game.PlayerPath(p, id), map[string]store.Value{
			"status":              string(game.PlayerWaiting),
			"currentAnswer":       float64(game.NoAnswer),
			"responseTimeSeconds": float64(0),
		})
		if err != nil {
			return fmt.Errorf("reset player %s: %w", id, err)
		}
	}
	return nil
}

// transitionGameState runs a guarded mutation of the gameState subtree
// as one transaction, keeping status and question index coherent for
// every observer.
func (c *Controller) transitionGameState(ctx context.Context, p string, mutate func(*game.GameState) error) error {
	return c.store.Transact(ctx, game.GameStatePath(p), func(cur store.Value) (store.Value, error) {
		if cur == nil {
			return nil, store.ErrNotFound
		}
		var gs game.GameState
		if err := game.Decode(cur, &gs); err != nil {
			return nil, err
		}
		if err := mutate(&gs); err != nil {
			return nil, err
		}
		return game.Encode(gs)
	})
}

func (c *Controller) playerCount(ctx context.Context, p string) (int, error) {
	raw, err := c.store.Get(ctx, game.PlayersPath(p))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read players: %w", err)
	}
	players, ok := raw.(map[string]store.Value)
	if !ok {
		return 0, nil
	}
	return len(players), nil
}

func (c *Controller) sessionPIN() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pin == "" {
		return "", ErrNoSession
	}
	return c.pin, nil
}

// heartbeatLoop refreshes the host liveness timestamp until Close.
func (c *Controller) heartbeatLoop(done chan struct{}) {
	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.Chan():
			p, err := c.sessionPIN()
			if err != nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err = c.store.Update(ctx, game.SessionPath(p), map[string]store.Value{
				"hostHeartbeatAt": c.clock.Now().UTC().Format(time.RFC3339Nano),
			})
			cancel()
			if err != nil {
				c.logger.Warn().Err(err).Str("pin", p).Msg("heartbeat write failed")
			}
		}
	}
}
