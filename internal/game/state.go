package game

import (
	"errors"
	"fmt"
	"sort"

	"github.com/quizwire/quizwire/internal/store"
)

var (
	// ErrInvalidState is returned when a transition is requested from a
	// state that does not permit it. The store is never mutated.
	ErrInvalidState = errors.New("game: invalid state for transition")

	// ErrInvalidQuiz is returned for quizzes that cannot be played.
	ErrInvalidQuiz = errors.New("game: invalid quiz")
)

// transitions is the session state machine. Abandoned is additionally
// reachable from every non-terminal state, handled in CanTransition.
var transitions = map[Status][]Status{
	StatusWaiting:       {StatusPlaying, StatusFinished},
	StatusPlaying:       {StatusQuestionEnded, StatusFinished},
	StatusQuestionEnded: {StatusPlaying, StatusFinished},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to Status) bool {
	if to == StatusAbandoned {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateQuiz rejects quizzes a session cannot be created from: no
// questions, fewer than two options, an out-of-range correct index, or
// a non-positive time limit.
func ValidateQuiz(q Quiz) error {
	if len(q.Questions) == 0 {
		return fmt.Errorf("%w: no questions", ErrInvalidQuiz)
	}
	for i, question := range q.Questions {
		if len(question.Options) < 2 {
			return fmt.Errorf("%w: question %d has %d options, need at least 2", ErrInvalidQuiz, i, len(question.Options))
		}
		if question.CorrectOptionIndex < 0 || question.CorrectOptionIndex >= len(question.Options) {
			return fmt.Errorf("%w: question %d correct option index %d out of range", ErrInvalidQuiz, i, question.CorrectOptionIndex)
		}
		if question.TimeLimitSeconds <= 0 {
			return fmt.Errorf("%w: question %d time limit must be positive", ErrInvalidQuiz, i)
		}
	}
	return nil
}

// ComputeLeaderboard ranks players by score descending; ties break by
// join time, then by ID so repeated computations are identical.
func ComputeLeaderboard(players map[string]Player) []LeaderboardEntry {
	ranked := make([]Player, 0, len(players))
	for _, p := range players {
		ranked = append(ranked, p)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if !ranked[i].JoinedAt.Equal(ranked[j].JoinedAt) {
			return ranked[i].JoinedAt.Before(ranked[j].JoinedAt)
		}
		return ranked[i].ID < ranked[j].ID
	})

	entries := make([]LeaderboardEntry, len(ranked))
	for i, p := range ranked {
		entries[i] = LeaderboardEntry{PlayerID: p.ID, Name: p.Name, Score: p.Score}
	}
	return entries
}

// Store path layout: games/<pin> with children quiz, gameState,
// players, leaderboard, createdAt, hostId, hostHeartbeatAt.

// SessionPath is the root path of a session record.
func SessionPath(pin string) string {
	return store.Join("games", pin)
}

// GameStatePath is the path of the host-controlled state subtree.
func GameStatePath(pin string) string {
	return store.Join("games", pin, "gameState")
}

// PlayersPath is the path of the players mapping.
func PlayersPath(pin string) string {
	return store.Join("games", pin, "players")
}

// PlayerPath is the path of a single player's record.
func PlayerPath(pin, playerID string) string {
	return store.Join("games", pin, "players", playerID)
}
