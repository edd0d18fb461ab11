package game

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/quizwire/quizwire/internal/store"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusWaiting       Status = "waiting"
	StatusPlaying       Status = "playing"
	StatusQuestionEnded Status = "question_ended"
	StatusFinished      Status = "finished"
	StatusAbandoned     Status = "abandoned"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusAbandoned
}

// PlayerStatus is a player's per-question state.
type PlayerStatus string

const (
	PlayerWaiting  PlayerStatus = "waiting"
	PlayerAnswered PlayerStatus = "answered"
	PlayerTimedOut PlayerStatus = "timed_out"
)

// Question is one quiz question. Immutable once a game starts.
type Question struct {
	Text               string   `json:"text"`
	Options            []string `json:"options"`
	CorrectOptionIndex int      `json:"correctOptionIndex"`
	TimeLimitSeconds   int      `json:"timeLimitSeconds"`
}

// Quiz is an ordered sequence of questions.
type Quiz struct {
	Title     string     `json:"title,omitempty"`
	Questions []Question `json:"questions"`
}

// Player is one participant's record, owned by its session. NoAnswer
// marks CurrentAnswer as absent.
type Player struct {
	ID                  string       `json:"id"`
	Name                string       `json:"name"`
	Score               int          `json:"score"`
	Status              PlayerStatus `json:"status"`
	CurrentAnswer       int          `json:"currentAnswer"`
	ResponseTimeSeconds float64      `json:"responseTimeSeconds"`
	JoinedAt            time.Time    `json:"joinedAt"`
}

// NoAnswer is the CurrentAnswer value for a player who has not
// submitted for the current question.
const NoAnswer = -1

// GameState is the host-controlled portion of a session. Status and
// CurrentQuestionIndex always change together in a single store write.
type GameState struct {
	Status               Status     `json:"status"`
	CurrentQuestionIndex int        `json:"currentQuestionIndex"`
	QuestionStartTime    *time.Time `json:"questionStartTime,omitempty"`
	QuestionEndTime      *time.Time `json:"questionEndTime,omitempty"`
}

// LeaderboardEntry is one row of the persisted final ranking.
type LeaderboardEntry struct {
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
	Score    int    `json:"score"`
}

// Session is one game's full replicated record, keyed by PIN.
type Session struct {
	PIN             string             `json:"-"`
	Quiz            Quiz               `json:"quiz"`
	GameState       GameState          `json:"gameState"`
	Players         map[string]Player  `json:"players,omitempty"`
	Leaderboard     []LeaderboardEntry `json:"leaderboard,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	HostID          string             `json:"hostId"`
	HostHeartbeatAt *time.Time         `json:"hostHeartbeatAt,omitempty"`
}

// CurrentQuestion returns the active question, or false when the index
// is out of range for the quiz.
func (s *Session) CurrentQuestion() (Question, bool) {
	i := s.GameState.CurrentQuestionIndex
	if i < 0 || i >= len(s.Quiz.Questions) {
		return Question{}, false
	}
	return s.Quiz.Questions[i], true
}

// Encode converts a typed value into the store's JSON-shaped form.
func Encode(v any) (store.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var out store.Value
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return out, nil
}

// Decode converts a store value back into a typed struct.
func Decode(v store.Value, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("decode into %T: %w", out, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode into %T: %w", out, err)
	}
	return nil
}
