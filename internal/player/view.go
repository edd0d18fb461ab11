package player

import (
	"time"

	"github.com/quizwire/quizwire/internal/game"
)

// Phase is what the player UI should render.
type Phase string

const (
	PhaseConnecting Phase = "connecting"
	PhaseLobby      Phase = "lobby"
	PhaseQuestion   Phase = "question"
	PhaseWaiting    Phase = "waiting_for_others"
	PhaseReveal     Phase = "reveal"
	PhaseInterlude  Phase = "waiting_for_next"
	PhasePodium     Phase = "podium"
	PhaseAbandoned  Phase = "abandoned"
)

// revealDelay is how long the correct answer stays on screen after a
// question ends before switching to the interlude.
const revealDelay = 3 * time.Second

// View is a pure projection of one observed session snapshot. Own score
// comes from the replicated player record only.
type View struct {
	Phase            Phase                   `json:"phase"`
	PlayerCount      int                     `json:"playerCount"`
	QuestionIndex    int                     `json:"questionIndex"`
	QuestionCount    int                     `json:"questionCount"`
	Question         *game.Question          `json:"question,omitempty"`
	RemainingSeconds float64                 `json:"remainingSeconds"`
	CorrectOption    int                     `json:"correctOption"` // valid during reveal/interlude, else -1
	OwnScore         int                     `json:"ownScore"`
	Leaderboard      []game.LeaderboardEntry `json:"leaderboard,omitempty"`
	// Reset tells the caller to clear session identity and return to
	// the entry point.
	Reset bool `json:"reset,omitempty"`
}

// DeriveView maps a session snapshot to render state. answered is the
// controller's local at-most-once flag; now feeds countdown recomputation
// so a resumed tab recovers true remaining time from QuestionStartTime
// instead of a drifted local timer.
func DeriveView(session game.Session, playerID string, answered bool, now time.Time, heartbeatTolerance time.Duration) View {
	v := View{
		QuestionIndex: session.GameState.CurrentQuestionIndex,
		QuestionCount: len(session.Quiz.Questions),
		PlayerCount:   len(session.Players),
		CorrectOption: game.NoAnswer,
	}
	if me, ok := session.Players[playerID]; ok {
		v.OwnScore = me.Score
	}

	status := session.GameState.Status
	if status != game.StatusFinished && hostGone(session, now, heartbeatTolerance) {
		status = game.StatusAbandoned
	}

	switch status {
	case game.StatusWaiting:
		v.Phase = PhaseLobby
		v.Leaderboard = []game.LeaderboardEntry{}

	case game.StatusPlaying:
		question, ok := session.CurrentQuestion()
		if !ok {
			v.Phase = PhaseConnecting
			return v
		}
		if answered {
			v.Phase = PhaseWaiting
			return v
		}
		v.Phase = PhaseQuestion
		// The correct option stays hidden until reveal, even from a
		// client inspecting the payload.
		question.CorrectOptionIndex = game.NoAnswer
		v.Question = &question
		v.RemainingSeconds = remainingSeconds(session.GameState.QuestionStartTime, question.TimeLimitSeconds, now)

	case game.StatusQuestionEnded:
		question, ok := session.CurrentQuestion()
		if !ok {
			v.Phase = PhaseConnecting
			return v
		}
		v.CorrectOption = question.CorrectOptionIndex
		v.Phase = PhaseReveal
		if end := session.GameState.QuestionEndTime; end != nil && now.Sub(*end) >= revealDelay {
			v.Phase = PhaseInterlude
		}

	case game.StatusFinished:
		v.Phase = PhasePodium
		// Authoritative persisted ranking, never recomputed from
		// possibly stale player observations.
		v.Leaderboard = session.Leaderboard

	case game.StatusAbandoned:
		v.Phase = PhaseAbandoned
		v.Reset = true
	}
	return v
}

// remainingSeconds recomputes the countdown from the authoritative
// question start time.
func remainingSeconds(start *time.Time, limitSeconds int, now time.Time) float64 {
	if start == nil {
		return float64(limitSeconds)
	}
	remaining := float64(limitSeconds) - now.Sub(*start).Seconds()
	if remaining < 0 {
		return 0
	}
	if remaining > float64(limitSeconds) {
		return float64(limitSeconds)
	}
	return remaining
}

// hostGone reports whether the host heartbeat is stale enough to treat
// the session as abandoned. Sessions without a heartbeat yet (just
// created) are given the benefit of the doubt.
func hostGone(session game.Session, now time.Time, tolerance time.Duration) bool {
	if tolerance <= 0 || session.GameState.Status.Terminal() {
		return false
	}
	if session.HostHeartbeatAt == nil {
		return false
	}
	return now.Sub(*session.HostHeartbeatAt) > tolerance
}
