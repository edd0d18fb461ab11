package player

import (
	"testing"
	"time"

	"github.com/quizwire/quizwire/internal/game"
)

func viewSession() game.Session {
	return game.Session{
		Quiz: game.Quiz{Questions: []game.Question{
			{Text: "q0", Options: []string{"a", "b"}, CorrectOptionIndex: 1, TimeLimitSeconds: 20},
			{Text: "q1", Options: []string{"a", "b"}, CorrectOptionIndex: 0, TimeLimitSeconds: 30},
		}},
		Players: map[string]game.Player{
			"me":    {ID: "me", Name: "Ada", Score: 1375},
			"other": {ID: "other", Name: "Bo", Score: 0},
		},
	}
}

func TestDeriveViewLobby(t *testing.T) {
	s := viewSession()
	s.GameState.Status = game.StatusWaiting

	v := DeriveView(s, "me", false, time.Now(), 0)
	if v.Phase != PhaseLobby {
		t.Fatalf("phase = %s, want lobby", v.Phase)
	}
	if v.PlayerCount != 2 {
		t.Errorf("playerCount = %d, want 2", v.PlayerCount)
	}
	if v.Leaderboard == nil || len(v.Leaderboard) != 0 {
		t.Errorf("lobby leaderboard = %v, want empty", v.Leaderboard)
	}
}

func TestDeriveViewQuestionCountdown(t *testing.T) {
	s := viewSession()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.GameState = game.GameState{
		Status:               game.StatusPlaying,
		CurrentQuestionIndex: 0,
		QuestionStartTime:    &start,
	}

	// Resumed 8 seconds in: the countdown comes from the start time,
	// not a local timer.
	now := start.Add(8 * time.Second)
	v := DeriveView(s, "me", false, now, 0)
	if v.Phase != PhaseQuestion {
		t.Fatalf("phase = %s, want question", v.Phase)
	}
	if v.Question == nil || v.Question.Text != "q0" {
		t.Fatalf("question = %+v, want q0", v.Question)
	}
	if v.RemainingSeconds != 12 {
		t.Errorf("remainingSeconds = %v, want 12", v.RemainingSeconds)
	}
	if v.CorrectOption != game.NoAnswer {
		t.Errorf("correct option leaked during play: %d", v.CorrectOption)
	}
	if v.Question.CorrectOptionIndex != game.NoAnswer {
		t.Errorf("question payload leaked its correct index: %d", v.Question.CorrectOptionIndex)
	}
	if v.OwnScore != 1375 {
		t.Errorf("ownScore = %d, want 1375 from replicated record", v.OwnScore)
	}
}

func TestDeriveViewCountdownClampsAtZero(t *testing.T) {
	s := viewSession()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.GameState = game.GameState{Status: game.StatusPlaying, QuestionStartTime: &start}

	v := DeriveView(s, "me", false, start.Add(45*time.Second), 0)
	if v.RemainingSeconds != 0 {
		t.Fatalf("remainingSeconds = %v, want 0", v.RemainingSeconds)
	}
}

func TestDeriveViewAnsweredShowsWaiting(t *testing.T) {
	s := viewSession()
	start := time.Now().UTC()
	s.GameState = game.GameState{Status: game.StatusPlaying, QuestionStartTime: &start}

	v := DeriveView(s, "me", true, start.Add(time.Second), 0)
	if v.Phase != PhaseWaiting {
		t.Fatalf("phase = %s, want waiting_for_others", v.Phase)
	}
	if v.Question != nil {
		t.Error("question should not re-render once answered")
	}
}

func TestDeriveViewRevealThenInterlude(t *testing.T) {
	s := viewSession()
	end := time.Date(2026, 3, 1, 12, 0, 20, 0, time.UTC)
	s.GameState = game.GameState{
		Status:               game.StatusQuestionEnded,
		CurrentQuestionIndex: 1,
		QuestionEndTime:      &end,
	}

	v := DeriveView(s, "me", true, end.Add(time.Second), 0)
	if v.Phase != PhaseReveal {
		t.Fatalf("phase just after end = %s, want reveal", v.Phase)
	}
	if v.CorrectOption != 0 {
		t.Errorf("correctOption = %d, want 0 for q1", v.CorrectOption)
	}

	v = DeriveView(s, "me", true, end.Add(revealDelay+time.Second), 0)
	if v.Phase != PhaseInterlude {
		t.Fatalf("phase after delay = %s, want waiting_for_next", v.Phase)
	}
}

func TestDeriveViewPodiumUsesPersistedLeaderboard(t *testing.T) {
	s := viewSession()
	s.GameState.Status = game.StatusFinished
	// Persisted ranking deliberately disagrees with the player map to
	// prove the view never recomputes it.
	s.Leaderboard = []game.LeaderboardEntry{
		{PlayerID: "other", Name: "Bo", Score: 9999},
		{PlayerID: "me", Name: "Ada", Score: 1375},
	}

	v := DeriveView(s, "me", false, time.Now(), 0)
	if v.Phase != PhasePodium {
		t.Fatalf("phase = %s, want podium", v.Phase)
	}
	if v.Leaderboard[0].PlayerID != "other" || v.Leaderboard[0].Score != 9999 {
		t.Fatalf("leaderboard = %+v, want persisted ranking verbatim", v.Leaderboard)
	}
}

func TestDeriveViewAbandonedSignalsReset(t *testing.T) {
	s := viewSession()
	s.GameState.Status = game.StatusAbandoned

	v := DeriveView(s, "me", false, time.Now(), 0)
	if v.Phase != PhaseAbandoned {
		t.Fatalf("phase = %s, want abandoned", v.Phase)
	}
	if !v.Reset {
		t.Fatal("abandoned view must tell the caller to clear local state")
	}
}

func TestDeriveViewStaleHeartbeatMeansAbandoned(t *testing.T) {
	s := viewSession()
	s.GameState.Status = game.StatusPlaying
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.GameState.QuestionStartTime = &start
	beat := start.Add(2 * time.Second)
	s.HostHeartbeatAt = &beat

	tolerance := 15 * time.Second

	v := DeriveView(s, "me", false, beat.Add(10*time.Second), tolerance)
	if v.Phase == PhaseAbandoned {
		t.Fatal("fresh heartbeat treated as stale")
	}

	v = DeriveView(s, "me", false, beat.Add(time.Minute), tolerance)
	if v.Phase != PhaseAbandoned {
		t.Fatalf("phase with stale heartbeat = %s, want abandoned", v.Phase)
	}
}

func TestDeriveViewFinishedIgnoresHeartbeat(t *testing.T) {
	s := viewSession()
	s.GameState.Status = game.StatusFinished
	beat := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.HostHeartbeatAt = &beat

	v := DeriveView(s, "me", false, beat.Add(time.Hour), 15*time.Second)
	if v.Phase != PhasePodium {
		t.Fatalf("phase = %s; a finished game stays finished", v.Phase)
	}
}
