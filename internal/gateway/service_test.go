package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/quizwire/quizwire/internal/game"
	"github.com/quizwire/quizwire/internal/player"
	"github.com/quizwire/quizwire/internal/store"
)

func testQuiz() game.Quiz {
	return game.Quiz{
		Title: "capitals",
		Questions: []game.Question{
			{Text: "capital of France?", Options: []string{"Paris", "Lyon"}, CorrectOptionIndex: 0, TimeLimitSeconds: 20},
			{Text: "capital of Japan?", Options: []string{"Osaka", "Tokyo"}, CorrectOptionIndex: 1, TimeLimitSeconds: 30},
		},
	}
}

type testEnv struct {
	svc    *Service
	server *httptest.Server
	clock  *clockwork.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := store.NewMemory()
	clk := clockwork.NewFakeClock()
	svc := NewService(st, clk, Config{ConnectionConfig: DefaultConnectionConfig()}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Start(ctx)
	}()

	server := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		server.Close()
		cancel()
		<-done
		st.Close()
	})
	return &testEnv{svc: svc, server: server, clock: clk}
}

func (e *testEnv) post(t *testing.T, path, hostID string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if hostID != "" {
		req.Header.Set("X-Host-ID", hostID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) createGame(t *testing.T) (pin, hostID string) {
	t.Helper()
	resp := e.post(t, "/api/games", "", createGameRequest{Quiz: testQuiz()})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create game status = %d, want 201", resp.StatusCode)
	}
	var out createGameResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if len(out.PIN) != 6 || out.HostID == "" {
		t.Fatalf("create response = %+v, want 6-digit pin and host id", out)
	}
	return out.PIN, out.HostID
}

func (e *testEnv) join(t *testing.T, pin, name string) string {
	t.Helper()
	resp := e.post(t, "/api/games/"+pin+"/join", "", joinRequest{Name: name})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("join status = %d, want 201", resp.StatusCode)
	}
	var out joinResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode join response: %v", err)
	}
	return out.PlayerID
}

func (e *testEnv) getView(t *testing.T, pin, playerID string) player.View {
	t.Helper()
	resp, err := http.Get(e.server.URL + "/api/games/" + pin + "/view?player_id=" + playerID)
	if err != nil {
		t.Fatalf("GET view: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("view status = %d, want 200", resp.StatusCode)
	}
	var v player.View
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	return v
}

func (e *testEnv) waitForPhase(t *testing.T, pin, playerID string, want player.Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last player.Phase
	for time.Now().Before(deadline) {
		last = e.getView(t, pin, playerID).Phase
		if last == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("phase = %s, want %s", last, want)
}

func (e *testEnv) getSession(t *testing.T, pin string) game.Session {
	t.Helper()
	resp, err := http.Get(e.server.URL + "/api/games/" + pin)
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session status = %d, want 200", resp.StatusCode)
	}
	var s game.Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return s
}

func TestCreateGameRejectsBadQuiz(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/games", "", createGameRequest{Quiz: game.Quiz{}})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestJoinUnknownGame(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/games/999999/join", "", joinRequest{Name: "Ada"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHostActionRequiresMatchingID(t *testing.T) {
	env := newTestEnv(t)
	pin, _ := env.createGame(t)

	resp := env.post(t, "/api/games/"+pin+"/start", "not-the-host", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestAnswerUnknownPlayer(t *testing.T) {
	env := newTestEnv(t)
	pin, _ := env.createGame(t)

	resp := env.post(t, "/api/games/"+pin+"/answer", "", answerRequest{PlayerID: "ghost", OptionIndex: 0})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGameFlowOverREST(t *testing.T) {
	env := newTestEnv(t)
	pin, hostID := env.createGame(t)
	playerID := env.join(t, pin, "Ada")

	if v := env.getView(t, pin, playerID); v.Phase != player.PhaseLobby {
		t.Fatalf("pre-start phase = %s, want lobby", v.Phase)
	}

	resp := env.post(t, "/api/games/"+pin+"/start", hostID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("start status = %d, want 204", resp.StatusCode)
	}
	env.waitForPhase(t, pin, playerID, player.PhaseQuestion)

	env.clock.Advance(5 * time.Second)
	resp = env.post(t, "/api/games/"+pin+"/answer", "", answerRequest{PlayerID: playerID, OptionIndex: 0})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("answer status = %d, want 204", resp.StatusCode)
	}

	// A second submission for the same question conflicts.
	resp = env.post(t, "/api/games/"+pin+"/answer", "", answerRequest{PlayerID: playerID, OptionIndex: 1})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double answer status = %d, want 409", resp.StatusCode)
	}

	resp = env.post(t, "/api/games/"+pin+"/question/end", hostID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("end question status = %d, want 204", resp.StatusCode)
	}

	session := env.getSession(t, pin)
	if session.GameState.Status != game.StatusQuestionEnded {
		t.Fatalf("status = %s, want question_ended", session.GameState.Status)
	}
	if got := session.Players[playerID].Score; got != 1375 {
		t.Fatalf("score = %d, want 1375 for a correct answer at 5s of 20s", got)
	}

	resp = env.post(t, "/api/games/"+pin+"/next", hostID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("next status = %d, want 204", resp.StatusCode)
	}
	env.waitForPhase(t, pin, playerID, player.PhaseQuestion)

	resp = env.post(t, "/api/games/"+pin+"/end", hostID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("end game status = %d, want 204", resp.StatusCode)
	}

	session = env.getSession(t, pin)
	if session.GameState.Status != game.StatusFinished {
		t.Fatalf("status = %s, want finished", session.GameState.Status)
	}
	if len(session.Leaderboard) != 1 || session.Leaderboard[0].PlayerID != playerID {
		t.Fatalf("leaderboard = %+v, want the single joined player", session.Leaderboard)
	}
}

func TestRejoinReturnsSamePlayer(t *testing.T) {
	env := newTestEnv(t)
	pin, _ := env.createGame(t)
	playerID := env.join(t, pin, "Ada")

	resp := env.post(t, "/api/games/"+pin+"/join", "", joinRequest{Name: "Ada", PlayerID: playerID})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rejoin status = %d, want 200", resp.StatusCode)
	}
	var out joinResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode rejoin response: %v", err)
	}
	if out.PlayerID != playerID {
		t.Fatalf("rejoin player id = %s, want %s", out.PlayerID, playerID)
	}

	if got := len(env.getSession(t, pin).Players); got != 1 {
		t.Fatalf("player count after rejoin = %d, want 1", got)
	}
}

func dialWS(t *testing.T, serverURL, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws/game?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEventUntil(t *testing.T, conn *websocket.Conn, match func(Event) bool) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var event Event
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if match(event) {
			return event
		}
	}
}

func TestWebSocketPlayerGetsViewsNotAnswers(t *testing.T) {
	env := newTestEnv(t)
	pin, hostID := env.createGame(t)
	playerID := env.join(t, pin, "Ada")

	conn := dialWS(t, env.server.URL, fmt.Sprintf("pin=%s&role=player&player_id=%s", pin, playerID))

	event := readEventUntil(t, conn, func(e Event) bool { return e.View != nil })
	if event.View.Phase != player.PhaseLobby {
		t.Fatalf("initial phase = %s, want lobby", event.View.Phase)
	}
	if event.Session != nil {
		t.Fatal("player connection received the raw session")
	}

	resp := env.post(t, "/api/games/"+pin+"/start", hostID, nil)
	resp.Body.Close()

	event = readEventUntil(t, conn, func(e Event) bool {
		return e.View != nil && e.View.Phase == player.PhaseQuestion
	})
	if event.View.Question == nil || event.View.Question.Text != "capital of France?" {
		t.Fatalf("question = %+v, want the first question", event.View.Question)
	}
	if event.View.CorrectOption != game.NoAnswer {
		t.Fatalf("correct option leaked mid-question: %d", event.View.CorrectOption)
	}
}

func TestWebSocketHostGetsFullSession(t *testing.T) {
	env := newTestEnv(t)
	pin, _ := env.createGame(t)
	env.join(t, pin, "Ada")

	conn := dialWS(t, env.server.URL, "pin="+pin+"&role=host")

	event := readEventUntil(t, conn, func(e Event) bool {
		return e.Session != nil && len(e.Session.Players) == 1
	})
	if event.Session.Quiz.Questions[0].CorrectOptionIndex != 0 {
		t.Fatal("host snapshot must carry the full quiz")
	}
	if event.Session.GameState.Status != game.StatusWaiting {
		t.Fatalf("status = %s, want waiting", event.Session.GameState.Status)
	}
}

func TestWebSocketRejectsUnknownPIN(t *testing.T) {
	env := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws/game?pin=999999"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn.Close()
		t.Fatal("dial to unknown pin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("handshake response = %+v, want 404", resp)
	}
	if resp != nil {
		resp.Body.Close()
	}
}

// resourceCounts samples what the service is holding for live games.
func resourceCounts(s *Service) (watchers, hosts, players int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers), len(s.hosts), len(s.players)
}

func waitForRelease(t *testing.T, s *Service) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w, h, p := resourceCounts(s)
		if w == 0 && h == 0 && p == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	w, h, p := resourceCounts(s)
	t.Fatalf("resources still held: %d watchers, %d hosts, %d players", w, h, p)
}

func TestFinishedGameReleasesResources(t *testing.T) {
	env := newTestEnv(t)
	pin, hostID := env.createGame(t)
	env.join(t, pin, "Ada")

	if w, h, p := resourceCounts(env.svc); w != 1 || h != 1 || p != 1 {
		t.Fatalf("live game holds %d/%d/%d watchers/hosts/players, want 1/1/1", w, h, p)
	}

	resp := env.post(t, "/api/games/"+pin+"/end", hostID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("end game status = %d, want 204", resp.StatusCode)
	}

	waitForRelease(t, env.svc)

	// The persisted record survives release; only live resources go.
	if got := env.getSession(t, pin).GameState.Status; got != game.StatusFinished {
		t.Fatalf("status after release = %s, want finished", got)
	}
}

func TestDeleteGameReleasesResources(t *testing.T) {
	env := newTestEnv(t)
	pin, hostID := env.createGame(t)
	env.join(t, pin, "Ada")

	req, err := http.NewRequest(http.MethodDelete, env.server.URL+"/api/games/"+pin, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("X-Host-ID", hostID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	// Closing the host marks the session abandoned; observing that
	// terminal snapshot releases the watcher and player controllers.
	waitForRelease(t, env.svc)

	if got := env.getSession(t, pin).GameState.Status; got != game.StatusAbandoned {
		t.Fatalf("status after delete = %s, want abandoned", got)
	}
}

type recordingArchiver struct {
	mu       sync.Mutex
	sessions []game.Session
}

func (a *recordingArchiver) ArchiveResult(ctx context.Context, session game.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions = append(a.sessions, session)
	return nil
}

func TestFinishedGameIsArchivedOnce(t *testing.T) {
	st := store.NewMemory()
	clk := clockwork.NewFakeClock()
	archiver := &recordingArchiver{}
	svc := NewService(st, clk, Config{ConnectionConfig: DefaultConnectionConfig()}, archiver)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Start(ctx)
	}()
	server := httptest.NewServer(svc.Handler())
	defer func() {
		server.Close()
		cancel()
		<-done
		st.Close()
	}()
	env := &testEnv{svc: svc, server: server, clock: clk}

	pin, hostID := env.createGame(t)
	env.join(t, pin, "Ada")

	resp := env.post(t, "/api/games/"+pin+"/end", hostID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("end game status = %d, want 204", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		archiver.mu.Lock()
		n := len(archiver.sessions)
		archiver.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("finished game never reached the archiver")
		}
		time.Sleep(5 * time.Millisecond)
	}

	archiver.mu.Lock()
	defer archiver.mu.Unlock()
	if len(archiver.sessions) != 1 {
		t.Fatalf("archived %d times, want exactly once", len(archiver.sessions))
	}
	got := archiver.sessions[0]
	if got.PIN != pin || got.GameState.Status != game.StatusFinished {
		t.Fatalf("archived session = pin %s status %s, want %s finished", got.PIN, got.GameState.Status, pin)
	}
}
