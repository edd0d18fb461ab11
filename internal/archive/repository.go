// Package archive persists finished game results to Postgres. Live
// session state stays in the shared store; this is the durable record
// that survives the session being torn down.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/quizwire/quizwire/internal/game"
)

// ErrResultNotFound is returned when no archived result exists for a
// PIN.
var ErrResultNotFound = errors.New("archive: result not found")

// Result is one archived game.
type Result struct {
	ID            uuid.UUID
	PIN           string
	HostID        string
	Title         string
	QuestionCount int
	PlayerCount   int
	Leaderboard   []game.LeaderboardEntry
	CreatedAt     time.Time
	ArchivedAt    time.Time
}

// Repository stores game results in Postgres.
type Repository struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

// NewRepository creates a repository backed by the given pool.
func NewRepository(pool *pgxpool.Pool, clock clockwork.Clock) *Repository {
	return &Repository{pool: pool, clock: clock}
}

// Migrate creates the results table if it does not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS game_results (
			id             UUID PRIMARY KEY,
			pin            TEXT NOT NULL,
			host_id        TEXT NOT NULL,
			title          TEXT NOT NULL,
			question_count INT NOT NULL,
			player_count   INT NOT NULL,
			leaderboard    JSONB NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL,
			archived_at    TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("migrate game_results: %w", err)
	}
	return nil
}

// ArchiveResult writes one finished session as a result row.
func (r *Repository) ArchiveResult(ctx context.Context, session game.Session) error {
	leaderboard := session.Leaderboard
	if leaderboard == nil {
		leaderboard = []game.LeaderboardEntry{}
	}
	encoded, err := json.Marshal(leaderboard)
	if err != nil {
		return fmt.Errorf("encode leaderboard: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO game_results
			(id, pin, host_id, title, question_count, player_count, leaderboard, created_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.New(),
		session.PIN,
		session.HostID,
		session.Quiz.Title,
		len(session.Quiz.Questions),
		len(session.Players),
		encoded,
		session.CreatedAt,
		r.clock.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert game result: %w", err)
	}
	return nil
}

// LatestResult returns the most recently archived result for a PIN.
// PINs get reused across games, so only the newest row counts.
func (r *Repository) LatestResult(ctx context.Context, pin string) (Result, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, pin, host_id, title, question_count, player_count, leaderboard, created_at, archived_at
		FROM game_results
		WHERE pin = $1
		ORDER BY archived_at DESC
		LIMIT 1`, pin)

	result, err := scanResult(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Result{}, fmt.Errorf("pin %s: %w", pin, ErrResultNotFound)
	}
	if err != nil {
		return Result{}, fmt.Errorf("query game result: %w", err)
	}
	return result, nil
}

// ListResults returns recent results, newest first.
func (r *Repository) ListResults(ctx context.Context, limit int) ([]Result, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, pin, host_id, title, question_count, player_count, leaderboard, created_at, archived_at
		FROM game_results
		ORDER BY archived_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query game results: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan game result: %w", err)
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate game results: %w", err)
	}
	return results, nil
}

func scanResult(row pgx.Row) (Result, error) {
	var result Result
	var leaderboard []byte
	err := row.Scan(
		&result.ID,
		&result.PIN,
		&result.HostID,
		&result.Title,
		&result.QuestionCount,
		&result.PlayerCount,
		&leaderboard,
		&result.CreatedAt,
		&result.ArchivedAt,
	)
	if err != nil {
		return Result{}, err
	}
	if err := json.Unmarshal(leaderboard, &result.Leaderboard); err != nil {
		return Result{}, fmt.Errorf("decode leaderboard: %w", err)
	}
	return result, nil
}
