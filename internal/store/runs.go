package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/datalens/internal/agent"
)

// ErrRunNotFound is returned when a run ID doesn't exist.
var ErrRunNotFound = errors.New("run not found")

// Run is one recorded query processing, kept for the history view.
type Run struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	Query      string          `json:"query"`
	Status     string          `json:"status"`
	Steps      int             `json:"steps"`
	DurationMS int64           `json:"duration_ms"`
	State      json.RawMessage `json:"state,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// SaveRun records a finished query and returns the run ID.
func (s *Store) SaveRun(ctx context.Context, query string, st *agent.State) (string, error) {
	stateJSON, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}

	var id string
	err = s.db.QueryRow(ctx, `
		INSERT INTO runs (id, session_id, query, status, steps, duration_ms, state)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6)
		RETURNING id`,
		st.SessionID, query, string(st.Status), st.CurrentStep,
		st.Duration.Milliseconds(), stateJSON,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("save run: %w", err)
	}
	return id, nil
}

// ListRuns returns recent runs, newest first, without the state payload.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, query, status, steps, duration_ms, created_at
		FROM runs
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Query, &r.Status,
			&r.Steps, &r.DurationMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run including the full recorded state.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var r Run
	err := s.db.QueryRow(ctx, `
		SELECT id, session_id, query, status, steps, duration_ms, state, created_at
		FROM runs
		WHERE id = $1`, id).
		Scan(&r.ID, &r.SessionID, &r.Query, &r.Status, &r.Steps,
			&r.DurationMS, &r.State, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &r, nil
}
