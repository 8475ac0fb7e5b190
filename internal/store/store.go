// Package store persists normalized session events and per-turn summaries in
// SQLite. It hangs off the event bus: every published event is appended to
// the session's event log, and result events additionally record a turn
// summary row.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dkemper/steward/internal/bus"
	"github.com/dkemper/steward/internal/orchestrator"
)

const timeFormat = "2006-01-02T15:04:05.000Z"

// TurnSummary is one completed turn as recorded from a result event.
type TurnSummary struct {
	ID             int64
	SessionID      string
	ConversationID string
	IsError        bool
	NumTurns       int
	DurationMs     int
	InputTokens    int
	OutputTokens   int
	TotalCostUSD   float64
	CreatedAt      time.Time
}

// EventRecord is one appended event-log row.
type EventRecord struct {
	SessionID string
	Sequence  int64
	EventType string
	Payload   []byte
	CreatedAt time.Time
}

// Store is the SQLite-backed turn store.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens the store at dbPath, creating the schema if needed.
func Open(dbPath string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, log: log.With("component", "store")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Attach subscribes the store to the bus and returns the unsubscribe func.
// Persistence failures are logged, never propagated to the emitting path.
func (s *Store) Attach(b *bus.Bus) func() {
	return b.SubscribeAll(func(ev bus.SessionEvent) {
		ctx := context.Background()
		if err := s.AppendEvent(ctx, ev.SessionID, ev.Event); err != nil {
			s.log.Error("appending event", "session_id", ev.SessionID, "type", ev.Event.Type, "error", err)
		}
		if ev.Event.Type == orchestrator.EventResult && ev.Event.Result != nil {
			if err := s.RecordTurn(ctx, ev.SessionID, *ev.Event.Result); err != nil {
				s.log.Error("recording turn", "session_id", ev.SessionID, "error", err)
			}
		}
	})
}

// AppendEvent appends ev to the session's event log with the next sequence
// number for that session.
func (s *Store) AppendEvent(ctx context.Context, sessionID string, ev orchestrator.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_events (session_id, sequence, event_type, payload, created_at)
		VALUES (?,
			(SELECT COALESCE(MAX(sequence), 0) + 1 FROM session_events WHERE session_id = ?),
			?, ?, ?)`,
		sessionID, sessionID, string(ev.Type), string(payload),
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// ListEvents returns the session's event log in sequence order.
func (s *Store) ListEvents(ctx context.Context, sessionID string) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, sequence, event_type, payload, created_at
		FROM session_events WHERE session_id = ? ORDER BY sequence`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing events for session %q: %w", sessionID, err)
	}
	defer rows.Close()

	var records []EventRecord
	for rows.Next() {
		var r EventRecord
		var payload, createdAt string
		if err := rows.Scan(&r.SessionID, &r.Sequence, &r.EventType, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		r.Payload = []byte(payload)
		r.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

// RecordTurn records one completed turn's summary.
func (s *Store) RecordTurn(ctx context.Context, sessionID string, res orchestrator.TurnResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (session_id, conversation_id, is_error, num_turns,
			duration_ms, input_tokens, output_tokens, total_cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, res.ConversationID, res.IsError, res.NumTurns,
		res.DurationMs, res.InputTokens, res.OutputTokens, res.TotalCostUSD,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting turn: %w", err)
	}
	return nil
}

// ListTurns returns the session's turn summaries, oldest first.
func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]TurnSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, conversation_id, is_error, num_turns,
			duration_ms, input_tokens, output_tokens, total_cost_usd, created_at
		FROM turns WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing turns for session %q: %w", sessionID, err)
	}
	defer rows.Close()

	var turns []TurnSummary
	for rows.Next() {
		var t TurnSummary
		var createdAt string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.ConversationID, &t.IsError,
			&t.NumTurns, &t.DurationMs, &t.InputTokens, &t.OutputTokens,
			&t.TotalCostUSD, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning turn row: %w", err)
		}
		t.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
