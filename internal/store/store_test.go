package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkemper/steward/internal/bus"
	"github.com/dkemper/steward/internal/orchestrator"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "steward.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen(t *testing.T) {
	t.Run("creates schema via migration", func(t *testing.T) {
		s := openTestStore(t)

		var count int
		require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM turns").Scan(&count))
		assert.Zero(t, count)
	})

	t.Run("enables WAL journal mode", func(t *testing.T) {
		s := openTestStore(t)

		var mode string
		require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
		assert.Equal(t, "wal", mode)
	})

	t.Run("creates parent directories", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "steward.db")
		s, err := Open(dbPath, nil)
		require.NoError(t, err)
		s.Close()
	})

	t.Run("idempotent migrations", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "steward.db")

		s1, err := Open(dbPath, nil)
		require.NoError(t, err)
		s1.Close()

		s2, err := Open(dbPath, nil)
		require.NoError(t, err)
		s2.Close()
	})
}

func TestAppendEvent_SequencesPerSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, "s1", orchestrator.Event{Type: orchestrator.EventText, Text: "a"}))
	require.NoError(t, s.AppendEvent(ctx, "s2", orchestrator.Event{Type: orchestrator.EventText, Text: "other"}))
	require.NoError(t, s.AppendEvent(ctx, "s1", orchestrator.Event{Type: orchestrator.EventDone}))

	events, err := s.ListEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, int64(2), events[1].Sequence)
	assert.Equal(t, "text", events[0].EventType)
	assert.Equal(t, "done", events[1].EventType)

	var decoded orchestrator.Event
	require.NoError(t, json.Unmarshal(events[0].Payload, &decoded))
	assert.Equal(t, "a", decoded.Text)

	other, err := s.ListEvents(ctx, "s2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, int64(1), other[0].Sequence)
}

func TestListEvents_UnknownSessionIsEmpty(t *testing.T) {
	s := openTestStore(t)

	events, err := s.ListEvents(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRecordTurn_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordTurn(ctx, "s1", orchestrator.TurnResult{
		ConversationID: "conv-1",
		IsError:        false,
		NumTurns:       2,
		DurationMs:     850,
		InputTokens:    120,
		OutputTokens:   340,
		TotalCostUSD:   0.0125,
	}))
	require.NoError(t, s.RecordTurn(ctx, "s1", orchestrator.TurnResult{
		ConversationID: "conv-1",
		IsError:        true,
		NumTurns:       1,
	}))

	turns, err := s.ListTurns(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, turns, 2)

	assert.Equal(t, "conv-1", turns[0].ConversationID)
	assert.Equal(t, 2, turns[0].NumTurns)
	assert.Equal(t, 850, turns[0].DurationMs)
	assert.Equal(t, 120, turns[0].InputTokens)
	assert.Equal(t, 340, turns[0].OutputTokens)
	assert.InDelta(t, 0.0125, turns[0].TotalCostUSD, 1e-9)
	assert.False(t, turns[0].IsError)
	assert.True(t, turns[1].IsError)
}

func TestAttach_PersistsBusTraffic(t *testing.T) {
	s := openTestStore(t)
	b := bus.New()
	defer b.Close()

	off := s.Attach(b)
	defer off()

	b.PublishSync(bus.SessionEvent{
		SessionID: "s1",
		Event:     orchestrator.Event{Type: orchestrator.EventText, Text: "hello"},
	})
	b.PublishSync(bus.SessionEvent{
		SessionID: "s1",
		Event: orchestrator.Event{
			Type:   orchestrator.EventResult,
			Result: &orchestrator.TurnResult{ConversationID: "conv-9", NumTurns: 1},
		},
	})

	ctx := context.Background()
	events, err := s.ListEvents(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, events, 2)

	turns, err := s.ListTurns(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "conv-9", turns[0].ConversationID)
}
