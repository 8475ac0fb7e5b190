package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	claudecode "github.com/severity1/claude-agent-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkemper/steward/internal/backend"
)

// fakeTurn is a scripted backend generation. Tests push messages into msgs
// and call finish() for natural exhaustion; Interrupt severs the stream the
// same way a real cancellation does.
type fakeTurn struct {
	msgs chan claudecode.Message
	err  error

	finishOnce  sync.Once
	interrupted atomic.Bool
	closed      atomic.Bool
}

func newFakeTurn() *fakeTurn {
	return &fakeTurn{msgs: make(chan claudecode.Message, 16)}
}

func (t *fakeTurn) Messages() <-chan claudecode.Message { return t.msgs }
func (t *fakeTurn) Err() error                          { return t.err }

func (t *fakeTurn) Interrupt() {
	t.interrupted.Store(true)
	t.finish()
}

func (t *fakeTurn) Close() { t.closed.Store(true) }

func (t *fakeTurn) finish() {
	t.finishOnce.Do(func() { close(t.msgs) })
}

func (t *fakeTurn) push(msg claudecode.Message) { t.msgs <- msg }

type fakeBackend struct {
	mu       sync.Mutex
	startErr error
	turnErr  error
	turns    []*fakeTurn
	requests []backend.TurnRequest
}

func (b *fakeBackend) StartTurn(_ context.Context, req backend.TurnRequest) (backend.Turn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startErr != nil {
		return nil, b.startErr
	}
	t := newFakeTurn()
	t.err = b.turnErr
	b.turns = append(b.turns, t)
	b.requests = append(b.requests, req)
	return t, nil
}

func (b *fakeBackend) lastTurn() *fakeTurn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.turns) == 0 {
		return nil
	}
	return b.turns[len(b.turns)-1]
}

func (b *fakeBackend) lastRequest() backend.TurnRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[len(b.requests)-1]
}

type staticEnv struct {
	env backend.Environment
	err error
}

func (p staticEnv) Environment() (backend.Environment, error) { return p.env, p.err }

type staticToolServers struct {
	servers map[string]claudecode.McpServerConfig
	err     error
}

func (p staticToolServers) ToolServers() (map[string]claudecode.McpServerConfig, error) {
	return p.servers, p.err
}

type taggedEvent struct {
	sessionID string
	event     Event
}

type eventRecorder struct {
	mu     sync.Mutex
	events []taggedEvent
}

func (r *eventRecorder) sink(sessionID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, taggedEvent{sessionID: sessionID, event: ev})
}

func (r *eventRecorder) list() []taggedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]taggedEvent(nil), r.events...)
}

func (r *eventRecorder) typesFor(sessionID string) []EventType {
	var out []EventType
	for _, te := range r.list() {
		if te.sessionID == sessionID {
			out = append(out, te.event.Type)
		}
	}
	return out
}

// waitFor polls until an event matching pred arrives or the timeout expires.
func (r *eventRecorder) waitFor(t *testing.T, pred func(taggedEvent) bool) taggedEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, te := range r.list() {
			if pred(te) {
				return te
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected event did not arrive")
	return taggedEvent{}
}

func isType(sessionID string, typ EventType) func(taggedEvent) bool {
	return func(te taggedEvent) bool {
		return te.sessionID == sessionID && te.event.Type == typ
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeBackend, *eventRecorder) {
	t.Helper()
	be := &fakeBackend{}
	rec := &eventRecorder{}
	o := New(Deps{
		Backend:     be,
		Env:         staticEnv{env: backend.Environment{WorkingDirectory: t.TempDir()}},
		ToolServers: staticToolServers{},
		Sink:        rec.sink,
	})
	return o, be, rec
}

func TestSendMessage_RejectsEmptySessionID(t *testing.T) {
	o, _, rec := newTestOrchestrator(t)

	err := o.SendMessage(context.Background(), "", "hi", SendOptions{})
	require.Error(t, err)
	assert.Empty(t, rec.list())
}

func TestSendMessage_StartFailureEmitsErrorAndRegistersNothing(t *testing.T) {
	o, be, rec := newTestOrchestrator(t)
	be.startErr = errors.New("backend rejected the request")

	err := o.SendMessage(context.Background(), "s1", "hi", SendOptions{})
	require.Error(t, err)
	assert.False(t, o.HasActiveSession("s1"))

	te := rec.waitFor(t, isType("s1", EventError))
	assert.Contains(t, te.event.Error, "backend rejected")
}

func TestSendMessage_ConfigFailureEmitsErrorAndRegistersNothing(t *testing.T) {
	be := &fakeBackend{}
	rec := &eventRecorder{}
	o := New(Deps{
		Backend:     be,
		Env:         staticEnv{err: errors.New("no workspace")},
		ToolServers: staticToolServers{},
		Sink:        rec.sink,
	})

	err := o.SendMessage(context.Background(), "s1", "hi", SendOptions{})
	require.Error(t, err)
	assert.False(t, o.HasActiveSession("s1"))
	rec.waitFor(t, isType("s1", EventError))
	assert.Nil(t, be.lastTurn(), "no turn should have started")
}

func TestSendMessage_PassesResumeTokenAndPrompt(t *testing.T) {
	o, be, _ := newTestOrchestrator(t)

	require.NoError(t, o.SendMessage(context.Background(), "s1", "continue please", SendOptions{
		ResumeToken: "conv-99",
	}))
	defer o.Cleanup()

	req := be.lastRequest()
	assert.Equal(t, "continue please", req.Prompt)
	assert.Equal(t, "conv-99", req.ResumeToken)
	require.NotNil(t, req.CanUseTool)
}

func TestConsume_EmitsEventsInOrderThenDone(t *testing.T) {
	o, be, rec := newTestOrchestrator(t)

	require.NoError(t, o.SendMessage(context.Background(), "s1", "hi", SendOptions{}))
	turn := be.lastTurn()
	require.NotNil(t, turn)

	turn.push(&claudecode.AssistantMessage{
		Content: []claudecode.ContentBlock{
			&claudecode.TextBlock{Text: "working on it"},
			&claudecode.ToolUseBlock{ToolUseID: "t1", Name: "Read", Input: map[string]any{"file_path": "/tmp/a"}},
		},
	})
	turn.push(&claudecode.ResultMessage{
		Subtype:   "success",
		SessionID: "conv-1",
		NumTurns:  1,
	})
	turn.finish()

	done := rec.waitFor(t, isType("s1", EventDone))
	assert.Equal(t, "conv-1", done.event.ConversationID)

	types := rec.typesFor("s1")
	assert.Equal(t, []EventType{EventText, EventToolUse, EventResult, EventDone}, types)
	assert.False(t, o.HasActiveSession("s1"))
	assert.True(t, turn.closed.Load())
}

func TestConsume_DoneUsesSentinelWhenConversationIDUnknown(t *testing.T) {
	o, be, rec := newTestOrchestrator(t)

	require.NoError(t, o.SendMessage(context.Background(), "s1", "hi", SendOptions{}))
	be.lastTurn().finish()

	done := rec.waitFor(t, isType("s1", EventDone))
	assert.Equal(t, UnknownConversation, done.event.ConversationID)
}

func TestConsume_StreamErrorEmitsErrorNotDone(t *testing.T) {
	o, be, rec := newTestOrchestrator(t)
	be.turnErr = errors.New("stream broke")

	require.NoError(t, o.SendMessage(context.Background(), "s1", "hi", SendOptions{}))
	be.lastTurn().finish()

	te := rec.waitFor(t, isType("s1", EventError))
	assert.Contains(t, te.event.Error, "stream broke")
	assert.False(t, o.HasActiveSession("s1"))

	for _, got := range rec.typesFor("s1") {
		assert.NotEqual(t, EventDone, got, "errored turn must not emit done")
	}
}

func TestSendMessage_SecondCallReplacesLiveSession(t *testing.T) {
	o, be, rec := newTestOrchestrator(t)

	require.NoError(t, o.SendMessage(context.Background(), "s1", "first", SendOptions{}))
	first := be.lastTurn()

	require.NoError(t, o.SendMessage(context.Background(), "s1", "second", SendOptions{}))
	second := be.lastTurn()
	require.NotSame(t, first, second)

	assert.True(t, first.interrupted.Load(), "first turn must be cancelled")
	assert.True(t, o.HasActiveSession("s1"))

	// The displaced loop terminates without a terminal event.
	second.finish()
	rec.waitFor(t, isType("s1", EventDone))
	doneCount := 0
	for _, typ := range rec.typesFor("s1") {
		if typ == EventDone {
			doneCount++
		}
	}
	assert.Equal(t, 1, doneCount)
	assert.False(t, o.HasActiveSession("s1"))
}

func TestAbortSession_UnknownIDIsNoOp(t *testing.T) {
	o, _, rec := newTestOrchestrator(t)

	o.AbortSession("never-started")
	assert.Empty(t, rec.list())
}

func TestAbortSession_SeversTurnWithoutTerminalEvent(t *testing.T) {
	o, be, rec := newTestOrchestrator(t)

	require.NoError(t, o.SendMessage(context.Background(), "s1", "hi", SendOptions{}))
	turn := be.lastTurn()

	o.AbortSession("s1")
	assert.False(t, o.HasActiveSession("s1"))
	assert.True(t, turn.interrupted.Load())

	// Give the consuming loop a moment to unwind; it must stay silent.
	time.Sleep(50 * time.Millisecond)
	for _, typ := range rec.typesFor("s1") {
		assert.NotContains(t, []EventType{EventDone, EventError}, typ)
	}

	// Aborting again is a no-op.
	o.AbortSession("s1")
}

func TestPermission_BypassNeverEmitsRequest(t *testing.T) {
	o, be, rec := newTestOrchestrator(t)
	require.NoError(t, o.SetPermissionMode(ModeBypass))

	require.NoError(t, o.SendMessage(context.Background(), "s1", "hi", SendOptions{}))
	defer o.Cleanup()

	res, err := be.lastRequest().CanUseTool(context.Background(), "Bash", map[string]any{"command": "rm -rf /"}, claudecode.ToolPermissionContext{})
	require.NoError(t, err)
	require.NotNil(t, res)

	for _, typ := range rec.typesFor("s1") {
		assert.NotEqual(t, EventPermissionRequest, typ)
	}
	assert.Zero(t, o.broker.pendingCount())
}

func TestPermission_AcceptEditsAsksOnlyForDestructiveTools(t *testing.T) {
	o, be, rec := newTestOrchestrator(t)
	require.NoError(t, o.SetPermissionMode(ModeAcceptEdits))

	require.NoError(t, o.SendMessage(context.Background(), "s1", "hi", SendOptions{}))
	defer o.Cleanup()
	canUse := be.lastRequest().CanUseTool

	// Non-destructive tool: immediate allow, no request event.
	_, err := canUse(context.Background(), "search-docs", nil, claudecode.ToolPermissionContext{})
	require.NoError(t, err)
	for _, typ := range rec.typesFor("s1") {
		assert.NotEqual(t, EventPermissionRequest, typ)
	}

	// Destructive tool (substring match): blocks until resolved.
	resultCh := make(chan claudecode.PermissionResult, 1)
	go func() {
		res, _ := canUse(context.Background(), "bash-run", map[string]any{"command": "ls"}, claudecode.ToolPermissionContext{})
		resultCh <- res
	}()

	req := rec.waitFor(t, isType("s1", EventPermissionRequest))
	assert.Equal(t, "bash-run", req.event.ToolName)
	assert.NotEmpty(t, req.event.RequestID)
	assert.Contains(t, req.event.Description, "ls")

	select {
	case <-resultCh:
		t.Fatal("permission decision must block until the caller responds")
	case <-time.After(50 * time.Millisecond):
	}

	o.RespondToPermission(req.event.RequestID, true, nil)
	select {
	case res := <-resultCh:
		require.NotNil(t, res)
	case <-time.After(time.Second):
		t.Fatal("decision did not unblock the backend")
	}
}

func TestPermission_DenyIsDeliveredExactlyOnce(t *testing.T) {
	o, be, rec := newTestOrchestrator(t)

	require.NoError(t, o.SendMessage(context.Background(), "s1", "hi", SendOptions{}))
	defer o.Cleanup()
	canUse := be.lastRequest().CanUseTool

	decided := make(chan struct{})
	go func() {
		defer close(decided)
		canUse(context.Background(), "Write", map[string]any{"file_path": "/tmp/x"}, claudecode.ToolPermissionContext{})
	}()

	req := rec.waitFor(t, isType("s1", EventPermissionRequest))

	o.RespondToPermission(req.event.RequestID, false, map[string]any{"ignored": true})
	<-decided

	// Second response for the same id is a stale UI click: no-op.
	o.RespondToPermission(req.event.RequestID, false, nil)
	assert.Zero(t, o.broker.pendingCount())
}

func TestPermission_CancelledTurnUnblocksPendingDecision(t *testing.T) {
	o, be, rec := newTestOrchestrator(t)

	require.NoError(t, o.SendMessage(context.Background(), "s1", "hi", SendOptions{}))
	canUse := be.lastRequest().CanUseTool

	ctx, cancel := context.WithCancel(context.Background())
	decided := make(chan struct{})
	go func() {
		defer close(decided)
		canUse(ctx, "Edit", map[string]any{"file_path": "/tmp/x"}, claudecode.ToolPermissionContext{})
	}()

	rec.waitFor(t, isType("s1", EventPermissionRequest))
	cancel()

	select {
	case <-decided:
	case <-time.After(time.Second):
		t.Fatal("cancelled context did not unblock the decision")
	}
	assert.Zero(t, o.broker.pendingCount())
}

func TestSetPermissionMode_RejectsUnknownMode(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	require.Error(t, o.SetPermissionMode(PermissionMode("yolo")))
	assert.Equal(t, ModePrompt, o.PermissionMode())
}

func TestCleanup_IsIdempotentAndDiscardsEverything(t *testing.T) {
	o, be, _ := newTestOrchestrator(t)

	require.NoError(t, o.SendMessage(context.Background(), "s1", "hi", SendOptions{}))
	require.NoError(t, o.SendMessage(context.Background(), "s2", "hi", SendOptions{}))
	canUse := be.lastRequest().CanUseTool

	go canUse(context.Background(), "Bash", map[string]any{"command": "ls"}, claudecode.ToolPermissionContext{})
	deadline := time.Now().Add(time.Second)
	for o.broker.pendingCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.NotZero(t, o.broker.pendingCount())

	o.Cleanup()
	assert.False(t, o.HasActiveSession("s1"))
	assert.False(t, o.HasActiveSession("s2"))
	assert.Zero(t, o.broker.pendingCount())

	o.Cleanup()
}
