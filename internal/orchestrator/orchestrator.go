// Package orchestrator owns the streaming conversations between the UI and
// the agent backend: one live session per session id, normalization of the
// backend's message stream into a stable event vocabulary, out-of-band
// permission brokering, and deterministic cancellation and cleanup.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	claudecode "github.com/severity1/claude-agent-sdk-go"

	"github.com/dkemper/steward/internal/backend"
)

// PermissionMode decides how gated tool actions are handled. It applies to
// the next permission evaluation, never retroactively.
type PermissionMode string

const (
	// ModePrompt asks the caller for every gated tool.
	ModePrompt PermissionMode = "prompt"
	// ModeAcceptEdits auto-allows non-destructive tools and still asks for
	// the destructive set (shell execution, file edits, file writes).
	ModeAcceptEdits PermissionMode = "accept-edits"
	// ModeBypass auto-allows everything.
	ModeBypass PermissionMode = "bypass"
)

// destructiveTools is matched case-insensitively as a substring against
// tool names under ModeAcceptEdits.
var destructiveTools = []string{"bash", "edit", "write"}

// ParsePermissionMode validates a mode string from the wire or CLI.
func ParsePermissionMode(s string) (PermissionMode, error) {
	switch PermissionMode(s) {
	case ModePrompt, ModeAcceptEdits, ModeBypass:
		return PermissionMode(s), nil
	default:
		return "", fmt.Errorf("unknown permission mode: %q", s)
	}
}

// EnvProvider supplies the working directory and environment for a turn.
type EnvProvider interface {
	Environment() (backend.Environment, error)
}

// ToolServerProvider supplies the tool servers available for a turn.
type ToolServerProvider interface {
	ToolServers() (map[string]claudecode.McpServerConfig, error)
}

// Deps are the collaborators the orchestrator is constructed with.
type Deps struct {
	Log         *slog.Logger
	Backend     backend.Backend
	Env         EnvProvider
	ToolServers ToolServerProvider
	Sink        Sink
}

// Orchestrator is the session & permission orchestration surface.
// All methods are safe for concurrent use.
type Orchestrator struct {
	log         *slog.Logger
	backend     backend.Backend
	env         EnvProvider
	toolServers ToolServerProvider
	sink        Sink

	reg    *registry
	broker *broker

	modeMu sync.Mutex
	mode   PermissionMode
}

// New creates an orchestrator with no live sessions and mode ModePrompt.
func New(deps Deps) *Orchestrator {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		log:         log.With("component", "orchestrator"),
		backend:     deps.Backend,
		env:         deps.Env,
		toolServers: deps.ToolServers,
		sink:        deps.Sink,
		reg:         newRegistry(),
		broker:      newBroker(),
		mode:        ModePrompt,
	}
}

// SendOptions carries the optional parts of SendMessage.
type SendOptions struct {
	Attachments []string

	// ResumeToken continues a prior backend conversation instead of
	// starting fresh.
	ResumeToken string
}

// SendMessage starts a new turn for sessionID. If a turn is already live for
// that id it is cancelled first; two turns never run concurrently under one
// id. The call returns once the turn has started; events are delivered
// asynchronously through the sink. On a start failure an error event is
// emitted for the session and no registry entry is created.
func (o *Orchestrator) SendMessage(ctx context.Context, sessionID, text string, opts SendOptions) error {
	if sessionID == "" {
		return fmt.Errorf("session id must not be empty")
	}

	env, err := o.env.Environment()
	if err != nil {
		err = fmt.Errorf("fetching environment: %w", err)
		o.emitError(sessionID, err)
		return err
	}
	servers, err := o.toolServers.ToolServers()
	if err != nil {
		err = fmt.Errorf("fetching tool servers: %w", err)
		o.emitError(sessionID, err)
		return err
	}

	// Last writer wins: tear down any live turn for this id before starting.
	o.AbortSession(sessionID)

	// The turn outlives this call, so it gets its own cancellation handle
	// rather than inheriting the caller's context.
	turnCtx, cancel := context.WithCancel(context.Background())

	turn, err := o.backend.StartTurn(turnCtx, backend.TurnRequest{
		Prompt:      text,
		Attachments: opts.Attachments,
		Cwd:         env.WorkingDirectory,
		EnvVars:     env.EnvironmentVariables,
		ToolServers: servers,
		CanUseTool:  o.canUseTool(sessionID),
		ResumeToken: opts.ResumeToken,
	})
	if err != nil {
		cancel()
		err = fmt.Errorf("starting turn: %w", err)
		o.emitError(sessionID, err)
		return err
	}

	sess := &session{id: sessionID, cancel: cancel, turn: turn}
	if prev := o.reg.put(sess); prev != nil {
		// A racing SendMessage slipped in between abort and put.
		o.teardown(prev)
	}

	go o.consume(sess)
	return nil
}

// AbortSession cancels the live turn for sessionID, if any. Unknown ids are
// an expected race (stale UI action) and are ignored. No terminal event is
// emitted; the consuming loop observes the cancellation and stops silently.
func (o *Orchestrator) AbortSession(sessionID string) {
	sess := o.reg.take(sessionID)
	if sess == nil {
		o.log.Debug("abort for unknown session", "session_id", sessionID)
		return
	}
	o.teardown(sess)
}

// RespondToPermission delivers the caller's decision for a pending request.
// Unknown or already-resolved request ids are ignored. approved=false always
// denies regardless of modifiedInput.
func (o *Orchestrator) RespondToPermission(requestID string, approved bool, modifiedInput map[string]any) {
	d := Decision{Approved: approved}
	if approved {
		d.ModifiedInput = modifiedInput
	}
	if !o.broker.resolve(requestID, d) {
		o.log.Debug("response for unknown permission request", "request_id", requestID)
	}
}

// SetPermissionMode switches the mode for the next permission evaluation.
func (o *Orchestrator) SetPermissionMode(mode PermissionMode) error {
	if _, err := ParsePermissionMode(string(mode)); err != nil {
		return err
	}
	o.modeMu.Lock()
	o.mode = mode
	o.modeMu.Unlock()
	return nil
}

// PermissionMode returns the currently active mode.
func (o *Orchestrator) PermissionMode() PermissionMode {
	o.modeMu.Lock()
	defer o.modeMu.Unlock()
	return o.mode
}

// HasActiveSession reports whether a turn is currently streaming for the id.
func (o *Orchestrator) HasActiveSession(sessionID string) bool {
	return o.reg.has(sessionID)
}

// Cleanup cancels every live session and discards every pending permission
// request without resolving it. Safe to call repeatedly; intended for
// process shutdown.
func (o *Orchestrator) Cleanup() {
	for _, sess := range o.reg.drain() {
		o.teardown(sess)
	}
	o.broker.discardAll()
}

func (o *Orchestrator) teardown(sess *session) {
	sess.cancel()
	sess.turn.Interrupt()
	sess.turn.Close()
}

// consume drains one turn's message sequence, forwarding normalized events.
// Exactly one consume loop runs per live session.
func (o *Orchestrator) consume(sess *session) {
	norm := &normalizer{}

	for msg := range sess.turn.Messages() {
		for _, ev := range norm.events(msg) {
			o.emit(sess.id, ev)
		}
	}

	// Whoever removes the entry owns the terminal emission. When an abort
	// or a replacing turn already removed it, the requester knows the
	// session ended and no event is due.
	if !o.reg.release(sess) {
		return
	}
	sess.cancel()
	sess.turn.Close()

	if err := sess.turn.Err(); err != nil {
		o.emitError(sess.id, err)
		return
	}

	convID := norm.conversationID
	if convID == "" {
		convID = UnknownConversation
	}
	o.emit(sess.id, Event{
		Type:           EventDone,
		Timestamp:      time.Now(),
		ConversationID: convID,
	})
}

// canUseTool builds the permission callback for one session, implementing
// the decision procedure: bypass allows everything, accept-edits allows
// anything outside the destructive set, and every remaining case blocks the
// backend until the caller responds.
func (o *Orchestrator) canUseTool(sessionID string) backend.CanUseToolFunc {
	return func(ctx context.Context, toolName string, input map[string]any, _ claudecode.ToolPermissionContext) (claudecode.PermissionResult, error) {
		switch o.PermissionMode() {
		case ModeBypass:
			return claudecode.NewPermissionResultAllow(), nil
		case ModeAcceptEdits:
			if !isDestructiveTool(toolName) {
				return claudecode.NewPermissionResultAllow(), nil
			}
		}

		requestID := uuid.New().String()
		decisionCh := o.broker.register(requestID)

		o.emit(sessionID, Event{
			Type:        EventPermissionRequest,
			Timestamp:   time.Now(),
			RequestID:   requestID,
			ToolName:    toolName,
			ToolInput:   input,
			Description: describeToolUse(toolName, input),
		})

		select {
		case <-ctx.Done():
			o.broker.remove(requestID)
			return claudecode.NewPermissionResultDeny("turn cancelled before a decision arrived"), nil
		case d := <-decisionCh:
			if !d.Approved {
				return claudecode.NewPermissionResultDeny("permission denied by user"), nil
			}
			allow := claudecode.NewPermissionResultAllow()
			if d.ModifiedInput != nil {
				allow.UpdatedInput = d.ModifiedInput
			}
			return allow, nil
		}
	}
}

func isDestructiveTool(name string) bool {
	lower := strings.ToLower(name)
	for _, t := range destructiveTools {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// describeToolUse renders a short human-readable summary for the approval UI.
func describeToolUse(toolName string, input map[string]any) string {
	if cmd, ok := input["command"].(string); ok && cmd != "" {
		return fmt.Sprintf("%s: %s", toolName, cmd)
	}
	if path, ok := input["file_path"].(string); ok && path != "" {
		return fmt.Sprintf("%s: %s", toolName, path)
	}
	return fmt.Sprintf("%s wants to run", toolName)
}

func (o *Orchestrator) emit(sessionID string, ev Event) {
	if o.sink == nil {
		return
	}
	o.sink(sessionID, ev)
}

func (o *Orchestrator) emitError(sessionID string, err error) {
	o.emit(sessionID, Event{
		Type:      EventError,
		Timestamp: time.Now(),
		Error:     err.Error(),
	})
}
