// Package claude implements the backend abstraction on top of the Claude
// agent SDK. Each turn gets its own client and subprocess; resuming a prior
// conversation is delegated to the SDK's resume support.
package claude

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	claudecode "github.com/severity1/claude-agent-sdk-go"

	"github.com/dkemper/steward/internal/backend"
)

// Deps are the dependencies for the Claude backend.
type Deps struct {
	Log *slog.Logger

	// Model optionally pins the model for every turn.
	Model string
}

// Backend starts turns against the Claude agent SDK.
type Backend struct {
	log   *slog.Logger
	model string
}

// New creates a Claude-backed backend.
func New(deps Deps) *Backend {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Backend{
		log:   log.With("backend", "claude"),
		model: deps.Model,
	}
}

func (b *Backend) StartTurn(ctx context.Context, req backend.TurnRequest) (backend.Turn, error) {
	turnCtx, cancel := context.WithCancel(ctx)

	client := claudecode.NewClient(b.buildOptions(req)...)
	if err := client.Connect(turnCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("connecting to backend: %w", err)
	}

	// The query session id is ours; continuing a prior backend conversation
	// goes through the resume option instead.
	if err := client.QueryWithSession(turnCtx, buildPrompt(req), uuid.New().String()); err != nil {
		_ = client.Disconnect()
		cancel()
		return nil, fmt.Errorf("submitting prompt: %w", err)
	}

	t := &turn{
		client: client,
		cancel: cancel,
		msgs:   make(chan claudecode.Message),
	}
	go t.pump(turnCtx, client.ReceiveMessages(turnCtx))
	return t, nil
}

func (b *Backend) buildOptions(req backend.TurnRequest) []claudecode.Option {
	opts := []claudecode.Option{
		claudecode.WithSettingSources(
			claudecode.SettingSourceUser,
			claudecode.SettingSourceProject,
			claudecode.SettingSourceLocal,
		),
		claudecode.WithPartialStreaming(),
		claudecode.WithDebugWriter(io.Discard),
	}
	if b.model != "" {
		opts = append(opts, claudecode.WithModel(b.model))
	}
	if req.Cwd != "" {
		opts = append(opts, claudecode.WithCwd(req.Cwd))
	}
	if len(req.EnvVars) > 0 {
		opts = append(opts, claudecode.WithEnv(req.EnvVars))
	}
	if len(req.ToolServers) > 0 {
		opts = append(opts, claudecode.WithMcpServers(req.ToolServers))
	}
	if req.ResumeToken != "" {
		opts = append(opts, claudecode.WithResume(req.ResumeToken))
	}
	if req.CanUseTool != nil {
		canUse := req.CanUseTool
		opts = append(opts, claudecode.WithCanUseTool(func(ctx context.Context, toolName string, input map[string]any, tpc claudecode.ToolPermissionContext) (claudecode.PermissionResult, error) {
			return canUse(ctx, toolName, input, tpc)
		}))
	}
	opts = append(opts, claudecode.WithStderrCallback(func(line string) {
		if l := strings.TrimSpace(line); l != "" {
			b.log.Debug("backend stderr", "line", l)
		}
	}))
	return opts
}

func buildPrompt(req backend.TurnRequest) string {
	if len(req.Attachments) == 0 {
		return req.Prompt
	}
	var sb strings.Builder
	sb.WriteString(req.Prompt)
	for _, path := range req.Attachments {
		sb.WriteString("\n\nAttached file: ")
		sb.WriteString(path)
	}
	return sb.String()
}

// turn is the handle to one live generation. Interrupt and Close both sever
// the subprocess; they are idempotent and safe to race with the pump.
type turn struct {
	client claudecode.Client
	cancel context.CancelFunc
	msgs   chan claudecode.Message

	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

func (t *turn) Messages() <-chan claudecode.Message { return t.msgs }

func (t *turn) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *turn) Interrupt() { t.sever() }
func (t *turn) Close()     { t.sever() }

func (t *turn) sever() {
	t.closeOnce.Do(func() {
		t.cancel()
		_ = t.client.Disconnect()
	})
}

// pump forwards SDK messages until the result message ends the turn, the
// stream closes, or the turn is severed.
func (t *turn) pump(ctx context.Context, in <-chan claudecode.Message) {
	defer close(t.msgs)
	defer t.sever()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok || msg == nil {
				if ctx.Err() == nil {
					t.setErr(errors.New("backend stream ended before turn completion"))
				}
				return
			}
			select {
			case t.msgs <- msg:
			case <-ctx.Done():
				return
			}
			if _, done := msg.(*claudecode.ResultMessage); done {
				return
			}
		}
	}
}

func (t *turn) setErr(err error) {
	t.errMu.Lock()
	t.err = err
	t.errMu.Unlock()
}
