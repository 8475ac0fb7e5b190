// Package backend abstracts the streaming inference engine that executes
// turns and invokes tools. The orchestrator consumes it through the Backend
// interface so tests can script message sequences without a subprocess.
package backend

import (
	"context"

	claudecode "github.com/severity1/claude-agent-sdk-go"
)

// Environment is the working directory and environment variables a turn
// runs with, fetched from the configuration provider per turn.
type Environment struct {
	WorkingDirectory     string
	EnvironmentVariables map[string]string
}

// CanUseToolFunc is consulted synchronously before each gated tool action.
// The backend's execution is suspended until it returns.
type CanUseToolFunc func(ctx context.Context, toolName string, input map[string]any, tpc claudecode.ToolPermissionContext) (claudecode.PermissionResult, error)

// TurnRequest configures a single backend turn.
type TurnRequest struct {
	Prompt      string
	Attachments []string

	Cwd     string
	EnvVars map[string]string

	// ToolServers are the auxiliary MCP tool servers available this turn.
	ToolServers map[string]claudecode.McpServerConfig

	CanUseTool CanUseToolFunc

	// ResumeToken resumes a prior backend conversation instead of starting
	// fresh. Empty means a new conversation.
	ResumeToken string
}

// Turn is the handle to a live backend generation.
//
// Messages yields the backend's raw message sequence until the turn
// completes, errors, or is interrupted; the channel is closed afterwards.
// Err reports the failure that ended the sequence, if any, and is only
// meaningful after Messages is exhausted. Interrupt and Close are idempotent.
type Turn interface {
	Messages() <-chan claudecode.Message
	Err() error
	Interrupt()
	Close()
}

// Backend starts turns against the wrapped inference engine.
type Backend interface {
	StartTurn(ctx context.Context, req TurnRequest) (Turn, error)
}
