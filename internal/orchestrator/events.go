package orchestrator

import "time"

// EventType identifies a normalized event kind.
type EventType string

const (
	// EventText is incremental assistant text.
	EventText EventType = "text"
	// EventToolUse is a tool invocation requested by the backend.
	EventToolUse EventType = "tool_use"
	// EventToolResult echoes the outcome of a tool invocation.
	EventToolResult EventType = "tool_result"
	// EventPermissionRequest asks the caller to approve or deny a gated tool.
	EventPermissionRequest EventType = "permission_request"
	// EventStatus forwards backend status messages.
	EventStatus EventType = "status"
	// EventResult is the terminal per-turn summary.
	EventResult EventType = "result"
	// EventError is terminal and carries a failure message.
	EventError EventType = "error"
	// EventDone marks normal exhaustion of the turn's message sequence.
	EventDone EventType = "done"
)

// UnknownConversation is the conversation id sentinel used when a turn ends
// before the backend ever reported its own conversation id.
const UnknownConversation = "unknown"

// TurnResult summarizes a completed turn.
type TurnResult struct {
	IsError        bool    `json:"is_error"`
	NumTurns       int     `json:"num_turns"`
	DurationMs     int     `json:"duration_ms"`
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
	ConversationID string  `json:"conversation_id,omitempty"`
}

// Event is a member of the closed normalized event vocabulary emitted to the
// event sink. Exactly one of result/error/done terminates a turn's sequence.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// EventText
	Text  string `json:"text,omitempty"`
	Delta bool   `json:"delta,omitempty"`

	// EventToolUse / EventToolResult
	ToolID      string         `json:"tool_id,omitempty"`
	ToolName    string         `json:"tool_name,omitempty"`
	ToolInput   map[string]any `json:"tool_input,omitempty"`
	ToolContent string         `json:"tool_content,omitempty"`
	ToolError   bool           `json:"tool_error,omitempty"`

	// EventPermissionRequest
	RequestID   string `json:"request_id,omitempty"`
	Description string `json:"description,omitempty"`

	// EventStatus
	Status string `json:"status,omitempty"`

	// EventResult
	Result *TurnResult `json:"result,omitempty"`

	// EventError
	Error string `json:"error,omitempty"`

	// EventDone
	ConversationID string `json:"conversation_id,omitempty"`
}

// Sink receives every normalized event, tagged with the owning session id.
// Implementations must not block the emitting loop.
type Sink func(sessionID string, ev Event)
