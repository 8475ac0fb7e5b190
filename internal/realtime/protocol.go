package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/dkemper/steward/internal/orchestrator"
)

// Inbound message types from UI clients.
const (
	TypeSend               = "send"
	TypeAbort              = "abort"
	TypePermissionResponse = "permission_response"
	TypeSetMode            = "set_mode"
)

// Outbound frame types to UI clients.
const (
	TypeEvent            = "event"
	TypeError            = "error"
	TypeWorkspaceChanged = "workspace_changed"
)

// ClientMessage is the envelope for every inbound websocket message.
type ClientMessage struct {
	Type string `json:"type"`

	// send / abort
	SessionID   string `json:"sessionId,omitempty"`
	Text        string `json:"text,omitempty"`
	ResumeToken string `json:"resumeToken,omitempty"`

	// permission_response
	RequestID     string         `json:"requestId,omitempty"`
	Approved      bool           `json:"approved,omitempty"`
	ModifiedInput map[string]any `json:"modifiedInput,omitempty"`

	// set_mode
	Mode string `json:"mode,omitempty"`
}

// Frame is the envelope for every outbound websocket message.
type Frame struct {
	Type      string              `json:"type"`
	SessionID string              `json:"sessionId,omitempty"`
	Event     *orchestrator.Event `json:"event,omitempty"`
	Error     string              `json:"error,omitempty"`
	Paths     []string            `json:"paths,omitempty"`
}

func encodeFrame(frame Frame) ([]byte, error) {
	return json.Marshal(frame)
}

// ParseClientMessage decodes and validates one inbound message.
func ParseClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	switch msg.Type {
	case TypeSend:
		if msg.SessionID == "" {
			return nil, fmt.Errorf("send requires sessionId")
		}
		if msg.Text == "" {
			return nil, fmt.Errorf("send requires text")
		}
	case TypeAbort:
		if msg.SessionID == "" {
			return nil, fmt.Errorf("abort requires sessionId")
		}
	case TypePermissionResponse:
		if msg.RequestID == "" {
			return nil, fmt.Errorf("permission_response requires requestId")
		}
	case TypeSetMode:
		if msg.Mode == "" {
			return nil, fmt.Errorf("set_mode requires mode")
		}
	case "":
		return nil, fmt.Errorf("message has no type")
	default:
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
	return &msg, nil
}
