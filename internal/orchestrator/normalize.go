package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	claudecode "github.com/severity1/claude-agent-sdk-go"
)

// normalizer converts the backend's raw message variants into zero or more
// normalized events. It remembers the backend-assigned conversation id once
// observed so the terminal result/done events can carry it.
type normalizer struct {
	conversationID string
}

func (n *normalizer) events(msg claudecode.Message) []Event {
	now := time.Now()

	switch m := msg.(type) {
	case *claudecode.AssistantMessage:
		return n.assistantEvents(m, now)
	case *claudecode.ResultMessage:
		return n.resultEvents(m, now)
	case *claudecode.StreamEvent:
		return n.streamEvents(m, now)
	case *claudecode.SystemMessage:
		return n.systemEvents(m, now)
	default:
		return nil
	}
}

func (n *normalizer) assistantEvents(msg *claudecode.AssistantMessage, now time.Time) []Event {
	var events []Event
	for _, block := range msg.Content {
		switch b := block.(type) {
		case *claudecode.TextBlock:
			if b.Text != "" {
				events = append(events, Event{
					Type:      EventText,
					Timestamp: now,
					Text:      b.Text,
				})
			}
		case *claudecode.ToolUseBlock:
			events = append(events, Event{
				Type:      EventToolUse,
				Timestamp: now,
				ToolID:    b.ToolUseID,
				ToolName:  b.Name,
				ToolInput: b.Input,
			})
		case *claudecode.ToolResultBlock:
			isError := b.IsError != nil && *b.IsError
			events = append(events, Event{
				Type:        EventToolResult,
				Timestamp:   now,
				ToolID:      b.ToolUseID,
				ToolContent: stringifyContent(b.Content),
				ToolError:   isError,
			})
		}
		// Thinking blocks are not part of the event vocabulary.
	}
	return events
}

func (n *normalizer) resultEvents(msg *claudecode.ResultMessage, now time.Time) []Event {
	if msg.SessionID != "" {
		n.conversationID = msg.SessionID
	}

	result := &TurnResult{
		IsError:        msg.IsError,
		NumTurns:       msg.NumTurns,
		DurationMs:     msg.DurationMs,
		InputTokens:    usageInt(msg.Usage, "input_tokens"),
		OutputTokens:   usageInt(msg.Usage, "output_tokens"),
		ConversationID: n.conversationID,
	}
	if msg.TotalCostUSD != nil {
		result.TotalCostUSD = *msg.TotalCostUSD
	}

	return []Event{{
		Type:      EventResult,
		Timestamp: now,
		Result:    result,
	}}
}

// streamEvents handles the more granular streaming variant; only text deltas
// are forwarded, everything else is covered by the batched assistant message.
func (n *normalizer) streamEvents(msg *claudecode.StreamEvent, now time.Time) []Event {
	if msg.Event == nil {
		return nil
	}
	eventType, _ := msg.Event["type"].(string)
	if eventType != "content_block_delta" {
		return nil
	}
	delta, ok := msg.Event["delta"].(map[string]any)
	if !ok {
		return nil
	}
	deltaType, _ := delta["type"].(string)
	if deltaType != "text_delta" {
		return nil
	}
	text, _ := delta["text"].(string)
	if text == "" {
		return nil
	}
	return []Event{{
		Type:      EventText,
		Timestamp: now,
		Text:      text,
		Delta:     true,
	}}
}

// systemEvents forwards status messages and captures the conversation id
// from the init message. Other system subtypes are diagnostic only.
func (n *normalizer) systemEvents(msg *claudecode.SystemMessage, now time.Time) []Event {
	switch msg.Subtype {
	case "init":
		if id, ok := msg.Data["session_id"].(string); ok && id != "" {
			n.conversationID = id
		}
		return nil
	case "status":
		status, _ := msg.Data["status"].(string)
		return []Event{{
			Type:      EventStatus,
			Timestamp: now,
			Status:    status,
		}}
	default:
		return nil
	}
}

// stringifyContent renders tool-result content as a string; non-string
// content is JSON-encoded.
func stringifyContent(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func usageInt(usage *map[string]any, key string) int {
	if usage == nil {
		return 0
	}
	switch v := (*usage)[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
