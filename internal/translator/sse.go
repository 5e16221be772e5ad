package translator

import (
	"encoding/json"

	"github.com/google/uuid"
)

// SSEEvent is one server-sent event ready for the wire.
type SSEEvent struct {
	Name string
	Data []byte
}

// Encode renders the event in SSE wire format.
func (e SSEEvent) Encode() []byte {
	out := make([]byte, 0, len(e.Name)+len(e.Data)+20)
	out = append(out, "event: "...)
	out = append(out, e.Name...)
	out = append(out, "\ndata: "...)
	out = append(out, e.Data...)
	return append(out, "\n\n"...)
}

// DoneTail is the literal compatibility terminator written after
// message_stop.
var DoneTail = []byte("data: [DONE]\n\n")

func mustJSON(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}

// NewMessageID generates an Anthropic-style message id.
func NewMessageID() string {
	return "msg_" + uuid.New().String()[:24]
}

// Usage is the token usage reported in message deltas and final messages.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func messageStartEvent(id, model string, usage Usage) SSEEvent {
	return SSEEvent{
		Name: "message_start",
		Data: mustJSON(map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            id,
				"type":          "message",
				"role":          "assistant",
				"content":       []any{},
				"model":         model,
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]any{"input_tokens": usage.InputTokens, "output_tokens": 0},
			},
		}),
	}
}

func contentBlockStartEvent(index int, block map[string]any) SSEEvent {
	return SSEEvent{
		Name: "content_block_start",
		Data: mustJSON(map[string]any{
			"type":          "content_block_start",
			"index":         index,
			"content_block": block,
		}),
	}
}

func textBlockStartEvent(index int) SSEEvent {
	return contentBlockStartEvent(index, map[string]any{"type": "text", "text": ""})
}

func thinkingBlockStartEvent(index int) SSEEvent {
	return contentBlockStartEvent(index, map[string]any{"type": "thinking", "thinking": ""})
}

func toolUseBlockStartEvent(index int, id, name string) SSEEvent {
	return contentBlockStartEvent(index, map[string]any{
		"type":  "tool_use",
		"id":    id,
		"name":  name,
		"input": map[string]any{},
	})
}

func textDeltaEvent(index int, text string) SSEEvent {
	return SSEEvent{
		Name: "content_block_delta",
		Data: mustJSON(map[string]any{
			"type":  "content_block_delta",
			"index": index,
			"delta": map[string]any{"type": "text_delta", "text": text},
		}),
	}
}

func thinkingDeltaEvent(index int, text string) SSEEvent {
	return SSEEvent{
		Name: "content_block_delta",
		Data: mustJSON(map[string]any{
			"type":  "content_block_delta",
			"index": index,
			"delta": map[string]any{"type": "thinking_delta", "thinking": text},
		}),
	}
}

func inputJSONDeltaEvent(index int, partial string) SSEEvent {
	return SSEEvent{
		Name: "content_block_delta",
		Data: mustJSON(map[string]any{
			"type":  "content_block_delta",
			"index": index,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": partial},
		}),
	}
}

func contentBlockStopEvent(index int) SSEEvent {
	return SSEEvent{
		Name: "content_block_stop",
		Data: mustJSON(map[string]any{
			"type":  "content_block_stop",
			"index": index,
		}),
	}
}

func messageDeltaEvent(stopReason string, usage Usage) SSEEvent {
	return SSEEvent{
		Name: "message_delta",
		Data: mustJSON(map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   stopReason,
				"stop_sequence": nil,
			},
			"usage": map[string]any{
				"input_tokens":  usage.InputTokens,
				"output_tokens": usage.OutputTokens,
			},
		}),
	}
}

func messageStopEvent() SSEEvent {
	return SSEEvent{
		Name: "message_stop",
		Data: mustJSON(map[string]any{"type": "message_stop"}),
	}
}

// ErrorEvent builds a terminal Anthropic error SSE event.
func ErrorEvent(errType, message string) SSEEvent {
	return SSEEvent{
		Name: "error",
		Data: mustJSON(map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    errType,
				"message": message,
			},
		}),
	}
}
