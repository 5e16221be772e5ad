package translator

import (
	"encoding/json"
	"fmt"
	"io"

	"kiro-load/internal/eventstream"
)

// Message is the non-stream Anthropic response body.
type Message struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []MessageBlock `json:"content"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// MessageBlock is one element of a message's content array.
type MessageBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// Aggregate drains a frame reader through the assembler and collects the
// result into a single Anthropic message. An upstream exception frame ends
// aggregation with ErrUpstreamException; the returned error carries neither
// the mapped error type nor the upstream message.
func Aggregate(reader *eventstream.Reader, model string, inputTokens int64) (*Message, error) {
	assembler := NewAssembler(model, inputTokens)

	for {
		frame, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode upstream stream: %w", err)
		}
		if _, err := assembler.Step(frame); err != nil {
			return nil, err
		}
	}

	assembler.Finish()
	return BuildMessage(assembler), nil
}

// BuildMessage assembles the final message from a finished assembler.
func BuildMessage(a *Assembler) *Message {
	msg := &Message{
		ID:         a.MessageID(),
		Type:       "message",
		Role:       "assistant",
		Model:      a.Model(),
		Content:    make([]MessageBlock, 0, len(a.Blocks())),
		StopReason: a.StopReason(),
		Usage:      a.FinalUsage(),
	}

	for _, block := range a.Blocks() {
		switch block.Kind {
		case blockText:
			msg.Content = append(msg.Content, MessageBlock{Type: "text", Text: block.Text})
		case blockThinking:
			msg.Content = append(msg.Content, MessageBlock{Type: "thinking", Thinking: block.Text})
		case blockTool:
			input := json.RawMessage(block.ToolInput)
			if !json.Valid(input) {
				input = json.RawMessage(`{}`)
			}
			msg.Content = append(msg.Content, MessageBlock{
				Type:  "tool_use",
				ID:    block.ToolUseID,
				Name:  block.ToolName,
				Input: input,
			})
		}
	}
	return msg
}
