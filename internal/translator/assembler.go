package translator

import (
	"errors"
	"fmt"
	"strings"

	"kiro-load/internal/eventstream"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Stop reasons emitted in message_delta.
const (
	StopReasonEndTurn      = "end_turn"
	StopReasonToolUse      = "tool_use"
	StopReasonMaxTokens    = "max_tokens"
	StopReasonStopSequence = "stop_sequence"
)

// ErrUpstreamException marks a stream terminated by an upstream exception
// frame. The assembler has already produced the terminal error event.
var ErrUpstreamException = errors.New("translator: upstream exception frame")

// exceptionTypeMap maps observed :exception-type header values onto
// Anthropic error types. Unknown types default to api_error.
var exceptionTypeMap = map[string]string{
	"ThrottlingException":           "overloaded_error",
	"ServiceQuotaExceededException": "rate_limit_error",
	"ValidationException":           "invalid_request_error",
	"AccessDeniedException":         "permission_error",
	"UnauthorizedException":         "authentication_error",
	"ExpiredTokenException":         "authentication_error",
	"ResourceNotFoundException":     "not_found_error",
	"ServiceUnavailableException":   "overloaded_error",
	"InternalServerException":       "api_error",
}

// blockKind is the kind of the currently open content block.
type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockThinking
	blockTool
)

// Block is one completed content block, kept for the non-stream aggregator.
type Block struct {
	Kind      blockKind
	Text      string
	ToolUseID string
	ToolName  string
	ToolInput string
}

// toolState tracks one in-flight tool use across chunked toolUseEvent
// frames.
type toolState struct {
	index int
	name  string
	input strings.Builder
	done  bool
}

// Assembler turns the decoded upstream frame sequence into ordered Anthropic
// SSE events. It is a pure state machine: Step never performs I/O, making
// the event ordering trivially testable.
type Assembler struct {
	messageID string
	model     string

	started    bool
	finished   bool
	nextIndex  int
	openKind   blockKind
	openIndex  int
	openText   strings.Builder
	openToolID string

	tools map[string]*toolState

	blocks []Block

	sawToolUse       bool
	textAfterToolUse bool
	upstreamStop     string
	usage            Usage
	estimatedOutput  int64
}

// NewAssembler creates an assembler for one response. inputTokens is the
// estimate reported in message_start and in the final usage when the
// upstream does not provide counts.
func NewAssembler(model string, inputTokens int64) *Assembler {
	return &Assembler{
		messageID: NewMessageID(),
		model:     model,
		tools:     make(map[string]*toolState),
		usage:     Usage{InputTokens: inputTokens},
	}
}

// MessageID returns the generated message id.
func (a *Assembler) MessageID() string {
	return a.messageID
}

// Step consumes one decoded frame and returns the SSE events to flush. A
// returned ErrUpstreamException means the events end with a terminal error
// event and the stream must close.
func (a *Assembler) Step(frame *eventstream.Frame) ([]SSEEvent, error) {
	if a.finished {
		return nil, nil
	}

	var events []SSEEvent
	if !a.started {
		a.started = true
		events = append(events, messageStartEvent(a.messageID, a.model, a.usage))
	}

	if excType := frame.ExceptionType(); excType != "" {
		message := gjson.GetBytes(frame.Payload, "message").String()
		if message == "" {
			message = strings.TrimSpace(string(frame.Payload))
		}
		if message == "" {
			message = excType
		}
		anthropicType, ok := exceptionTypeMap[excType]
		if !ok {
			anthropicType = "api_error"
		}
		logrus.WithFields(logrus.Fields{
			"exception_type": excType,
			"mapped_type":    anthropicType,
		}).Warn("Upstream exception frame")

		a.finished = true
		events = append(events, ErrorEvent(anthropicType, message))
		return events, ErrUpstreamException
	}

	payload := gjson.ParseBytes(frame.Payload)
	switch frame.EventType() {
	case "assistantResponseEvent":
		events = append(events, a.stepAssistant(payload)...)
	case "reasoningContentEvent":
		events = append(events, a.stepReasoning(payload)...)
	case "toolUseEvent":
		events = append(events, a.stepToolUse(payload)...)
	case "messageMetadataEvent", "messageStopEvent", "usageEvent", "tokenUsageEvent":
		a.stepTerminal(payload)
	default:
		logrus.WithField("event_type", frame.EventType()).Debug("Ignoring unknown upstream event")
	}

	return events, nil
}

// stepAssistant appends a text chunk, opening a text block as needed.
func (a *Assembler) stepAssistant(payload gjson.Result) []SSEEvent {
	if stop := payload.Get("stop_reason").String(); stop != "" {
		a.upstreamStop = stop
	}
	content := payload.Get("content").String()
	if content == "" {
		return nil
	}

	var events []SSEEvent
	if a.openKind != blockText {
		events = append(events, a.closeOpenBlock()...)
		a.openKind = blockText
		a.openIndex = a.nextIndex
		a.nextIndex++
		events = append(events, textBlockStartEvent(a.openIndex))
	}

	if a.sawToolUse {
		a.textAfterToolUse = true
	}
	a.openText.WriteString(content)
	a.estimatedOutput += int64(len(content) / 4)
	return append(events, textDeltaEvent(a.openIndex, content))
}

// stepReasoning appends a thinking chunk, opening a thinking block as
// needed.
func (a *Assembler) stepReasoning(payload gjson.Result) []SSEEvent {
	text := payload.Get("content").String()
	if text == "" {
		text = payload.Get("text").String()
	}
	if text == "" {
		return nil
	}

	var events []SSEEvent
	if a.openKind != blockThinking {
		events = append(events, a.closeOpenBlock()...)
		a.openKind = blockThinking
		a.openIndex = a.nextIndex
		a.nextIndex++
		events = append(events, thinkingBlockStartEvent(a.openIndex))
	}

	a.openText.WriteString(text)
	a.estimatedOutput += int64(len(text) / 4)
	return append(events, thinkingDeltaEvent(a.openIndex, text))
}

// stepToolUse handles one chunked tool-use frame: first observation of a
// toolUseId opens a block, non-empty input chunks stream as
// input_json_delta, stop=true closes the block.
func (a *Assembler) stepToolUse(payload gjson.Result) []SSEEvent {
	toolUseID := payload.Get("toolUseId").String()
	if toolUseID == "" {
		return nil
	}

	var events []SSEEvent
	state, known := a.tools[toolUseID]
	if known && state.done {
		return nil
	}
	if !known {
		events = append(events, a.closeOpenBlock()...)
		state = &toolState{
			index: a.nextIndex,
			name:  payload.Get("name").String(),
		}
		a.nextIndex++
		a.tools[toolUseID] = state
		a.openKind = blockTool
		a.openIndex = state.index
		a.openToolID = toolUseID
		a.sawToolUse = true
		a.textAfterToolUse = false
		events = append(events, toolUseBlockStartEvent(state.index, toolUseID, state.name))
	}

	if chunk := payload.Get("input").String(); chunk != "" {
		state.input.WriteString(chunk)
		events = append(events, inputJSONDeltaEvent(state.index, chunk))
	}

	if payload.Get("stop").Bool() {
		state.done = true
		events = append(events, contentBlockStopEvent(state.index))
		a.blocks = append(a.blocks, Block{
			Kind:      blockTool,
			ToolUseID: toolUseID,
			ToolName:  state.name,
			ToolInput: state.input.String(),
		})
		if a.openKind == blockTool && a.openToolID == toolUseID {
			a.openKind = blockNone
			a.openToolID = ""
		}
	}

	return events
}

// stepTerminal extracts stop reason and usage from end-of-stream marker
// events. The upstream has emitted these under several shapes; all observed
// paths are probed.
func (a *Assembler) stepTerminal(payload gjson.Result) {
	for _, path := range []string{"stop_reason", "stopReason"} {
		if stop := payload.Get(path).String(); stop != "" {
			a.upstreamStop = stop
		}
	}
	for _, path := range []string{"usage.inputTokens", "inputTokens", "tokenUsage.uncachedInputTokens"} {
		if v := payload.Get(path); v.Exists() && v.Int() > 0 {
			a.usage.InputTokens = v.Int()
			break
		}
	}
	for _, path := range []string{"usage.outputTokens", "outputTokens", "tokenUsage.outputTokens"} {
		if v := payload.Get(path); v.Exists() && v.Int() > 0 {
			a.usage.OutputTokens = v.Int()
			break
		}
	}
}

// closeOpenBlock emits the stop event for whichever block is open and
// records it for the aggregator.
func (a *Assembler) closeOpenBlock() []SSEEvent {
	switch a.openKind {
	case blockNone:
		return nil
	case blockTool:
		// An interrupting event closes an unfinished tool block.
		state := a.tools[a.openToolID]
		block := Block{Kind: blockTool, ToolUseID: a.openToolID}
		if state != nil {
			state.done = true
			block.ToolName = state.name
			block.ToolInput = state.input.String()
		}
		a.blocks = append(a.blocks, block)
		a.openKind = blockNone
		a.openToolID = ""
		return []SSEEvent{contentBlockStopEvent(a.openIndex)}
	default:
		block := Block{Kind: a.openKind, Text: a.openText.String()}
		a.blocks = append(a.blocks, block)
		a.openText.Reset()
		a.openKind = blockNone
		return []SSEEvent{contentBlockStopEvent(a.openIndex)}
	}
}

// Finish closes any open block and emits the terminal message_delta and
// message_stop events. The caller writes DoneTail after these.
func (a *Assembler) Finish() []SSEEvent {
	if a.finished {
		return nil
	}
	a.finished = true

	var events []SSEEvent
	if !a.started {
		a.started = true
		events = append(events, messageStartEvent(a.messageID, a.model, a.usage))
	}
	events = append(events, a.closeOpenBlock()...)

	if a.usage.OutputTokens == 0 {
		a.usage.OutputTokens = a.estimatedOutput
	}

	events = append(events, messageDeltaEvent(a.StopReason(), a.usage))
	return append(events, messageStopEvent())
}

// StopReason synthesizes the final stop reason: tool use wins unless text
// superseded it, then an explicit upstream reason, then end_turn.
func (a *Assembler) StopReason() string {
	if a.sawToolUse && !a.textAfterToolUse {
		return StopReasonToolUse
	}
	switch a.upstreamStop {
	case StopReasonMaxTokens, StopReasonStopSequence, StopReasonEndTurn, StopReasonToolUse:
		return a.upstreamStop
	case "":
		return StopReasonEndTurn
	default:
		logrus.WithField("stop_reason", a.upstreamStop).Debug("Unknown upstream stop reason, defaulting to end_turn")
		return StopReasonEndTurn
	}
}

// Blocks returns the completed content blocks in emission order.
func (a *Assembler) Blocks() []Block {
	return a.blocks
}

// FinalUsage returns the usage after Finish.
func (a *Assembler) FinalUsage() Usage {
	return a.usage
}

// Model returns the model tag reported to the client.
func (a *Assembler) Model() string {
	return a.model
}

// String implements fmt.Stringer for debug logs.
func (a *Assembler) String() string {
	return fmt.Sprintf("assembler(blocks=%d, open=%d)", len(a.blocks), a.openKind)
}
