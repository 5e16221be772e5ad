package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	app_errors "kiro-load/internal/errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Tool names the upstream does not support; they are filtered out of the
// request.
var unsupportedTools = map[string]bool{
	"web_search": true,
	"websearch":  true,
}

// Upstream request envelope. Field order determines JSON key order.

// Payload is the top-level upstream request body.
type Payload struct {
	ConversationState ConversationState `json:"conversationState"`
	ProfileArn        string            `json:"profileArn,omitempty"`
	InferenceConfig   *InferenceConfig  `json:"inferenceConfig,omitempty"`
}

// InferenceConfig carries sampling parameters.
type InferenceConfig struct {
	MaxTokens   int      `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"topP,omitempty"`
}

// ConversationState holds the flattened conversation.
type ConversationState struct {
	ChatTriggerType string           `json:"chatTriggerType"`
	ConversationID  string           `json:"conversationId"`
	CurrentMessage  CurrentMessage   `json:"currentMessage"`
	History         []HistoryMessage `json:"history,omitempty"`
	SystemPrompt    string           `json:"systemPrompt,omitempty"`
	Tools           []ToolWrapper    `json:"tools,omitempty"`
}

// CurrentMessage wraps the last user message.
type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

// HistoryMessage is one prior turn, either user or assistant.
type HistoryMessage struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

// UserInputMessage is a user turn with optional images and tool results.
type UserInputMessage struct {
	Content                 string                   `json:"content"`
	ModelID                 string                   `json:"modelId"`
	Origin                  string                   `json:"origin"`
	Images                  []Image                  `json:"images,omitempty"`
	UserInputMessageContext *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

// UserInputMessageContext carries tool declarations and tool results.
type UserInputMessageContext struct {
	ToolResults []ToolResult  `json:"toolResults,omitempty"`
	Tools       []ToolWrapper `json:"tools,omitempty"`
}

// Image is an input image part.
type Image struct {
	Format string      `json:"format"`
	Source ImageSource `json:"source"`
}

// ImageSource holds base64 image bytes.
type ImageSource struct {
	Bytes string `json:"bytes"`
}

// ToolResult references a prior tool use and carries its output.
type ToolResult struct {
	Content   []TextContent `json:"content"`
	Status    string        `json:"status"`
	ToolUseID string        `json:"toolUseId"`
}

// TextContent is a plain text part.
type TextContent struct {
	Text string `json:"text"`
}

// ToolWrapper wraps one tool specification.
type ToolWrapper struct {
	ToolSpecification ToolSpecification `json:"toolSpecification"`
}

// ToolSpecification declares a tool and its input schema.
type ToolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema wraps the JSON schema for tool input.
type InputSchema struct {
	JSON any `json:"json"`
}

// AssistantResponseMessage is an assistant turn.
type AssistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []ToolUse `json:"toolUses,omitempty"`
}

// ToolUse is a tool invocation recorded in history.
type ToolUse struct {
	ToolUseID string         `json:"toolUseId"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
}

// ConvertedRequest is the result of translating an Anthropic request.
type ConvertedRequest struct {
	Body            []byte
	Model           string
	UpstreamModel   string
	Stream          bool
	ThinkingEnabled bool
	MaxTokens       int64
}

// defaultOrigin is the upstream request origin tag.
const defaultOrigin = "AI_EDITOR"

// ConvertRequest translates an Anthropic Messages request body into the
// upstream envelope. Validation failures return an *APIError with an
// InvalidRequest classification.
func ConvertRequest(body []byte, profileArn string) (*ConvertedRequest, *app_errors.APIError) {
	if !gjson.ValidBytes(body) {
		return nil, app_errors.ErrInvalidJSON
	}

	root := gjson.ParseBytes(body)
	model := root.Get("model").String()
	if model == "" {
		return nil, app_errors.NewValidationError("model is required")
	}
	messages := root.Get("messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return nil, app_errors.NewValidationError("messages must be a non-empty array")
	}

	maxTokens := root.Get("max_tokens").Int()

	thinkingEnabled := false
	if thinking := root.Get("thinking"); thinking.Exists() {
		if thinking.Get("type").String() == "enabled" {
			budget := thinking.Get("budget_tokens").Int()
			if maxTokens > 0 && budget > maxTokens {
				return nil, app_errors.NewValidationError("thinking.budget_tokens must not exceed max_tokens")
			}
			thinkingEnabled = true
		}
	}

	upstreamModel := MapModel(model)
	systemPrompt := extractSystemPrompt(root)
	if thinkingEnabled {
		hint := "<thinking_mode>enabled</thinking_mode>"
		if systemPrompt != "" {
			systemPrompt = hint + "\n\n" + systemPrompt
		} else {
			systemPrompt = hint
		}
	}

	tools := convertTools(root.Get("tools"))

	history, current, convErr := flattenMessages(messages.Array(), upstreamModel)
	if convErr != nil {
		return nil, convErr
	}

	payload := Payload{
		ConversationState: ConversationState{
			ChatTriggerType: "MANUAL",
			ConversationID:  uuid.New().String(),
			CurrentMessage:  CurrentMessage{UserInputMessage: *current},
			History:         history,
			SystemPrompt:    systemPrompt,
			Tools:           tools,
		},
		ProfileArn: profileArn,
	}

	var inference InferenceConfig
	hasInference := false
	if maxTokens > 0 {
		inference.MaxTokens = int(maxTokens)
		hasInference = true
	}
	if temp := root.Get("temperature"); temp.Exists() {
		v := temp.Float()
		inference.Temperature = &v
		hasInference = true
	}
	if topP := root.Get("top_p"); topP.Exists() {
		v := topP.Float()
		inference.TopP = &v
		hasInference = true
	}
	if hasInference {
		payload.InferenceConfig = &inference
	}

	encoded, err := json.Marshal(&payload)
	if err != nil {
		logrus.WithError(err).Error("Failed to marshal upstream payload")
		return nil, app_errors.NewAPIError(app_errors.ErrInternalServer, "failed to encode upstream request")
	}

	return &ConvertedRequest{
		Body:            encoded,
		Model:           model,
		UpstreamModel:   upstreamModel,
		Stream:          root.Get("stream").Bool(),
		ThinkingEnabled: thinkingEnabled,
		MaxTokens:       maxTokens,
	}, nil
}

// extractSystemPrompt concatenates all system entries. Supports both the
// plain string form and the array-of-text-parts form.
func extractSystemPrompt(root gjson.Result) string {
	system := root.Get("system")
	if !system.Exists() {
		return ""
	}
	if system.Type == gjson.String {
		return system.String()
	}
	if system.IsArray() {
		var parts []string
		system.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				if text := part.Get("text").String(); text != "" {
					parts = append(parts, text)
				}
			}
			return true
		})
		return strings.Join(parts, "\n")
	}
	return ""
}

// convertTools maps the Anthropic tools array onto upstream tool
// specifications, dropping unsupported search tools.
func convertTools(tools gjson.Result) []ToolWrapper {
	if !tools.IsArray() {
		return nil
	}

	var wrapped []ToolWrapper
	tools.ForEach(func(_, tool gjson.Result) bool {
		name := tool.Get("name").String()
		if name == "" {
			return true
		}
		if unsupportedTools[strings.ToLower(name)] {
			logrus.WithField("tool", name).Debug("Dropping unsupported tool from upstream request")
			return true
		}

		var schema any
		if raw := tool.Get("input_schema"); raw.Exists() && raw.Type != gjson.Null {
			schema = raw.Value()
		} else {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}

		wrapped = append(wrapped, ToolWrapper{
			ToolSpecification: ToolSpecification{
				Name:        name,
				Description: tool.Get("description").String(),
				InputSchema: InputSchema{JSON: schema},
			},
		})
		return true
	})
	return wrapped
}

// flattenMessages converts the Anthropic message list into upstream history
// plus the current (last user) message.
func flattenMessages(messages []gjson.Result, modelID string) ([]HistoryMessage, *UserInputMessage, *app_errors.APIError) {
	var history []HistoryMessage
	var current *UserInputMessage

	lastUserIdx := -1
	for i, msg := range messages {
		if msg.Get("role").String() == "user" {
			lastUserIdx = i
		}
	}
	if lastUserIdx < 0 {
		return nil, nil, app_errors.NewValidationError("at least one user message is required")
	}

	for i, msg := range messages {
		role := msg.Get("role").String()
		switch role {
		case "user":
			userMsg := buildUserMessage(msg, modelID)
			if i == lastUserIdx {
				current = userMsg
			} else {
				embedded := *userMsg
				// History entries carry their tool results in the message
				// context, like the current message does.
				history = append(history, HistoryMessage{UserInputMessage: &embedded})
			}
		case "assistant":
			history = append(history, HistoryMessage{
				AssistantResponseMessage: buildAssistantMessage(msg),
			})
		default:
			return nil, nil, app_errors.NewValidationError(fmt.Sprintf("unsupported message role %q", role))
		}
	}

	// Messages after the last user message (a trailing assistant turn) stay
	// in history; the upstream continues from the current user message.
	return history, current, nil
}

// buildUserMessage flattens one user message: text parts concatenate, images
// and tool results go to their dedicated fields.
func buildUserMessage(msg gjson.Result, modelID string) *UserInputMessage {
	userMsg := &UserInputMessage{
		ModelID: modelID,
		Origin:  defaultOrigin,
	}

	content := msg.Get("content")
	if content.Type == gjson.String {
		userMsg.Content = content.String()
		return userMsg
	}

	var texts []string
	var images []Image
	var toolResults []ToolResult

	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			if text := part.Get("text").String(); text != "" {
				texts = append(texts, text)
			}
		case "image":
			if img := convertImage(part); img != nil {
				images = append(images, *img)
			}
		case "tool_result":
			toolResults = append(toolResults, convertToolResult(part))
		}
		return true
	})

	userMsg.Content = strings.Join(texts, "\n")
	userMsg.Images = images
	if len(toolResults) > 0 {
		userMsg.UserInputMessageContext = &UserInputMessageContext{ToolResults: toolResults}
	}
	return userMsg
}

// convertImage maps a base64 image part. Only base64 sources are forwarded.
func convertImage(part gjson.Result) *Image {
	source := part.Get("source")
	if source.Get("type").String() != "base64" {
		return nil
	}
	format := "png"
	if mediaType := source.Get("media_type").String(); strings.HasPrefix(mediaType, "image/") {
		format = strings.TrimPrefix(mediaType, "image/")
	}
	data := source.Get("data").String()
	if data == "" {
		return nil
	}
	return &Image{
		Format: format,
		Source: ImageSource{Bytes: data},
	}
}

// convertToolResult stringifies a tool_result part and references its prior
// tool_use id.
func convertToolResult(part gjson.Result) ToolResult {
	status := "success"
	if part.Get("is_error").Bool() {
		status = "error"
	}

	var text string
	content := part.Get("content")
	switch {
	case content.Type == gjson.String:
		text = content.String()
	case content.IsArray():
		var texts []string
		content.ForEach(func(_, item gjson.Result) bool {
			if item.Get("type").String() == "text" {
				texts = append(texts, item.Get("text").String())
			} else {
				texts = append(texts, item.Raw)
			}
			return true
		})
		text = strings.Join(texts, "\n")
	case content.Exists():
		text = content.Raw
	}

	return ToolResult{
		Content:   []TextContent{{Text: text}},
		Status:    status,
		ToolUseID: part.Get("tool_use_id").String(),
	}
}

// buildAssistantMessage flattens one assistant turn into text plus recorded
// tool uses.
func buildAssistantMessage(msg gjson.Result) *AssistantResponseMessage {
	assistant := &AssistantResponseMessage{}

	content := msg.Get("content")
	if content.Type == gjson.String {
		assistant.Content = content.String()
		return assistant
	}

	var texts []string
	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			if text := part.Get("text").String(); text != "" {
				texts = append(texts, text)
			}
		case "tool_use":
			input, _ := part.Get("input").Value().(map[string]any)
			if input == nil {
				input = map[string]any{}
			}
			assistant.ToolUses = append(assistant.ToolUses, ToolUse{
				ToolUseID: part.Get("id").String(),
				Name:      part.Get("name").String(),
				Input:     input,
			})
		}
		return true
	})
	assistant.Content = strings.Join(texts, "\n")
	return assistant
}
