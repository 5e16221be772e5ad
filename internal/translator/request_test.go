package translator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestMapModel(t *testing.T) {
	tests := []struct {
		model    string
		expected string
	}{
		{"claude-3-5-opus-20250101", ModelOpus},
		{"claude-haiku-test", ModelHaiku},
		{"claude-sonnet-4-5", ModelSonnet},
		{"gpt-4", ModelSonnet},
		{"", ModelSonnet},
		{"CLAUDE-OPUS", ModelOpus},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, MapModel(tt.model), "model %q", tt.model)
	}
}

func TestConvertRequestBasicShape(t *testing.T) {
	body := []byte(`{
		"model": "claude-3-5-opus-20250101",
		"max_tokens": 1024,
		"system": "You are terse.",
		"messages": [
			{"role": "user", "content": "first question"},
			{"role": "assistant", "content": "first answer"},
			{"role": "user", "content": "second question"}
		],
		"stream": true
	}`)

	converted, apiErr := ConvertRequest(body, "arn:aws:profile/abc")
	require.Nil(t, apiErr)
	assert.True(t, converted.Stream)
	assert.Equal(t, ModelOpus, converted.UpstreamModel)

	payload := gjson.ParseBytes(converted.Body)
	assert.Equal(t, "MANUAL", payload.Get("conversationState.chatTriggerType").String())
	assert.NotEmpty(t, payload.Get("conversationState.conversationId").String())
	assert.Equal(t, "second question",
		payload.Get("conversationState.currentMessage.userInputMessage.content").String())
	assert.Equal(t, ModelOpus,
		payload.Get("conversationState.currentMessage.userInputMessage.modelId").String())
	assert.Equal(t, "You are terse.", payload.Get("conversationState.systemPrompt").String())
	assert.Equal(t, "arn:aws:profile/abc", payload.Get("profileArn").String())
	assert.Equal(t, int64(1024), payload.Get("inferenceConfig.maxTokens").Int())

	history := payload.Get("conversationState.history").Array()
	require.Len(t, history, 2)
	assert.Equal(t, "first question", history[0].Get("userInputMessage.content").String())
	assert.Equal(t, "first answer", history[1].Get("assistantResponseMessage.content").String())
}

func TestConvertRequestSystemArray(t *testing.T) {
	body := []byte(`{
		"model": "m",
		"system": [
			{"type": "text", "text": "part one"},
			{"type": "text", "text": "part two"}
		],
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	converted, apiErr := ConvertRequest(body, "")
	require.Nil(t, apiErr)
	assert.Equal(t, "part one\npart two",
		gjson.GetBytes(converted.Body, "conversationState.systemPrompt").String())
}

func TestConvertRequestFiltersUnsupportedTools(t *testing.T) {
	body := []byte(`{
		"model": "m",
		"messages": [{"role": "user", "content": "hi"}],
		"tools": [
			{"name": "web_search", "description": "", "input_schema": {"type": "object"}},
			{"name": "calc", "description": "adds", "input_schema": {"type": "object"}}
		]
	}`)

	converted, apiErr := ConvertRequest(body, "")
	require.Nil(t, apiErr)

	tools := gjson.GetBytes(converted.Body, "conversationState.tools").Array()
	require.Len(t, tools, 1)
	assert.Equal(t, "calc", tools[0].Get("toolSpecification.name").String())
	assert.Equal(t, "object", tools[0].Get("toolSpecification.inputSchema.json.type").String())
}

func TestConvertRequestThinkingBudgetValidation(t *testing.T) {
	body := []byte(`{
		"model": "m",
		"max_tokens": 100,
		"thinking": {"type": "enabled", "budget_tokens": 500},
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	_, apiErr := ConvertRequest(body, "")
	require.NotNil(t, apiErr)
	assert.Equal(t, 400, apiErr.HTTPStatus)

	body = []byte(`{
		"model": "m",
		"max_tokens": 1000,
		"thinking": {"type": "enabled", "budget_tokens": 500},
		"messages": [{"role": "user", "content": "hi"}]
	}`)
	converted, apiErr := ConvertRequest(body, "")
	require.Nil(t, apiErr)
	assert.True(t, converted.ThinkingEnabled)
	assert.Contains(t,
		gjson.GetBytes(converted.Body, "conversationState.systemPrompt").String(),
		"<thinking_mode>enabled</thinking_mode>")
}

func TestConvertRequestToolResultAndImage(t *testing.T) {
	body := []byte(`{
		"model": "m",
		"messages": [
			{"role": "user", "content": "run the tool"},
			{"role": "assistant", "content": [
				{"type": "text", "text": "running"},
				{"type": "tool_use", "id": "tu_1", "name": "calc", "input": {"a": 1}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "tu_1", "content": "42"},
				{"type": "image", "source": {"type": "base64", "media_type": "image/jpeg", "data": "aGk="}},
				{"type": "text", "text": "and the picture"}
			]}
		]
	}`)

	converted, apiErr := ConvertRequest(body, "")
	require.Nil(t, apiErr)

	payload := gjson.ParseBytes(converted.Body)
	current := payload.Get("conversationState.currentMessage.userInputMessage")
	assert.Equal(t, "and the picture", current.Get("content").String())

	toolResults := current.Get("userInputMessageContext.toolResults").Array()
	require.Len(t, toolResults, 1)
	assert.Equal(t, "tu_1", toolResults[0].Get("toolUseId").String())
	assert.Equal(t, "success", toolResults[0].Get("status").String())
	assert.Equal(t, "42", toolResults[0].Get("content.0.text").String())

	images := current.Get("images").Array()
	require.Len(t, images, 1)
	assert.Equal(t, "jpeg", images[0].Get("format").String())
	assert.Equal(t, "aGk=", images[0].Get("source.bytes").String())

	history := payload.Get("conversationState.history").Array()
	require.Len(t, history, 2)
	toolUses := history[1].Get("assistantResponseMessage.toolUses").Array()
	require.Len(t, toolUses, 1)
	assert.Equal(t, "tu_1", toolUses[0].Get("toolUseId").String())
	assert.Equal(t, "calc", toolUses[0].Get("name").String())
}

func TestConvertRequestValidation(t *testing.T) {
	_, apiErr := ConvertRequest([]byte(`not json`), "")
	assert.NotNil(t, apiErr)

	_, apiErr = ConvertRequest([]byte(`{"messages": [{"role":"user","content":"x"}]}`), "")
	require.NotNil(t, apiErr)
	assert.Contains(t, apiErr.Message, "model")

	_, apiErr = ConvertRequest([]byte(`{"model":"m","messages":[]}`), "")
	require.NotNil(t, apiErr)
	assert.Contains(t, apiErr.Message, "messages")

	_, apiErr = ConvertRequest([]byte(`{"model":"m","messages":[{"role":"assistant","content":"x"}]}`), "")
	require.NotNil(t, apiErr)
	assert.Contains(t, apiErr.Message, "user message")
}
