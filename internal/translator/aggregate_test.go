package translator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestBuildMessageCollectsBlocks(t *testing.T) {
	a := NewAssembler(ModelSonnet, 7)
	stepAll(t, a,
		assistantFrame("Thinking it over. "),
		assistantFrame("Here you go."),
		toolUseFrame("tu_9", "lookup", `{"key":"v"}`, true),
	)

	msg := BuildMessage(a)
	assert.Equal(t, "message", msg.Type)
	assert.Equal(t, "assistant", msg.Role)
	assert.Equal(t, ModelSonnet, msg.Model)
	assert.Equal(t, StopReasonToolUse, msg.StopReason)
	assert.Equal(t, int64(7), msg.Usage.InputTokens)

	require.Len(t, msg.Content, 2)
	assert.Equal(t, "text", msg.Content[0].Type)
	assert.Equal(t, "Thinking it over. Here you go.", msg.Content[0].Text)
	assert.Equal(t, "tool_use", msg.Content[1].Type)
	assert.Equal(t, "tu_9", msg.Content[1].ID)
	assert.Equal(t, "lookup", msg.Content[1].Name)
	assert.Equal(t, "v", gjson.GetBytes(msg.Content[1].Input, "key").String())
}

func TestBuildMessageRepairsInvalidToolInput(t *testing.T) {
	a := NewAssembler(ModelSonnet, 0)
	stepAll(t, a, toolUseFrame("tu_1", "calc", `{"broken":`, true))

	msg := BuildMessage(a)
	require.Len(t, msg.Content, 1)
	assert.Equal(t, "{}", string(msg.Content[0].Input))
}
