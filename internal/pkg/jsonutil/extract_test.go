package jsonutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractObjectPlain(t *testing.T) {
	out, ok := ExtractObject(`{"action":"buy","confidence":80}`)
	require.True(t, ok)
	assert.Equal(t, `{"action":"buy","confidence":80}`, out)
}

func TestExtractObjectFromFence(t *testing.T) {
	raw := "Here is my analysis.\n```json\n{\"action\":\"hold\",\"confidence\":20}\n```\nDone."
	out, ok := ExtractObject(raw)
	require.True(t, ok)
	assert.Equal(t, `{"action":"hold","confidence":20}`, out)
}

func TestExtractObjectWithSurroundingProse(t *testing.T) {
	raw := `Based on the indicators I conclude: {"action":"sell","confidence":65,"rationale":"RSI divergence"} — final answer.`
	out, ok := ExtractObject(raw)
	require.True(t, ok)
	assert.Equal(t, `{"action":"sell","confidence":65,"rationale":"RSI divergence"}`, out)
}

func TestExtractObjectNestedBraces(t *testing.T) {
	raw := `{"outer":{"inner":1},"brace_in_string":"}{"}`
	out, ok := ExtractObject(raw)
	require.True(t, ok)
	assert.Equal(t, raw, out)
}

func TestExtractObjectMissing(t *testing.T) {
	_, ok := ExtractObject("no structured payload here")
	assert.False(t, ok)
	_, ok = ExtractObject("")
	assert.False(t, ok)
	_, ok = ExtractObject(`{"unterminated": true`)
	assert.False(t, ok)
}
