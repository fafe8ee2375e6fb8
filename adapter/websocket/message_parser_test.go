package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame_Classification(t *testing.T) {
	tests := []struct {
		raw  string
		kind FrameKind
	}{
		{`{"type":"status","messageId":"m","agent":"a","message":"x"}`, KindStatus},
		{`{"type":"chunk","messageId":"m","content":"x"}`, KindChunk},
		{`{"type":"complete","messageId":"m"}`, KindComplete},
		{`{"type":"error","messageId":"m","message":"x"}`, KindError},
		{`{"type":"ai_response","messageId":"m","content":"x"}`, KindResponse},
		{`{"type":"response","messageId":"m"}`, KindResponse},
		{`{"type":"STATUS","messageId":"m"}`, KindStatus},
		{`{"type":"pong"}`, KindUnknown},
	}

	for _, tt := range tests {
		_, kind, err := parseFrame([]byte(tt.raw))
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.kind, kind, tt.raw)
	}
}

func TestParseFrame_Fields(t *testing.T) {
	frame, kind, err := parseFrame([]byte(`{
		"type": "complete",
		"messageId": "msg-20241119-130831-1",
		"suggestions": ["tell me more"],
		"learning_level": 2,
		"context": {"page": "learn"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, KindComplete, kind)
	assert.True(t, kind.Terminal())
	assert.Equal(t, "msg-20241119-130831-1", frame.MessageID)
	assert.Equal(t, []string{"tell me more"}, frame.Suggestions)
	require.NotNil(t, frame.LearningLevel)
	assert.Equal(t, 2, *frame.LearningLevel)
	assert.JSONEq(t, `{"page":"learn"}`, string(frame.Context))
}

func TestParseFrame_Errors(t *testing.T) {
	_, _, err := parseFrame(nil)
	assert.Error(t, err)

	_, _, err = parseFrame([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestFrame_Text(t *testing.T) {
	assert.Equal(t, "c", (&Frame{Content: "c", Message: "m"}).text())
	assert.Equal(t, "m", (&Frame{Message: "m"}).text())
	assert.False(t, KindChunk.Terminal())
	assert.Equal(t, "chunk", KindChunk.String())
}
