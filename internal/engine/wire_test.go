// ABOUTME: Tests for the stream-JSON wire decoder.
// ABOUTME: Exercises streaming events, complete messages and terminal results.

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeOne(t *testing.T, line string) Event {
	t.Helper()
	evs, err := decodeWireLine([]byte(line))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	return evs[0]
}

func TestDecodeStreamTextCycle(t *testing.T) {
	start := decodeOne(t, `{"type":"stream_event","event":{"type":"content_block_start","content_block":{"type":"text"}}}`)
	assert.Equal(t, KindBlockStart, start.Kind)

	delta := decodeOne(t, `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}}`)
	assert.Equal(t, KindTextDelta, delta.Kind)
	assert.Equal(t, "Hel", delta.Delta)

	stop := decodeOne(t, `{"type":"stream_event","event":{"type":"content_block_stop"}}`)
	assert.Equal(t, KindBlockStop, stop.Kind)
}

func TestDecodeStreamIgnoresNonTextBlocks(t *testing.T) {
	evs, err := decodeWireLine([]byte(`{"type":"stream_event","event":{"type":"content_block_start","content_block":{"type":"tool_use"}}}`))
	require.NoError(t, err)
	assert.Empty(t, evs)

	evs, err = decodeWireLine([]byte(`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"input_json_delta","text":""}}}`))
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestDecodeAssistantMessageBlocks(t *testing.T) {
	evs, err := decodeWireLine([]byte(`{"type":"assistant","message":{"content":[
		{"type":"text","text":"The answer is 42."},
		{"type":"tool_use","id":"tu_1","name":"calculator","input":{"expr":"6*7"}}
	]}}`))
	require.NoError(t, err)
	require.Len(t, evs, 2)

	assert.Equal(t, KindAssistantText, evs[0].Kind)
	assert.Equal(t, "The answer is 42.", evs[0].Text)

	assert.Equal(t, KindToolUse, evs[1].Kind)
	require.NotNil(t, evs[1].ToolUse)
	assert.Equal(t, "tu_1", evs[1].ToolUse.ID)
	assert.Equal(t, "calculator", evs[1].ToolUse.Name)
	assert.JSONEq(t, `{"expr":"6*7"}`, string(evs[1].ToolUse.Input))
}

func TestDecodeAssistantStringContent(t *testing.T) {
	ev := decodeOne(t, `{"type":"assistant","message":{"content":"plain reply"}}`)
	assert.Equal(t, KindAssistantText, ev.Kind)
	assert.Equal(t, "plain reply", ev.Text)
}

func TestDecodeUserToolResult(t *testing.T) {
	ev := decodeOne(t, `{"type":"user","message":{"content":[
		{"type":"tool_result","tool_use_id":"tu_1","content":"42","is_error":false}
	]}}`)
	assert.Equal(t, KindToolResult, ev.Kind)
	require.NotNil(t, ev.ToolResult)
	assert.Equal(t, "tu_1", ev.ToolResult.ID)
	assert.False(t, ev.ToolResult.IsError)
}

func TestDecodeUserTextIgnored(t *testing.T) {
	evs, err := decodeWireLine([]byte(`{"type":"user","message":{"content":[{"type":"text","text":"echoed input"}]}}`))
	require.NoError(t, err)
	assert.Empty(t, evs)

	evs, err = decodeWireLine([]byte(`{"type":"user","message":{"content":"echoed input"}}`))
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestDecodeResultSuccess(t *testing.T) {
	ev := decodeOne(t, `{"type":"result","subtype":"success","session_id":"sess-abc","total_cost_usd":0.0123,"duration_ms":4200}`)
	assert.Equal(t, KindResult, ev.Kind)
	require.NotNil(t, ev.Result)
	assert.True(t, ev.Result.Success)
	assert.Equal(t, "sess-abc", ev.Result.SessionToken)
	assert.InDelta(t, 0.0123, ev.Result.CostUSD, 1e-9)
	assert.Equal(t, int64(4200), ev.Result.DurationMS)
}

func TestDecodeResultError(t *testing.T) {
	ev := decodeOne(t, `{"type":"result","subtype":"error_during_execution","is_error":true,"session_id":"sess-abc","result":"tool crashed"}`)
	require.NotNil(t, ev.Result)
	assert.False(t, ev.Result.Success)
	assert.Equal(t, "tool crashed", ev.Result.ErrorMessage)
	assert.Equal(t, "sess-abc", ev.Result.SessionToken)
}

func TestDecodeResultErrorWithoutMessage(t *testing.T) {
	ev := decodeOne(t, `{"type":"result","subtype":"error_max_turns","is_error":true}`)
	require.NotNil(t, ev.Result)
	assert.False(t, ev.Result.Success)
	assert.Equal(t, "query failed: error_max_turns", ev.Result.ErrorMessage)
}

func TestDecodeIgnoresControlLines(t *testing.T) {
	for _, line := range []string{
		`{"type":"system","subtype":"init","session_id":"sess-abc"}`,
		`{"type":"control_response","response":{"subtype":"success"}}`,
	} {
		evs, err := decodeWireLine([]byte(line))
		require.NoError(t, err)
		assert.Empty(t, evs)
	}
}

func TestDecodeRejectsMalformedLine(t *testing.T) {
	_, err := decodeWireLine([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestMarshalToolServers(t *testing.T) {
	out, err := marshalToolServers([]ToolServer{
		{Name: "files", Type: "stdio", Command: "file-server", Args: []string{"--root", "/data"}},
		{Name: "search", Type: "http", URL: "http://localhost:9000/mcp", Headers: map[string]string{"X-Key": "abc"}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"mcpServers":{
		"files":{"type":"stdio","command":"file-server","args":["--root","/data"]},
		"search":{"type":"http","url":"http://localhost:9000/mcp","headers":{"X-Key":"abc"}}
	}}`, out)
}

func TestBuildUserMessageTextOnly(t *testing.T) {
	msg := buildUserMessage(Prompt{Text: "hello"})
	assert.Equal(t, "user", msg["type"])
	inner := msg["message"].(map[string]any)
	assert.Equal(t, "hello", inner["content"])
}

func TestBuildUserMessageWithImages(t *testing.T) {
	msg := buildUserMessage(Prompt{
		Text:   "what is this?",
		Images: []Image{{Base64: "aGk=", MediaType: ""}},
	})
	inner := msg["message"].(map[string]any)
	content := inner["content"].([]map[string]any)
	require.Len(t, content, 2)

	source := content[0]["source"].(map[string]any)
	assert.Equal(t, "image/png", source["media_type"], "media type defaults to png")
	assert.Equal(t, "aGk=", source["data"])
	assert.Equal(t, "what is this?", content[1]["text"])
}
