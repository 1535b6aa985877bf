// ABOUTME: Frame is the wire unit broadcast to chat subscribers.
// ABOUTME: Defines the frame type constants and which frames are ephemeral.

package session

import "encoding/json"

// Frame type constants. Every frame sent to a subscriber carries one of these.
const (
	FrameConnected      = "connected"
	FrameHistory        = "history"
	FrameToolHistory    = "tool_history"
	FrameProcessing     = "processing_state"
	FrameUserMessage    = "user_message"
	FrameStreamStart    = "stream_start"
	FrameTextDelta      = "text_delta"
	FrameStreamEnd      = "stream_end"
	FrameAssistantMsg   = "assistant_message"
	FrameToolUse        = "tool_use"
	FrameToolResult     = "tool_result"
	FrameResult         = "result"
	FrameCancelled      = "cancelled"
	FrameHistoryCleared = "history_cleared"
	FrameError          = "error"
)

// Frame is one event delivered to chat subscribers. Only the fields relevant
// to Type are populated; everything else is omitted from the encoding.
type Frame struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id,omitempty"`

	// Text payloads
	Content string `json:"content,omitempty"`
	Delta   string `json:"delta,omitempty"`

	// Tool payloads
	ToolName  string          `json:"tool_name,omitempty"`
	ToolID    string          `json:"tool_id,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// Terminal result payloads
	Error    string  `json:"error,omitempty"`
	Success  *bool   `json:"success,omitempty"`
	CostUSD  float64 `json:"cost_usd,omitempty"`
	Duration int64   `json:"duration_ms,omitempty"`

	// Session lifecycle payloads
	OldSessionID string `json:"old_session_id,omitempty"`

	// Subscribe-time payloads
	Messages       []HistoryMessage `json:"messages,omitempty"`
	ToolUses       []HistoryToolUse `json:"tool_uses,omitempty"`
	StreamingState string           `json:"streaming_state,omitempty"`
	IsProcessing   *bool            `json:"is_processing,omitempty"`
}

// HistoryMessage is one stored message rendered for a subscriber.
type HistoryMessage struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Images    []HistoryImage `json:"images,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// HistoryImage is one inline image attached to a stored message.
type HistoryImage struct {
	Base64   string `json:"base64"`
	MimeType string `json:"mime_type"`
}

// HistoryToolUse is one stored tool invocation rendered for a subscriber.
type HistoryToolUse struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Input         json.RawMessage `json:"input"`
	ResultContent string          `json:"result_content,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
	HasResult     bool            `json:"has_result"`
	CreatedAt     string          `json:"created_at"`
}

// ephemeral reports whether the frame may be dropped when nobody is listening.
// Text deltas are reconstructible from the final message; everything else is
// buffered for the next subscriber.
func (f *Frame) ephemeral() bool {
	return f.Type == FrameTextDelta
}

func boolPtr(b bool) *bool {
	return &b
}
