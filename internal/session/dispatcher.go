// ABOUTME: Dispatcher turns engine events into persisted records and subscriber frames.
// ABOUTME: Accumulates streamed text and flattens tool result content.

package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/chatagent/relay/internal/engine"
	"github.com/chatagent/relay/internal/store"
)

// Dispatcher consumes the controller's event stream for one chat. Every event
// is persisted as needed and broadcast as a frame. Persistence failures are
// logged but never interrupt the stream; the subscriber still sees the frame.
type Dispatcher struct {
	chatID string
	st     store.Store
	mux    *Multiplexer
	logger *slog.Logger

	// onResult runs when a query reaches its terminal event.
	onResult func()

	// bufMu guards the stream buffer, which subscribers snapshot via
	// StreamingText while the event loop appends to it.
	bufMu   sync.Mutex
	textBuf strings.Builder
	// streamedBlocks counts text blocks already persisted from deltas, so the
	// redundant complete-message copies that follow are skipped.
	streamedBlocks int
}

// NewDispatcher creates a dispatcher for one chat.
func NewDispatcher(chatID string, st store.Store, mux *Multiplexer, onResult func(), logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		chatID:   chatID,
		st:       st,
		mux:      mux,
		logger:   logger.With("component", "dispatcher", "chat_id", chatID),
		onResult: onResult,
	}
}

// HandleEvent processes one engine event.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev engine.Event) {
	switch ev.Kind {
	case engine.KindBlockStart:
		d.bufMu.Lock()
		d.textBuf.Reset()
		d.bufMu.Unlock()
		d.mux.Broadcast(&Frame{Type: FrameStreamStart, ChatID: d.chatID})

	case engine.KindTextDelta:
		d.bufMu.Lock()
		d.textBuf.WriteString(ev.Delta)
		d.bufMu.Unlock()
		d.mux.Broadcast(&Frame{Type: FrameTextDelta, ChatID: d.chatID, Delta: ev.Delta})

	case engine.KindBlockStop:
		d.bufMu.Lock()
		text := d.textBuf.String()
		d.textBuf.Reset()
		if text != "" {
			d.streamedBlocks++
		}
		d.bufMu.Unlock()
		if text != "" {
			d.persistAssistant(ctx, text)
		}
		d.mux.Broadcast(&Frame{Type: FrameStreamEnd, ChatID: d.chatID, Content: text})

	case engine.KindAssistantText:
		// Streamed blocks were already persisted from their deltas; the
		// complete message that follows repeats them.
		d.bufMu.Lock()
		streamed := d.streamedBlocks > 0
		if streamed {
			d.streamedBlocks--
		}
		d.bufMu.Unlock()
		if streamed {
			return
		}
		d.persistAssistant(ctx, ev.Text)
		d.mux.Broadcast(&Frame{Type: FrameAssistantMsg, ChatID: d.chatID, Content: ev.Text})

	case engine.KindToolUse:
		if err := d.st.AddToolUse(ctx, d.chatID, ev.ToolUse.ID, ev.ToolUse.Name, ev.ToolUse.Input); err != nil {
			d.logger.Error("persisting tool use failed", "tool_id", ev.ToolUse.ID, "error", err)
		}
		d.mux.Broadcast(&Frame{
			Type:      FrameToolUse,
			ChatID:    d.chatID,
			ToolID:    ev.ToolUse.ID,
			ToolName:  ev.ToolUse.Name,
			ToolInput: ev.ToolUse.Input,
		})

	case engine.KindToolResult:
		content := flattenToolContent(ev.ToolResult.Content)
		if err := d.st.UpdateToolResult(ctx, ev.ToolResult.ID, content, ev.ToolResult.IsError); err != nil {
			d.logger.Error("persisting tool result failed", "tool_id", ev.ToolResult.ID, "error", err)
		}
		d.mux.Broadcast(&Frame{
			Type:    FrameToolResult,
			ChatID:  d.chatID,
			ToolID:  ev.ToolResult.ID,
			Content: content,
			IsError: ev.ToolResult.IsError,
		})

	case engine.KindResult:
		d.finishStream()
		d.onResult()
		res := ev.Result
		if !res.Success {
			d.mux.Broadcast(&Frame{Type: FrameError, ChatID: d.chatID, Error: res.ErrorMessage})
			return
		}
		if res.SessionToken != "" {
			if err := d.st.UpdateResumeToken(ctx, d.chatID, res.SessionToken); err != nil {
				d.logger.Error("persisting resume token failed", "error", err)
			}
		}
		d.mux.Broadcast(&Frame{
			Type:     FrameResult,
			ChatID:   d.chatID,
			Success:  boolPtr(true),
			CostUSD:  res.CostUSD,
			Duration: res.DurationMS,
		})

	case engine.KindError:
		d.finishStream()
		d.onResult()
		d.mux.Broadcast(&Frame{Type: FrameError, ChatID: d.chatID, Error: ev.Err})
	}
}

// StreamingText returns the text streamed so far in the current block. Used
// to seed a subscriber that attaches mid-stream.
func (d *Dispatcher) StreamingText() string {
	d.bufMu.Lock()
	defer d.bufMu.Unlock()
	return d.textBuf.String()
}

// ResetStream discards any partially streamed text, e.g. after a cancel.
func (d *Dispatcher) ResetStream() {
	d.bufMu.Lock()
	defer d.bufMu.Unlock()
	d.textBuf.Reset()
	d.streamedBlocks = 0
}

// finishStream persists a dangling text buffer. Normally BlockStop handles
// this; a query that errors mid-block leaves the buffer populated.
func (d *Dispatcher) finishStream() {
	d.bufMu.Lock()
	text := d.textBuf.String()
	d.textBuf.Reset()
	d.streamedBlocks = 0
	d.bufMu.Unlock()
	if text != "" {
		d.persistAssistant(context.Background(), text)
	}
}

func (d *Dispatcher) persistAssistant(ctx context.Context, text string) {
	if _, err := d.st.AddMessage(ctx, d.chatID, store.RoleAssistant, text, nil); err != nil {
		d.logger.Error("persisting assistant message failed", "error", err)
	}
}

// flattenToolContent renders a tool result's wire content as plain text. The
// wire value is either a JSON string or a list of typed segments.
func flattenToolContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		var parts []string
		for _, seg := range segments {
			if seg.Type == "text" && seg.Text != "" {
				parts = append(parts, seg.Text)
			}
		}
		return strings.Join(parts, "\n")
	}

	return string(raw)
}
