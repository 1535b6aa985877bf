// ABOUTME: Decoder for the agent CLI's line-delimited stream-JSON event protocol.
// ABOUTME: Maps wire messages onto the closed Event variant type.

package engine

import (
	"encoding/json"
	"fmt"
)

// wireLine is the top-level shape of one stdout line from the CLI.
type wireLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`

	// type == "stream_event"
	Event *wireStreamEvent `json:"event"`

	// type == "assistant" or "user"
	Message *wireMessage `json:"message"`

	// type == "result"
	SessionID    string  `json:"session_id"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
}

// wireStreamEvent is an incremental streaming event.
type wireStreamEvent struct {
	Type         string `json:"type"`
	ContentBlock *struct {
		Type string `json:"type"`
	} `json:"content_block"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

// wireMessage is a complete assistant or user message.
type wireMessage struct {
	Content json.RawMessage `json:"content"`
}

// wireBlock is one content block inside a complete message.
type wireBlock struct {
	Type string `json:"type"`

	// type == "text"
	Text string `json:"text"`

	// type == "tool_use"
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`

	// type == "tool_result"
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// decodeWireLine converts one stdout line into zero or more Events. Lines the
// relay has no use for (control responses, init handshakes) decode to nothing.
func decodeWireLine(line []byte) ([]Event, error) {
	var wl wireLine
	if err := json.Unmarshal(line, &wl); err != nil {
		return nil, fmt.Errorf("parsing event line: %w", err)
	}

	switch wl.Type {
	case "stream_event":
		return decodeStreamEvent(wl.Event), nil
	case "assistant":
		return decodeMessageBlocks(wl.Message, false)
	case "user":
		return decodeMessageBlocks(wl.Message, true)
	case "result":
		return []Event{decodeResult(&wl)}, nil
	default:
		// system/init/control lines carry no conversation content
		return nil, nil
	}
}

func decodeStreamEvent(ev *wireStreamEvent) []Event {
	if ev == nil {
		return nil
	}
	switch ev.Type {
	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "text" {
			return []Event{{Kind: KindBlockStart}}
		}
	case "content_block_delta":
		if ev.Delta != nil && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
			return []Event{{Kind: KindTextDelta, Delta: ev.Delta.Text}}
		}
	case "content_block_stop":
		return []Event{{Kind: KindBlockStop}}
	}
	return nil
}

// decodeMessageBlocks flattens a complete message into events. Assistant
// messages contribute text and tool invocations; user messages only carry
// tool results echoed back by the engine.
func decodeMessageBlocks(msg *wireMessage, userMessage bool) ([]Event, error) {
	if msg == nil || len(msg.Content) == 0 {
		return nil, nil
	}

	// Content may be a plain string instead of a block list.
	var text string
	if err := json.Unmarshal(msg.Content, &text); err == nil {
		if userMessage || text == "" {
			return nil, nil
		}
		return []Event{{Kind: KindAssistantText, Text: text}}, nil
	}

	var blocks []wireBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return nil, fmt.Errorf("parsing message content: %w", err)
	}

	var events []Event
	for _, b := range blocks {
		switch b.Type {
		case "text":
			// Streamed text arrives via stream_events; the complete block
			// here is redundant and handled by the dispatcher's fallback.
			if !userMessage && b.Text != "" {
				events = append(events, Event{Kind: KindAssistantText, Text: b.Text})
			}
		case "tool_use":
			if !userMessage {
				events = append(events, Event{Kind: KindToolUse, ToolUse: &ToolUseEvent{
					ID:    b.ID,
					Name:  b.Name,
					Input: b.Input,
				}})
			}
		case "tool_result":
			events = append(events, Event{Kind: KindToolResult, ToolResult: &ToolResultEvent{
				ID:      b.ToolUseID,
				Content: b.Content,
				IsError: b.IsError,
			}})
		}
	}
	return events, nil
}

func decodeResult(wl *wireLine) Event {
	res := &ResultEvent{
		Success:      wl.Subtype == "success",
		SessionToken: wl.SessionID,
		CostUSD:      wl.TotalCostUSD,
		DurationMS:   wl.DurationMS,
	}
	if wl.IsError || !res.Success {
		res.Success = false
		res.ErrorMessage = wl.Result
		if res.ErrorMessage == "" {
			res.ErrorMessage = "query failed: " + wl.Subtype
		}
	}
	return Event{Kind: KindResult, Result: res}
}
