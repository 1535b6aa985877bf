// ABOUTME: Engine and Conn interfaces for the external conversational-agent engine.
// ABOUTME: Defines the closed event variant type streamed back from a query.

package engine

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrInterrupted marks engine failures caused by an interrupt in progress.
// Callers treat these as an expected byproduct of interruption, not a
// user-visible error.
var ErrInterrupted = errors.New("engine: interrupted")

// ToolServer describes one external tool server made available to the engine.
type ToolServer struct {
	Name    string
	Type    string // "stdio" or "http"
	Command string
	Args    []string
	Env     map[string]string
	URL     string
	Headers map[string]string
}

// Options configures a new engine connection.
type Options struct {
	SystemPrompt   string
	MaxTurns       int
	PermissionMode string
	AllowedTools   []string
	ToolServers    []ToolServer

	// ResumeToken, when set, asks the engine to continue the underlying
	// conversational context identified by the token. ForkSession branches
	// off into a fresh context instead of continuing the original.
	ResumeToken string
	ForkSession bool
}

// Engine creates connections to the agent engine.
type Engine interface {
	Connect(ctx context.Context, opts Options) (Conn, error)
}

// Conn is one live engine connection. It is exclusively owned by a single
// query controller; implementations do not need to support concurrent calls.
type Conn interface {
	// Submit sends one query. Responses arrive on the Events channel.
	Submit(ctx context.Context, prompt Prompt) error

	// Interrupt asks the engine to stop the in-flight query. The caller must
	// keep consuming Events until the query's terminal event arrives.
	Interrupt(ctx context.Context) error

	// Events returns the connection's event stream. The channel is closed
	// when the connection ends and is not restartable.
	Events() <-chan Event

	Close() error
}

// Prompt is the user input for one query, either plain text or multimodal.
type Prompt struct {
	Text   string
	Images []Image
}

// Image is one base64-encoded inline image.
type Image struct {
	Base64    string
	MediaType string
}

// EventKind discriminates the engine event variants.
type EventKind int

const (
	// KindBlockStart opens a streamed text block.
	KindBlockStart EventKind = iota
	// KindTextDelta carries one streamed text increment.
	KindTextDelta
	// KindBlockStop closes the open text block.
	KindBlockStop
	// KindAssistantText is a complete, non-streamed assistant text message.
	KindAssistantText
	// KindToolUse reports a tool invocation.
	KindToolUse
	// KindToolResult reports the outcome of a tool invocation.
	KindToolResult
	// KindResult terminates a query.
	KindResult
	// KindError reports a query failure that is not part of the protocol.
	KindError
)

// Event is the closed variant type for everything an engine can emit.
// Exactly one payload field matching Kind is populated.
type Event struct {
	Kind EventKind

	Delta string // KindTextDelta
	Text  string // KindAssistantText
	Err   string // KindError

	ToolUse    *ToolUseEvent    // KindToolUse
	ToolResult *ToolResultEvent // KindToolResult
	Result     *ResultEvent     // KindResult
}

// ToolUseEvent describes one tool invocation by the agent.
type ToolUseEvent struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResultEvent carries the result for a prior tool invocation. Content is
// the raw wire value: either a JSON string or a list of content segments.
type ToolResultEvent struct {
	ID      string
	Content json.RawMessage
	IsError bool
}

// ResultEvent is the terminal event of a query.
type ResultEvent struct {
	Success      bool
	SessionToken string
	CostUSD      float64
	DurationMS   int64
	ErrorMessage string
}

func (k EventKind) String() string {
	switch k {
	case KindBlockStart:
		return "block_start"
	case KindTextDelta:
		return "text_delta"
	case KindBlockStop:
		return "block_stop"
	case KindAssistantText:
		return "assistant_text"
	case KindToolUse:
		return "tool_use"
	case KindToolResult:
		return "tool_result"
	case KindResult:
		return "result"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}
