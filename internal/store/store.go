// ABOUTME: Store interface and data types for conversation persistence.
// ABOUTME: Defines Chat, Message, ToolUse structs and the Store interface.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Role constants for message authorship
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Chat represents one durable conversation thread
type Chat struct {
	ID          string
	Title       string
	ResumeToken string // engine session token for resuming the conversational context
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message represents a single message within a chat
type Message struct {
	ID        string
	ChatID    string
	Role      string // "user" or "assistant"
	Content   string
	Images    []Image
	CreatedAt time.Time
}

// Image is an inline base64 image attached to a message
type Image struct {
	ID       string
	Base64   string
	MimeType string
}

// ToolUse records one tool invocation and, once available, its result
type ToolUse struct {
	ID            string
	ChatID        string
	Name          string
	Input         json.RawMessage
	ResultContent string
	IsError       bool
	HasResult     bool
	CreatedAt     time.Time
}

// SearchResult is one match from a content search
type SearchResult struct {
	ChatID    string
	MessageID string
	Snippet   string
}

// Store defines the interface for chat and message persistence
type Store interface {
	// Chats
	CreateChat(ctx context.Context, title string) (*Chat, error)
	GetChat(ctx context.Context, id string) (*Chat, error)
	ListChats(ctx context.Context) ([]*Chat, error)
	UpdateChatTitle(ctx context.Context, id, title string) (*Chat, error)
	UpdateResumeToken(ctx context.Context, id, token string) error
	DeleteChat(ctx context.Context, id string) error

	// Messages
	AddMessage(ctx context.Context, chatID, role, content string, images []Image) (*Message, error)
	GetMessages(ctx context.Context, chatID string) ([]*Message, error)
	ClearMessages(ctx context.Context, chatID string) (int, error)

	// Tool uses
	AddToolUse(ctx context.Context, chatID, toolID, name string, input json.RawMessage) error
	UpdateToolResult(ctx context.Context, toolID, content string, isError bool) error
	GetToolUses(ctx context.Context, chatID string) ([]*ToolUse, error)
	ClearToolUses(ctx context.Context, chatID string) (int, error)

	// Search
	SearchChats(ctx context.Context, query string, limit int) ([]*SearchResult, error)

	// Close releases any resources held by the store
	Close() error
}
