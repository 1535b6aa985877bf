// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides chat/message/tool-use persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// defaultTitle is the placeholder title replaced by the first user message.
const defaultTitle = "New Chat"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			resume_token TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (chat_id) REFERENCES chats(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_messages_chat_id
			ON messages(chat_id);

		CREATE INDEX IF NOT EXISTS idx_messages_chat_created
			ON messages(chat_id, created_at);

		CREATE TABLE IF NOT EXISTS message_images (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			base64 TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_message_images_message_id
			ON message_images(message_id);

		CREATE TABLE IF NOT EXISTS tool_uses (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			tool_input TEXT NOT NULL,
			result_content TEXT,
			is_error INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (chat_id) REFERENCES chats(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_tool_uses_chat_id
			ON tool_uses(chat_id);

		CREATE INDEX IF NOT EXISTS idx_tool_uses_chat_created
			ON tool_uses(chat_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateChat inserts a new chat. An empty title gets the default placeholder.
func (s *SQLiteStore) CreateChat(ctx context.Context, title string) (*Chat, error) {
	if title == "" {
		title = defaultTitle
	}
	now := time.Now().UTC()
	chat := &Chat{
		ID:        uuid.New().String(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, title, resume_token, created_at, updated_at) VALUES (?, ?, '', ?, ?)`,
		chat.ID, chat.Title, chat.CreatedAt, chat.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting chat: %w", err)
	}
	return chat, nil
}

// GetChat retrieves a chat by ID. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetChat(ctx context.Context, id string) (*Chat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, resume_token, created_at, updated_at FROM chats WHERE id = ?`, id)

	chat := &Chat{}
	err := row.Scan(&chat.ID, &chat.Title, &chat.ResumeToken, &chat.CreatedAt, &chat.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying chat: %w", err)
	}
	return chat, nil
}

// ListChats returns all chats ordered by most recently updated first.
func (s *SQLiteStore) ListChats(ctx context.Context) ([]*Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, resume_token, created_at, updated_at FROM chats ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying chats: %w", err)
	}
	defer rows.Close()

	var chats []*Chat
	for rows.Next() {
		chat := &Chat{}
		if err := rows.Scan(&chat.ID, &chat.Title, &chat.ResumeToken, &chat.CreatedAt, &chat.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning chat: %w", err)
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

// UpdateChatTitle sets a new title and bumps updated_at.
func (s *SQLiteStore) UpdateChatTitle(ctx context.Context, id, title string) (*Chat, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("updating chat title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetChat(ctx, id)
}

// UpdateResumeToken stores the engine session token against the chat so the
// conversational context can be resumed after a restart.
func (s *SQLiteStore) UpdateResumeToken(ctx context.Context, id, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET resume_token = ?, updated_at = ? WHERE id = ?`,
		token, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating resume token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteChat removes a chat along with its messages, images and tool uses.
func (s *SQLiteStore) DeleteChat(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM message_images WHERE message_id IN (SELECT id FROM messages WHERE chat_id = ?)`, id); err != nil {
		return fmt.Errorf("deleting message images: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, id); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tool_uses WHERE chat_id = ?`, id); err != nil {
		return fmt.Errorf("deleting tool uses: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// AddMessage appends a message to a chat. The chat's updated_at is bumped,
// and a placeholder title is replaced by a prefix of the first user message.
func (s *SQLiteStore) AddMessage(ctx context.Context, chatID, role, content string, images []Image) (*Message, error) {
	now := time.Now().UTC()
	msg := &Message{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		CreatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, chatID, role, content, now,
	); err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	for _, img := range images {
		imgID := img.ID
		if imgID == "" {
			imgID = uuid.New().String()
		}
		mimeType := img.MimeType
		if mimeType == "" {
			mimeType = "image/png"
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO message_images (id, message_id, base64, mime_type) VALUES (?, ?, ?, ?)`,
			imgID, msg.ID, img.Base64, mimeType,
		); err != nil {
			return nil, fmt.Errorf("inserting message image: %w", err)
		}
		msg.Images = append(msg.Images, Image{ID: imgID, Base64: img.Base64, MimeType: mimeType})
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE chats SET updated_at = ? WHERE id = ?`, now, chatID,
	); err != nil {
		return nil, fmt.Errorf("updating chat timestamp: %w", err)
	}

	if role == RoleUser && content != "" {
		if err := autoTitle(ctx, tx, chatID, content); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}
	return msg, nil
}

// autoTitle replaces the placeholder title with the first user message.
func autoTitle(ctx context.Context, tx *sql.Tx, chatID, content string) error {
	var title string
	err := tx.QueryRowContext(ctx, `SELECT title FROM chats WHERE id = ?`, chatID).Scan(&title)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("querying chat title: %w", err)
	}
	if title != defaultTitle {
		return nil
	}

	// Truncate on rune boundaries; content is frequently non-ASCII.
	newTitle := content
	if runes := []rune(newTitle); len(runes) > 50 {
		newTitle = string(runes[:50]) + "..."
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chats SET title = ? WHERE id = ?`, newTitle, chatID); err != nil {
		return fmt.Errorf("updating auto title: %w", err)
	}
	return nil
}

// GetMessages returns all messages in a chat, oldest first, with images.
func (s *SQLiteStore) GetMessages(ctx context.Context, chatID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, role, content, created_at FROM messages WHERE chat_id = ? ORDER BY created_at ASC, id ASC`,
		chatID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, msg := range messages {
		images, err := s.messageImages(ctx, msg.ID)
		if err != nil {
			return nil, err
		}
		msg.Images = images
	}
	return messages, nil
}

func (s *SQLiteStore) messageImages(ctx context.Context, messageID string) ([]Image, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, base64, mime_type FROM message_images WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying message images: %w", err)
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		var img Image
		if err := rows.Scan(&img.ID, &img.Base64, &img.MimeType); err != nil {
			return nil, fmt.Errorf("scanning message image: %w", err)
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// ClearMessages deletes all messages (and their images) in a chat, keeping
// the chat itself. Returns the number of deleted messages.
func (s *SQLiteStore) ClearMessages(ctx context.Context, chatID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM message_images WHERE message_id IN (SELECT id FROM messages WHERE chat_id = ?)`, chatID); err != nil {
		return 0, fmt.Errorf("deleting message images: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, chatID)
	if err != nil {
		return 0, fmt.Errorf("deleting messages: %w", err)
	}
	deleted, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx,
		`UPDATE chats SET updated_at = ? WHERE id = ?`, time.Now().UTC(), chatID); err != nil {
		return 0, fmt.Errorf("updating chat timestamp: %w", err)
	}
	return int(deleted), tx.Commit()
}

// AddToolUse records a tool invocation.
func (s *SQLiteStore) AddToolUse(ctx context.Context, chatID, toolID, name string, input json.RawMessage) error {
	inputJSON := string(input)
	if inputJSON == "" {
		inputJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_uses (id, chat_id, tool_name, tool_input, created_at) VALUES (?, ?, ?, ?, ?)`,
		toolID, chatID, name, inputJSON, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting tool use: %w", err)
	}
	return nil
}

// UpdateToolResult attaches a result to a previously recorded tool use.
func (s *SQLiteStore) UpdateToolResult(ctx context.Context, toolID, content string, isError bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_uses SET result_content = ?, is_error = ? WHERE id = ?`,
		content, boolToInt(isError), toolID,
	)
	if err != nil {
		return fmt.Errorf("updating tool result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetToolUses returns all tool uses in a chat, oldest first.
func (s *SQLiteStore) GetToolUses(ctx context.Context, chatID string) ([]*ToolUse, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, tool_name, tool_input, result_content, is_error, created_at
		 FROM tool_uses WHERE chat_id = ? ORDER BY created_at ASC, id ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("querying tool uses: %w", err)
	}
	defer rows.Close()

	var uses []*ToolUse
	for rows.Next() {
		use := &ToolUse{}
		var input string
		var result sql.NullString
		var isError int
		if err := rows.Scan(&use.ID, &use.ChatID, &use.Name, &input, &result, &isError, &use.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning tool use: %w", err)
		}
		use.Input = json.RawMessage(input)
		if result.Valid {
			use.ResultContent = result.String
			use.HasResult = true
		}
		use.IsError = isError != 0
		uses = append(uses, use)
	}
	return uses, rows.Err()
}

// ClearToolUses deletes all tool uses in a chat. Returns the deleted count.
func (s *SQLiteStore) ClearToolUses(ctx context.Context, chatID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tool_uses WHERE chat_id = ?`, chatID)
	if err != nil {
		return 0, fmt.Errorf("deleting tool uses: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return int(deleted), nil
}

// SearchChats finds messages containing the query, most recent chats first.
// Each match carries a snippet of surrounding context.
func (s *SQLiteStore) SearchChats(ctx context.Context, query string, limit int) ([]*SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(query) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.chat_id, m.content
		 FROM messages m JOIN chats c ON m.chat_id = c.id
		 WHERE m.content LIKE ? ESCAPE '\'
		 ORDER BY c.updated_at DESC, m.created_at ASC
		 LIMIT ?`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	defer rows.Close()

	var results []*SearchResult
	for rows.Next() {
		var msgID, chatID, content string
		if err := rows.Scan(&msgID, &chatID, &content); err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		results = append(results, &SearchResult{
			ChatID:    chatID,
			MessageID: msgID,
			Snippet:   snippet(content, query),
		})
	}
	return results, rows.Err()
}

// escapeLike escapes LIKE metacharacters in user-provided search terms.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet extracts the match with up to 30 characters of context either side.
// All offsets are in runes so multibyte content is never split mid-character.
func snippet(content, query string) string {
	runes := []rune(content)
	idx := strings.Index(strings.ToLower(content), strings.ToLower(query))
	if idx < 0 {
		if len(runes) > 60 {
			return string(runes[:60]) + "..."
		}
		return content
	}

	matchStart := utf8.RuneCountInString(content[:idx])
	matchLen := utf8.RuneCountInString(query)

	start := matchStart - 30
	if start < 0 {
		start = 0
	}
	end := matchStart + matchLen + 30
	if end > len(runes) {
		end = len(runes)
	}

	out := string(runes[start:end])
	if start > 0 {
		out = "..." + out
	}
	if end < len(runes) {
		out = out + "..."
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
