// ABOUTME: WebSocket endpoint for interactive chat clients.
// ABOUTME: Handles subscribe/chat/stop/clear_history messages and frame delivery.

package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatagent/relay/internal/session"
	"github.com/chatagent/relay/internal/store"
)

const writeTimeout = 10 * time.Second

// clientMessage is one JSON message from a WebSocket client.
type clientMessage struct {
	Type    string         `json:"type"`
	ChatID  string         `json:"chat_id"`
	Content string         `json:"content"`
	Images  []imagePayload `json:"images"`
}

type imagePayload struct {
	Base64   string `json:"base64"`
	MimeType string `json:"mime_type"`
}

// Handler serves the chat WebSocket endpoint.
type Handler struct {
	registry *session.Registry
	st       store.Store
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a WebSocket handler.
func NewHandler(registry *session.Registry, st store.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry: registry,
		st:       st,
		logger:   logger.With("component", "websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are local UIs; origin enforcement happens upstream.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Register mounts the WebSocket endpoint on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/chat", h.handleWS)
}

// wsSubscriber adapts one WebSocket connection to the Subscriber interface.
// gorilla/websocket allows a single concurrent writer, so writes serialize
// on a mutex.
type wsSubscriber struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSubscriber) SendFrame(f *session.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(f)
}

func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := &wsSubscriber{conn: conn}
	var current *session.Session
	defer func() {
		if current != nil {
			current.Unsubscribe(sub)
		}
	}()

	h.logger.Info("client connected", "remote", conn.RemoteAddr().String())

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("client read failed", "error", err)
			}
			return
		}

		switch msg.Type {
		case "subscribe":
			next, err := h.subscribe(r.Context(), sub, current, msg.ChatID)
			if err != nil {
				h.sendError(sub, msg.ChatID, err)
				continue
			}
			current = next

		case "chat":
			if current == nil || current.ChatID != msg.ChatID {
				h.sendError(sub, msg.ChatID, errors.New("not subscribed to chat"))
				continue
			}
			images := make([]store.Image, 0, len(msg.Images))
			for _, img := range msg.Images {
				images = append(images, store.Image{Base64: img.Base64, MimeType: img.MimeType})
			}
			if err := current.Send(r.Context(), msg.Content, images); err != nil {
				h.sendError(sub, msg.ChatID, err)
			}

		case "stop":
			if current == nil || current.ChatID != msg.ChatID {
				continue
			}
			if !current.Cancel(r.Context()) {
				h.logger.Debug("stop with no active query", "chat_id", msg.ChatID)
			}

		case "clear_history":
			if current == nil || current.ChatID != msg.ChatID {
				h.sendError(sub, msg.ChatID, errors.New("not subscribed to chat"))
				continue
			}
			if _, err := current.Reset(r.Context()); err != nil {
				h.sendError(sub, msg.ChatID, err)
			}

		default:
			h.sendError(sub, msg.ChatID, errors.New("unknown message type: "+msg.Type))
		}
	}
}

// subscribe switches the connection to a chat: it sends the connected frame,
// the current processing state, stored history and tool history, then attaches
// the subscriber so buffered frames replay.
func (h *Handler) subscribe(ctx context.Context, sub *wsSubscriber, prev *session.Session, chatID string) (*session.Session, error) {
	sess, err := h.registry.GetOrCreate(ctx, chatID)
	if err != nil {
		return nil, err
	}

	if prev != nil && prev != sess {
		prev.Unsubscribe(sub)
	}

	if err := sub.SendFrame(&session.Frame{Type: session.FrameConnected, ChatID: chatID}); err != nil {
		return nil, err
	}

	if sess.Processing() {
		f := &session.Frame{
			Type:           session.FrameProcessing,
			ChatID:         chatID,
			IsProcessing:   boolPtr(true),
			StreamingState: sess.StreamingText(),
		}
		if err := sub.SendFrame(f); err != nil {
			return nil, err
		}
	}

	msgs, err := h.st.GetMessages(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := sub.SendFrame(&session.Frame{
		Type:     session.FrameHistory,
		ChatID:   chatID,
		Messages: historyMessages(msgs),
	}); err != nil {
		return nil, err
	}

	uses, err := h.st.GetToolUses(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := sub.SendFrame(&session.Frame{
		Type:     session.FrameToolHistory,
		ChatID:   chatID,
		ToolUses: historyToolUses(uses),
	}); err != nil {
		return nil, err
	}

	sess.Subscribe(sub)
	return sess, nil
}

func (h *Handler) sendError(sub *wsSubscriber, chatID string, err error) {
	h.logger.Warn("client request failed", "chat_id", chatID, "error", err)
	f := &session.Frame{Type: session.FrameError, ChatID: chatID, Error: err.Error()}
	if sendErr := sub.SendFrame(f); sendErr != nil {
		h.logger.Warn("sending error frame failed", "error", sendErr)
	}
}

func historyMessages(msgs []*store.Message) []session.HistoryMessage {
	out := make([]session.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		hm := session.HistoryMessage{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
		}
		for _, img := range m.Images {
			hm.Images = append(hm.Images, session.HistoryImage{Base64: img.Base64, MimeType: img.MimeType})
		}
		out = append(out, hm)
	}
	return out
}

func historyToolUses(uses []*store.ToolUse) []session.HistoryToolUse {
	out := make([]session.HistoryToolUse, 0, len(uses))
	for _, u := range uses {
		out = append(out, session.HistoryToolUse{
			ID:            u.ID,
			Name:          u.Name,
			Input:         u.Input,
			ResultContent: u.ResultContent,
			IsError:       u.IsError,
			HasResult:     u.HasResult,
			CreatedAt:     u.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

func boolPtr(b bool) *bool {
	return &b
}
