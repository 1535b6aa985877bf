// ABOUTME: HTTP API handlers for chat management and session control.
// ABOUTME: Provides CRUD, search, history and session endpoints under /api.

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/chatagent/relay/internal/session"
	"github.com/chatagent/relay/internal/store"
)

// ChatResponse is the JSON representation of one chat.
type ChatResponse struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	HasSession  bool   `json:"has_session"`
	ResumeToken string `json:"resume_token,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// MessageResponse is the JSON representation of one stored message.
type MessageResponse struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Images    []ImageResponse `json:"images,omitempty"`
	CreatedAt string          `json:"created_at"`
}

// ImageResponse is one inline image attached to a message.
type ImageResponse struct {
	Base64   string `json:"base64"`
	MimeType string `json:"mime_type"`
}

// ToolUseResponse is the JSON representation of one tool invocation.
type ToolUseResponse struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Input         json.RawMessage `json:"input"`
	ResultContent string          `json:"result_content,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
	HasResult     bool            `json:"has_result"`
	CreatedAt     string          `json:"created_at"`
}

// SearchResultResponse is one search match.
type SearchResultResponse struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Snippet   string `json:"snippet"`
}

// SessionStateResponse is the JSON response for GET /api/chats/{id}/session.
type SessionStateResponse struct {
	Active       bool   `json:"active"`
	IsProcessing bool   `json:"is_processing"`
	ResumeToken  string `json:"resume_token,omitempty"`
}

// CreateChatRequest is the JSON request body for POST /api/chats.
type CreateChatRequest struct {
	Title string `json:"title"`
}

// UpdateChatRequest is the JSON request body for PATCH /api/chats/{id}.
type UpdateChatRequest struct {
	Title string `json:"title"`
}

// ResumeRequest is the JSON request body for POST /api/chats/{id}/session/resume.
type ResumeRequest struct {
	SessionID string `json:"session_id"`
	Fork      bool   `json:"fork"`
}

// ResetResponse is the JSON response for POST /api/chats/{id}/session/reset.
type ResetResponse struct {
	OldSessionID string `json:"old_session_id,omitempty"`
}

// Handler serves the REST API.
type Handler struct {
	st       store.Store
	registry *session.Registry
	logger   *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(st store.Store, registry *session.Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		st:       st,
		registry: registry,
		logger:   logger.With("component", "api"),
	}
}

// Register mounts the API routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/chats", h.handleListChats)
	mux.HandleFunc("POST /api/chats", h.handleCreateChat)
	mux.HandleFunc("GET /api/chats/search", h.handleSearchChats)
	mux.HandleFunc("GET /api/chats/{id}", h.handleGetChat)
	mux.HandleFunc("PATCH /api/chats/{id}", h.handleUpdateChat)
	mux.HandleFunc("DELETE /api/chats/{id}", h.handleDeleteChat)
	mux.HandleFunc("GET /api/chats/{id}/messages", h.handleGetMessages)
	mux.HandleFunc("GET /api/chats/{id}/tools", h.handleGetToolUses)
	mux.HandleFunc("GET /api/chats/{id}/session", h.handleGetSession)
	mux.HandleFunc("POST /api/chats/{id}/session/reset", h.handleResetSession)
	mux.HandleFunc("POST /api/chats/{id}/session/resume", h.handleResumeSession)
}

func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.st.ListChats(r.Context())
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]ChatResponse, 0, len(chats))
	for _, c := range chats {
		out = append(out, h.chatResponse(c))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}

	chat, err := h.st.CreateChat(r.Context(), req.Title)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, h.chatResponse(chat))
}

func (h *Handler) handleSearchChats(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		h.sendError(w, http.StatusBadRequest, errors.New("q parameter is required"))
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.sendError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}

	results, err := h.st.SearchChats(r.Context(), query, limit)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]SearchResultResponse, 0, len(results))
	for _, res := range results {
		out = append(out, SearchResultResponse{
			ChatID:    res.ChatID,
			MessageID: res.MessageID,
			Snippet:   res.Snippet,
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetChat(w http.ResponseWriter, r *http.Request) {
	chat, err := h.st.GetChat(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sendStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.chatResponse(chat))
}

func (h *Handler) handleUpdateChat(w http.ResponseWriter, r *http.Request) {
	var req UpdateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	if req.Title == "" {
		h.sendError(w, http.StatusBadRequest, errors.New("title is required"))
		return
	}

	chat, err := h.st.UpdateChatTitle(r.Context(), r.PathValue("id"), req.Title)
	if err != nil {
		h.sendStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.chatResponse(chat))
}

func (h *Handler) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")

	// Tear down the live session first so no query keeps writing.
	h.registry.Remove(chatID)

	if err := h.st.DeleteChat(r.Context(), chatID); err != nil {
		h.sendStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	if _, err := h.st.GetChat(r.Context(), chatID); err != nil {
		h.sendStoreError(w, err)
		return
	}

	msgs, err := h.st.GetMessages(r.Context(), chatID)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		mr := MessageResponse{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
		}
		for _, img := range m.Images {
			mr.Images = append(mr.Images, ImageResponse{Base64: img.Base64, MimeType: img.MimeType})
		}
		out = append(out, mr)
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetToolUses(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	if _, err := h.st.GetChat(r.Context(), chatID); err != nil {
		h.sendStoreError(w, err)
		return
	}

	uses, err := h.st.GetToolUses(r.Context(), chatID)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]ToolUseResponse, 0, len(uses))
	for _, u := range uses {
		out = append(out, ToolUseResponse{
			ID:            u.ID,
			Name:          u.Name,
			Input:         u.Input,
			ResultContent: u.ResultContent,
			IsError:       u.IsError,
			HasResult:     u.HasResult,
			CreatedAt:     u.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	chat, err := h.st.GetChat(r.Context(), chatID)
	if err != nil {
		h.sendStoreError(w, err)
		return
	}

	resp := SessionStateResponse{ResumeToken: chat.ResumeToken}
	if sess, ok := h.registry.Get(chatID); ok {
		resp.Active = true
		resp.IsProcessing = sess.Processing()
		resp.ResumeToken = sess.ResumeToken()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleResetSession(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	sess, err := h.registry.GetOrCreate(r.Context(), chatID)
	if err != nil {
		h.sendStoreError(w, err)
		return
	}

	old, err := sess.Reset(r.Context())
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ResetResponse{OldSessionID: old})
}

func (h *Handler) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	var req ResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	if req.SessionID == "" {
		h.sendError(w, http.StatusBadRequest, errors.New("session_id is required"))
		return
	}

	sess, err := h.registry.Resume(r.Context(), r.PathValue("id"), req.SessionID, req.Fork)
	if err != nil {
		h.sendStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, SessionStateResponse{
		Active:       true,
		IsProcessing: sess.Processing(),
		ResumeToken:  sess.ResumeToken(),
	})
}

func (h *Handler) chatResponse(c *store.Chat) ChatResponse {
	_, active := h.registry.Get(c.ID)
	return ChatResponse{
		ID:          c.ID,
		Title:       c.Title,
		HasSession:  active,
		ResumeToken: c.ResumeToken,
		CreatedAt:   c.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   c.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encoding response failed", "error", err)
	}
}

func (h *Handler) sendStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		h.sendError(w, http.StatusNotFound, errors.New("chat not found"))
		return
	}
	h.sendError(w, http.StatusInternalServerError, err)
}

// sendError writes a JSON error response.
func (h *Handler) sendError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "status", status, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
