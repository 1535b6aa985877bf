// ABOUTME: Tests for the REST API handlers.
// ABOUTME: Covers chat CRUD, search, session state, reset and resume.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatagent/relay/internal/engine"
	"github.com/chatagent/relay/internal/session"
	"github.com/chatagent/relay/internal/store"
)

// stubEngine satisfies engine.Engine for handlers that never run a query.
type stubEngine struct{}

func (stubEngine) Connect(_ context.Context, _ engine.Options) (engine.Conn, error) {
	return nil, errors.New("engine unavailable")
}

type apiFixture struct {
	st       *store.SQLiteStore
	registry *session.Registry
	mux      *http.ServeMux
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	st, err := store.NewSQLiteStore(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := session.NewRegistry(st, stubEngine{}, nil, session.EngineSettings{}, nil)
	t.Cleanup(registry.CloseAll)

	mux := http.NewServeMux()
	NewHandler(st, registry, nil).Register(mux)
	return &apiFixture{st: st, registry: registry, mux: mux}
}

func (fx *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	fx.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestCreateAndGetChat(t *testing.T) {
	fx := newAPIFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/chats", CreateChatRequest{Title: "My Chat"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[ChatResponse](t, rec)
	assert.Equal(t, "My Chat", created.Title)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.HasSession)

	rec = fx.do(t, http.MethodGet, "/api/chats/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[ChatResponse](t, rec)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "My Chat", got.Title)
}

func TestGetChatNotFound(t *testing.T) {
	fx := newAPIFixture(t)
	rec := fx.do(t, http.MethodGet, "/api/chats/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListChats(t *testing.T) {
	fx := newAPIFixture(t)
	ctx := context.Background()

	_, err := fx.st.CreateChat(ctx, "first")
	require.NoError(t, err)
	_, err = fx.st.CreateChat(ctx, "second")
	require.NoError(t, err)

	rec := fx.do(t, http.MethodGet, "/api/chats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	chats := decodeBody[[]ChatResponse](t, rec)
	assert.Len(t, chats, 2)
}

func TestUpdateChatTitle(t *testing.T) {
	fx := newAPIFixture(t)
	chat, err := fx.st.CreateChat(context.Background(), "old")
	require.NoError(t, err)

	rec := fx.do(t, http.MethodPatch, "/api/chats/"+chat.ID, UpdateChatRequest{Title: "new"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "new", decodeBody[ChatResponse](t, rec).Title)

	rec = fx.do(t, http.MethodPatch, "/api/chats/"+chat.ID, UpdateChatRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteChat(t *testing.T) {
	fx := newAPIFixture(t)
	chat, err := fx.st.CreateChat(context.Background(), "doomed")
	require.NoError(t, err)

	rec := fx.do(t, http.MethodDelete, "/api/chats/"+chat.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = fx.do(t, http.MethodGet, "/api/chats/"+chat.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearchChats(t *testing.T) {
	fx := newAPIFixture(t)
	ctx := context.Background()

	chat, err := fx.st.CreateChat(ctx, "chat")
	require.NoError(t, err)
	_, err = fx.st.AddMessage(ctx, chat.ID, store.RoleUser, "the needle is in here", nil)
	require.NoError(t, err)

	rec := fx.do(t, http.MethodGet, "/api/chats/search?q=needle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	results := decodeBody[[]SearchResultResponse](t, rec)
	require.Len(t, results, 1)
	assert.Equal(t, chat.ID, results[0].ChatID)
	assert.Contains(t, results[0].Snippet, "needle")

	rec = fx.do(t, http.MethodGet, "/api/chats/search", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(t, http.MethodGet, "/api/chats/search?q=x&limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMessages(t *testing.T) {
	fx := newAPIFixture(t)
	ctx := context.Background()

	chat, err := fx.st.CreateChat(ctx, "chat")
	require.NoError(t, err)
	_, err = fx.st.AddMessage(ctx, chat.ID, store.RoleUser, "hello", nil)
	require.NoError(t, err)
	_, err = fx.st.AddMessage(ctx, chat.ID, store.RoleAssistant, "hi there", nil)
	require.NoError(t, err)

	rec := fx.do(t, http.MethodGet, "/api/chats/"+chat.ID+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decodeBody[[]MessageResponse](t, rec)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi there", msgs[1].Content)

	rec = fx.do(t, http.MethodGet, "/api/chats/nope/messages", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionStateWithoutSession(t *testing.T) {
	fx := newAPIFixture(t)
	ctx := context.Background()

	chat, err := fx.st.CreateChat(ctx, "chat")
	require.NoError(t, err)
	require.NoError(t, fx.st.UpdateResumeToken(ctx, chat.ID, "stored-tok"))

	rec := fx.do(t, http.MethodGet, "/api/chats/"+chat.ID+"/session", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state := decodeBody[SessionStateResponse](t, rec)
	assert.False(t, state.Active)
	assert.False(t, state.IsProcessing)
	assert.Equal(t, "stored-tok", state.ResumeToken)
}

func TestResumeSession(t *testing.T) {
	fx := newAPIFixture(t)
	chat, err := fx.st.CreateChat(context.Background(), "chat")
	require.NoError(t, err)

	rec := fx.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/session/resume",
		ResumeRequest{SessionID: "sess-42", Fork: true})
	require.Equal(t, http.StatusOK, rec.Code)
	state := decodeBody[SessionStateResponse](t, rec)
	assert.True(t, state.Active)
	assert.Equal(t, "sess-42", state.ResumeToken)

	got, err := fx.st.GetChat(context.Background(), chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "sess-42", got.ResumeToken)

	rec = fx.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/session/resume", ResumeRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(t, http.MethodPost, "/api/chats/nope/session/resume",
		ResumeRequest{SessionID: "sess-42"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResetSession(t *testing.T) {
	fx := newAPIFixture(t)
	ctx := context.Background()

	chat, err := fx.st.CreateChat(ctx, "chat")
	require.NoError(t, err)
	require.NoError(t, fx.st.UpdateResumeToken(ctx, chat.ID, "old-tok"))
	_, err = fx.st.AddMessage(ctx, chat.ID, store.RoleUser, "wipe me", nil)
	require.NoError(t, err)

	rec := fx.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/session/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "old-tok", decodeBody[ResetResponse](t, rec).OldSessionID)

	msgs, err := fx.st.GetMessages(ctx, chat.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
