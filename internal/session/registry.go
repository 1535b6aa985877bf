// ABOUTME: Registry maps chat ids to live sessions and applies tool config changes.
// ABOUTME: Creates sessions lazily, seeding resume tokens from the store.

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatagent/relay/internal/engine"
	"github.com/chatagent/relay/internal/mcp"
	"github.com/chatagent/relay/internal/metrics"
	"github.com/chatagent/relay/internal/store"
)

// EngineSettings are the static engine options from the relay configuration.
// Tool servers and their allowed tools come from the tool config manager and
// are merged in per connection.
type EngineSettings struct {
	SystemPrompt   string
	MaxTurns       int
	PermissionMode string
	AllowedTools   []string

	// DrainTimeout overrides how long a superseding operation waits for an
	// interrupted query to drain. Zero keeps the default.
	DrainTimeout time.Duration
}

// Registry owns all live sessions. It implements mcp.Observer so tool
// configuration changes propagate to every session.
type Registry struct {
	st       store.Store
	eng      engine.Engine
	tools    *mcp.Manager
	settings EngineSettings
	logger   *slog.Logger

	mu            sync.Mutex
	sessions      map[string]*Session
	lastSignature string
}

// NewRegistry creates a registry. tools may be nil when no tool servers are
// configured.
func NewRegistry(st store.Store, eng engine.Engine, tools *mcp.Manager, settings EngineSettings, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		st:       st,
		eng:      eng,
		tools:    tools,
		settings: settings,
		logger:   logger.With("component", "registry"),
		sessions: make(map[string]*Session),
	}
	if tools != nil {
		r.lastSignature = tools.Current().Signature()
		tools.Register(r)
	}
	return r
}

func (r *Registry) newSession(chatID string) *Session {
	s := NewSession(chatID, r.st, r.eng, r.engineOptions, r.logger)
	if r.settings.DrainTimeout > 0 {
		s.ctrl.drainTimeout = r.settings.DrainTimeout
	}
	return s
}

// engineOptions merges the static settings with the current tool config.
func (r *Registry) engineOptions() engine.Options {
	opts := engine.Options{
		SystemPrompt:   r.settings.SystemPrompt,
		MaxTurns:       r.settings.MaxTurns,
		PermissionMode: r.settings.PermissionMode,
		AllowedTools:   append([]string{}, r.settings.AllowedTools...),
	}
	if r.tools != nil {
		cfg := r.tools.Current()
		opts.AllowedTools = append(opts.AllowedTools, cfg.AllowedTools()...)
		opts.ToolServers = cfg.ToolServers()
	}
	return opts
}

// GetOrCreate returns the chat's session, creating one if needed. A new
// session picks up the chat's stored resume token so the conversational
// context continues across restarts.
func (r *Registry) GetOrCreate(ctx context.Context, chatID string) (*Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[chatID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	chat, err := r.st.GetChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("loading chat: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[chatID]; ok {
		return s, nil
	}

	s := r.newSession(chatID)
	if chat.ResumeToken != "" {
		s.SetResume(chat.ResumeToken, false)
	}
	r.sessions[chatID] = s
	metrics.ActiveSessions.Inc()
	r.logger.Info("session created", "chat_id", chatID, "resume", chat.ResumeToken != "")
	return s, nil
}

// Get returns the live session for the chat, if any.
func (r *Registry) Get(chatID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[chatID]
	return s, ok
}

// Resume replaces the chat's session with one bound to the given engine
// session token. With fork set, the engine branches a new context off the
// token instead of continuing it.
func (r *Registry) Resume(ctx context.Context, chatID, token string, fork bool) (*Session, error) {
	if _, err := r.st.GetChat(ctx, chatID); err != nil {
		return nil, fmt.Errorf("loading chat: %w", err)
	}
	if err := r.st.UpdateResumeToken(ctx, chatID, token); err != nil {
		return nil, fmt.Errorf("storing resume token: %w", err)
	}

	r.mu.Lock()
	old := r.sessions[chatID]
	s := r.newSession(chatID)
	s.SetResume(token, fork)
	r.sessions[chatID] = s
	if old == nil {
		metrics.ActiveSessions.Inc()
	}
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}
	r.logger.Info("session resumed", "chat_id", chatID, "fork", fork)
	return s, nil
}

// Remove closes and drops the chat's session, if any.
func (r *Registry) Remove(chatID string) {
	r.mu.Lock()
	s, ok := r.sessions[chatID]
	if ok {
		delete(r.sessions, chatID)
		metrics.ActiveSessions.Dec()
	}
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}

// CloseAll shuts down every session. Called at relay shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	metrics.ActiveSessions.Set(0)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// ToolConfigChanged implements mcp.Observer. A structural change rebuilds the
// engine connection of every session; a change that only touches allowed
// tools takes effect on the next connection without a rebuild.
func (r *Registry) ToolConfigChanged(cfg *mcp.Config) {
	sig := cfg.Signature()

	r.mu.Lock()
	changed := sig != r.lastSignature
	r.lastSignature = sig
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	if !changed {
		r.logger.Info("tool permissions updated, no rebuild needed")
		return
	}

	r.logger.Info("tool configuration changed, rebuilding sessions", "sessions", len(sessions))
	for _, s := range sessions {
		s.MaybeRebuild()
	}
}
