// ABOUTME: Session ties one chat's controller, dispatcher and multiplexer together.
// ABOUTME: Owns the processing flag, cancellation semantics and deferred rebuilds.

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/chatagent/relay/internal/engine"
	"github.com/chatagent/relay/internal/store"
)

// Session is the live state of one chat. It persists user input, drives the
// controller and relays engine events to subscribers through the dispatcher.
type Session struct {
	ChatID string

	ctrl   *Controller
	disp   *Dispatcher
	mux    *Multiplexer
	st     store.Store
	logger *slog.Logger

	processing     atomic.Bool
	rebuildPending atomic.Bool

	listenOnce sync.Once
	closeOnce  sync.Once
}

// NewSession creates a session for the chat. optsFn supplies the engine
// options for every connection attempt.
func NewSession(chatID string, st store.Store, eng engine.Engine, optsFn func() engine.Options, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		ChatID: chatID,
		st:     st,
		logger: logger.With("component", "session", "chat_id", chatID),
	}
	s.ctrl = NewController(chatID, eng, optsFn, logger)
	s.mux = NewMultiplexer(s.Processing, logger)
	s.disp = NewDispatcher(chatID, st, s.mux, s.handleResult, logger)
	return s
}

// SetResume seeds the engine resume token for the next connection.
func (s *Session) SetResume(token string, fork bool) {
	s.ctrl.SetResume(token, fork)
}

// ResumeToken returns the current engine session token.
func (s *Session) ResumeToken() string {
	return s.ctrl.ResumeToken()
}

// Processing reports whether a query is in flight.
func (s *Session) Processing() bool {
	return s.processing.Load()
}

// StreamingText returns the partial text of the current stream, if any.
func (s *Session) StreamingText() string {
	return s.disp.StreamingText()
}

// Subscribe attaches a subscriber and replays frames buffered while the chat
// had no listeners.
func (s *Session) Subscribe(sub Subscriber) {
	s.mux.Subscribe(sub)
}

// Unsubscribe detaches a subscriber.
func (s *Session) Unsubscribe(sub Subscriber) {
	s.mux.Unsubscribe(sub)
}

// Send persists the user message and submits a query for it. A query already
// in flight is interrupted and superseded.
func (s *Session) Send(ctx context.Context, text string, images []store.Image) error {
	msg, err := s.st.AddMessage(ctx, s.ChatID, store.RoleUser, text, images)
	if err != nil {
		return fmt.Errorf("persisting user message: %w", err)
	}

	s.processing.Store(true)
	s.disp.ResetStream()
	s.mux.Broadcast(&Frame{Type: FrameUserMessage, ChatID: s.ChatID, Content: msg.Content})

	prompt := engine.Prompt{Text: text}
	for _, img := range images {
		prompt.Images = append(prompt.Images, engine.Image{Base64: img.Base64, MediaType: img.MimeType})
	}

	if _, err := s.ctrl.Submit(ctx, prompt); err != nil {
		s.processing.Store(false)
		return fmt.Errorf("submitting query: %w", err)
	}

	s.listenOnce.Do(func() { go s.listen() })
	return nil
}

// Cancel interrupts the in-flight query. It returns false when the session is
// idle. The cancelled frame is suppressed if a new query started while the
// cancel was draining.
func (s *Session) Cancel(ctx context.Context) bool {
	before := s.ctrl.ActiveQueryID()
	if !s.ctrl.Cancel(ctx) {
		return false
	}

	s.disp.ResetStream()
	if s.ctrl.ActiveQueryID() == before {
		s.processing.Store(false)
		s.mux.Broadcast(&Frame{Type: FrameCancelled, ChatID: s.ChatID})
	}
	return true
}

// Reset clears the conversation: the in-flight query is drained, the engine
// connection torn down, and stored messages and tool uses removed. The
// discarded resume token is surfaced in the history_cleared frame.
func (s *Session) Reset(ctx context.Context) (string, error) {
	old := s.ctrl.Reset(ctx)
	s.disp.ResetStream()
	s.mux.Reset()
	s.processing.Store(false)

	if _, err := s.st.ClearMessages(ctx, s.ChatID); err != nil {
		return old, fmt.Errorf("clearing messages: %w", err)
	}
	if _, err := s.st.ClearToolUses(ctx, s.ChatID); err != nil {
		return old, fmt.Errorf("clearing tool uses: %w", err)
	}
	if err := s.st.UpdateResumeToken(ctx, s.ChatID, ""); err != nil {
		s.logger.Warn("clearing stored resume token failed", "error", err)
	}

	s.mux.Broadcast(&Frame{Type: FrameHistoryCleared, ChatID: s.ChatID, OldSessionID: old})
	s.logger.Info("conversation reset", "old_session", old)
	return old, nil
}

// MaybeRebuild tears down the engine connection so the next query picks up
// changed tool configuration. While a query is processing the rebuild is
// deferred to the query's terminal event.
func (s *Session) MaybeRebuild() {
	if s.processing.Load() {
		s.rebuildPending.Store(true)
		s.logger.Info("rebuild deferred until query completes")
		return
	}
	s.ctrl.Rebuild(context.Background())
	s.logger.Info("engine connection rebuilt")
}

// Close shuts the session down, force-cancelling any in-flight query.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.ctrl.Close()
	})
}

// handleResult runs on every terminal query event.
func (s *Session) handleResult() {
	s.processing.Store(false)
	if s.rebuildPending.CompareAndSwap(true, false) {
		s.ctrl.Rebuild(context.Background())
		s.logger.Info("deferred engine rebuild applied")
	}
}

// listen pumps controller events into the dispatcher until Close.
func (s *Session) listen() {
	for {
		select {
		case <-s.ctrl.Done():
			return
		case ev := <-s.ctrl.Events():
			s.disp.HandleEvent(context.Background(), ev)
		}
	}
}
