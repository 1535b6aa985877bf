// ABOUTME: Multiplexer fans frames out to a chat's subscribers.
// ABOUTME: Buffers durable frames while the chat processes with nobody attached.

package session

import (
	"log/slog"
	"sync"

	"github.com/chatagent/relay/internal/metrics"
)

// Subscriber receives frames for one chat. SendFrame returning an error marks
// the subscriber dead; it is evicted and receives nothing further.
type Subscriber interface {
	SendFrame(f *Frame) error
}

// Multiplexer delivers frames to all current subscribers of a chat. While a
// query is processing and no subscriber is attached, durable frames are held
// back and replayed in order to the next subscriber, so a client that
// disconnects mid-query can catch up. Ephemeral frames are dropped instead.
type Multiplexer struct {
	logger *slog.Logger

	// processing reports whether a query is currently in flight. Frames are
	// only buffered during processing; outside of it history replay covers
	// reconnecting clients.
	processing func() bool

	mu      sync.Mutex
	subs    map[Subscriber]struct{}
	pending []*Frame
}

// NewMultiplexer creates a multiplexer. processing must be safe to call from
// any goroutine.
func NewMultiplexer(processing func() bool, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		logger:     logger.With("component", "multiplexer"),
		processing: processing,
		subs:       make(map[Subscriber]struct{}),
	}
}

// Subscribe attaches a subscriber and replays any buffered frames to it, in
// order. The replay runs off the lock so a slow subscriber never stalls
// broadcasts to the rest of the chat.
func (m *Multiplexer) Subscribe(sub Subscriber) {
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	metrics.ActiveSubscribers.Inc()
	pending := m.pending
	m.pending = nil
	metrics.FramesBuffered.Set(0)
	m.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	go m.replay(sub, pending)
}

// replay delivers buffered frames to a freshly attached subscriber. On failure
// the subscriber is evicted and the undelivered remainder is put back at the
// front of the buffer for the next subscriber.
func (m *Multiplexer) replay(sub Subscriber, pending []*Frame) {
	for i, f := range pending {
		if err := sub.SendFrame(f); err != nil {
			m.logger.Warn("subscriber failed during replay, evicting", "error", err)
			m.mu.Lock()
			if _, ok := m.subs[sub]; ok {
				delete(m.subs, sub)
				metrics.ActiveSubscribers.Dec()
			}
			m.pending = append(append([]*Frame{}, pending[i:]...), m.pending...)
			metrics.FramesBuffered.Set(float64(len(m.pending)))
			m.mu.Unlock()
			return
		}
	}
}

// Unsubscribe detaches a subscriber. Safe to call for an already-evicted one.
func (m *Multiplexer) Unsubscribe(sub Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub]; ok {
		delete(m.subs, sub)
		metrics.ActiveSubscribers.Dec()
	}
}

// HasSubscribers reports whether any subscriber is attached.
func (m *Multiplexer) HasSubscribers() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs) > 0
}

// PendingCount returns the number of buffered frames.
func (m *Multiplexer) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Broadcast delivers a frame to every subscriber, evicting any whose send
// fails. With no subscribers attached the frame is buffered if a query is
// processing and the frame is durable, otherwise dropped.
func (m *Multiplexer) Broadcast(f *Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.subs) == 0 {
		if f.ephemeral() || !m.processing() {
			return
		}
		m.pending = append(m.pending, f)
		metrics.FramesBuffered.Set(float64(len(m.pending)))
		return
	}

	metrics.FramesSent.WithLabelValues(f.Type).Inc()
	for sub := range m.subs {
		if err := sub.SendFrame(f); err != nil {
			m.logger.Warn("subscriber send failed, evicting", "type", f.Type, "error", err)
			delete(m.subs, sub)
			metrics.ActiveSubscribers.Dec()
		}
	}
}

// Reset discards buffered frames. Used when the conversation is cleared.
func (m *Multiplexer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
	metrics.FramesBuffered.Set(0)
}
