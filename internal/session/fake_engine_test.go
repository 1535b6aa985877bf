// ABOUTME: Scriptable fake engine and subscriber helpers for session tests.
// ABOUTME: Records connects, submits and interrupts; events are emitted by hand.

package session

import (
	"context"
	"sync"
	"time"

	"github.com/chatagent/relay/internal/engine"
)

const (
	testTimeout = time.Second
	testTick    = 5 * time.Millisecond
)

type fakeEngine struct {
	mu         sync.Mutex
	connectErr error
	connects   []engine.Options
	conns      []*fakeConn

	// autoFinishOnInterrupt makes new connections answer an interrupt with a
	// terminal result, mimicking the real engine's drain behavior.
	autoFinishOnInterrupt bool
	interruptToken        string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{autoFinishOnInterrupt: true}
}

func (e *fakeEngine) Connect(ctx context.Context, opts engine.Options) (engine.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connects = append(e.connects, opts)
	if e.connectErr != nil {
		return nil, e.connectErr
	}
	c := &fakeConn{
		events:                make(chan engine.Event, 64),
		autoFinishOnInterrupt: e.autoFinishOnInterrupt,
		interruptToken:        e.interruptToken,
	}
	e.conns = append(e.conns, c)
	return c, nil
}

func (e *fakeEngine) connectCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.connects)
}

func (e *fakeEngine) lastConnect() engine.Options {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connects[len(e.connects)-1]
}

func (e *fakeEngine) conn(i int) *fakeConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[i]
}

func (e *fakeEngine) connCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

type fakeConn struct {
	mu          sync.Mutex
	events      chan engine.Event
	submits     []engine.Prompt
	interrupts  int
	closed      bool
	submitErr   error
	closeEvents sync.Once

	autoFinishOnInterrupt bool
	interruptToken        string
}

func (c *fakeConn) Submit(ctx context.Context, prompt engine.Prompt) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return c.submitErr
	}
	c.submits = append(c.submits, prompt)
	return nil
}

func (c *fakeConn) Interrupt(ctx context.Context) error {
	c.mu.Lock()
	c.interrupts++
	auto := c.autoFinishOnInterrupt
	token := c.interruptToken
	c.mu.Unlock()
	if auto {
		c.emit(engine.Event{Kind: engine.KindResult, Result: &engine.ResultEvent{
			Success:      false,
			SessionToken: token,
			ErrorMessage: "interrupted",
		}})
	}
	return nil
}

func (c *fakeConn) Events() <-chan engine.Event {
	return c.events
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.closeEvents.Do(func() { close(c.events) })
	return nil
}

func (c *fakeConn) emit(ev engine.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) interruptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupts
}

func (c *fakeConn) submitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.submits)
}

// finish emits a successful terminal result.
func (c *fakeConn) finish(token string) {
	c.emit(engine.Event{Kind: engine.KindResult, Result: &engine.ResultEvent{
		Success:      true,
		SessionToken: token,
		CostUSD:      0.01,
		DurationMS:   42,
	}})
}

// chanSub is a subscriber that exposes received frames on a channel.
type chanSub struct {
	ch      chan *Frame
	failAll bool
}

func newChanSub() *chanSub {
	return &chanSub{ch: make(chan *Frame, 64)}
}

func (s *chanSub) SendFrame(f *Frame) error {
	if s.failAll {
		return context.Canceled
	}
	s.ch <- f
	return nil
}

// next waits for the next frame or fails the wait with a nil frame.
func (s *chanSub) next(timeout time.Duration) *Frame {
	select {
	case f := <-s.ch:
		return f
	case <-time.After(timeout):
		return nil
	}
}
