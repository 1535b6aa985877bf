// ABOUTME: Tests for the single-flight query controller.
// ABOUTME: Covers supersession, drain timeouts, stale discard and resume tokens.

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatagent/relay/internal/engine"
)

func newTestController(eng engine.Engine) *Controller {
	c := NewController("chat-1", eng, func() engine.Options {
		return engine.Options{SystemPrompt: "test"}
	}, nil)
	c.drainTimeout = 100 * time.Millisecond
	return c
}

func recvEvent(t *testing.T, c *Controller) engine.Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for controller event")
		return engine.Event{}
	}
}

func waitSubmits(t *testing.T, conn *fakeConn, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return conn.submitCount() == n
	}, testTimeout, testTick)
}

// waitConn waits for the i-th engine connection to be established.
func waitConn(t *testing.T, eng *fakeEngine, i int) *fakeConn {
	t.Helper()
	require.Eventually(t, func() bool {
		return eng.connCount() > i
	}, testTimeout, testTick)
	return eng.conn(i)
}

func TestSubmitAssignsMonotonicQueryIDs(t *testing.T) {
	eng := newFakeEngine()
	c := newTestController(eng)
	defer c.Close()

	qid, err := c.Submit(context.Background(), engine.Prompt{Text: "one"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), qid)

	conn := waitConn(t, eng, 0)
	waitSubmits(t, conn, 1)
	conn.finish("tok-1")
	recvEvent(t, c)

	qid, err = c.Submit(context.Background(), engine.Prompt{Text: "two"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), qid)
}

func TestCancelIdleReturnsFalse(t *testing.T) {
	c := newTestController(newFakeEngine())
	defer c.Close()

	assert.False(t, c.Cancel(context.Background()))
}

func TestSupersedeDiscardsStaleEvents(t *testing.T) {
	eng := newFakeEngine()
	c := newTestController(eng)
	defer c.Close()

	_, err := c.Submit(context.Background(), engine.Prompt{Text: "first"})
	require.NoError(t, err)
	conn := waitConn(t, eng, 0)
	waitSubmits(t, conn, 1)

	conn.emit(engine.Event{Kind: engine.KindTextDelta, Delta: "a1"})
	ev := recvEvent(t, c)
	assert.Equal(t, "a1", ev.Delta)

	// Leave an unconsumed event in the queue; Submit must purge it.
	conn.emit(engine.Event{Kind: engine.KindTextDelta, Delta: "a2"})
	require.Eventually(t, func() bool { return len(c.queue) == 1 }, time.Second, 5*time.Millisecond)

	_, err = c.Submit(context.Background(), engine.Prompt{Text: "second"})
	require.NoError(t, err)
	assert.Equal(t, 1, conn.interruptCount())

	// The connection survives the interrupt and carries the next query.
	waitSubmits(t, conn, 2)
	conn.emit(engine.Event{Kind: engine.KindTextDelta, Delta: "b1"})
	conn.finish("tok-b")

	ev = recvEvent(t, c)
	assert.Equal(t, "b1", ev.Delta, "stale event from the superseded query leaked through")
	ev = recvEvent(t, c)
	assert.Equal(t, engine.KindResult, ev.Kind)
}

func TestDrainTimeoutForcesTeardown(t *testing.T) {
	eng := newFakeEngine()
	eng.autoFinishOnInterrupt = false
	c := newTestController(eng)
	defer c.Close()

	_, err := c.Submit(context.Background(), engine.Prompt{Text: "stuck"})
	require.NoError(t, err)
	conn := waitConn(t, eng, 0)
	waitSubmits(t, conn, 1)

	// The engine never answers the interrupt, so the drain times out and the
	// connection is torn down; the new query gets a fresh one.
	_, err = c.Submit(context.Background(), engine.Prompt{Text: "next"})
	require.NoError(t, err)

	assert.True(t, conn.isClosed())
	waitSubmits(t, waitConn(t, eng, 1), 1)
	assert.Equal(t, 2, eng.connectCount())
}

func TestInterruptCapturesResumeToken(t *testing.T) {
	eng := newFakeEngine()
	eng.interruptToken = "tok-interrupted"
	c := newTestController(eng)
	defer c.Close()

	_, err := c.Submit(context.Background(), engine.Prompt{Text: "q"})
	require.NoError(t, err)
	waitSubmits(t, waitConn(t, eng, 0), 1)

	require.True(t, c.Cancel(context.Background()))

	// The terminal event of the interrupted query never reaches the queue,
	// but its session token is still captured.
	assert.Equal(t, "tok-interrupted", c.ResumeToken())
	assert.Empty(t, c.queue)
}

func TestResetClearsResumeAndQueryIDs(t *testing.T) {
	eng := newFakeEngine()
	c := newTestController(eng)
	defer c.Close()

	c.SetResume("tok-old", false)
	old := c.Reset(context.Background())
	assert.Equal(t, "tok-old", old)
	assert.Empty(t, c.ResumeToken())

	qid, err := c.Submit(context.Background(), engine.Prompt{Text: "fresh"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), qid, "query ids restart after a reset")

	waitSubmits(t, waitConn(t, eng, 0), 1)
	assert.Empty(t, eng.lastConnect().ResumeToken)
}

func TestConnectUsesResumeOptions(t *testing.T) {
	eng := newFakeEngine()
	c := newTestController(eng)
	defer c.Close()

	c.SetResume("tok-1", true)
	_, err := c.Submit(context.Background(), engine.Prompt{Text: "q"})
	require.NoError(t, err)
	conn := waitConn(t, eng, 0)
	waitSubmits(t, conn, 1)

	opts := eng.lastConnect()
	assert.Equal(t, "tok-1", opts.ResumeToken)
	assert.True(t, opts.ForkSession)

	conn.finish("tok-2")
	recvEvent(t, c)

	// Rebuild keeps the latest token but drops the fork flag, which is
	// consumed by the first successful result.
	c.Rebuild(context.Background())
	assert.True(t, conn.isClosed())

	_, err = c.Submit(context.Background(), engine.Prompt{Text: "q2"})
	require.NoError(t, err)
	waitSubmits(t, waitConn(t, eng, 1), 1)

	opts = eng.lastConnect()
	assert.Equal(t, "tok-2", opts.ResumeToken)
	assert.False(t, opts.ForkSession)
}

func TestConnectFailureEmitsErrorEvent(t *testing.T) {
	eng := newFakeEngine()
	eng.connectErr = errors.New("spawn failed")
	c := newTestController(eng)
	defer c.Close()

	_, err := c.Submit(context.Background(), engine.Prompt{Text: "q"})
	require.NoError(t, err)

	ev := recvEvent(t, c)
	assert.Equal(t, engine.KindError, ev.Kind)
	assert.Contains(t, ev.Err, "engine connection failed")
}

func TestSubmitAfterCloseFails(t *testing.T) {
	c := newTestController(newFakeEngine())
	c.Close()

	_, err := c.Submit(context.Background(), engine.Prompt{Text: "q"})
	assert.ErrorIs(t, err, ErrControllerClosed)
}
