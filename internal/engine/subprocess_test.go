// ABOUTME: Tests for the subprocess connection internals.
// ABOUTME: Covers read loop shutdown when events go unconsumed.

package engine

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newLoopConn() *subprocessConn {
	return &subprocessConn{
		events: make(chan Event, 4),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
}

func TestReadLoopExitsOnCloseWithUnconsumedEvents(t *testing.T) {
	c := newLoopConn()

	// Far more event lines than the channel buffers; nobody reads them.
	line := `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"x"}}}` + "\n"
	input := strings.Repeat(line, 400)

	finished := make(chan struct{})
	go func() {
		c.readLoop(strings.NewReader(input))
		close(finished)
	}()

	// Wait for the loop to fill the buffer and block on the next send.
	require.Eventually(t, func() bool { return len(c.events) == cap(c.events) },
		time.Second, 5*time.Millisecond)

	close(c.done)

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("read loop still running after done was closed")
	}
}

func TestReadLoopClosesEventsAtEOF(t *testing.T) {
	c := newLoopConn()

	go c.readLoop(strings.NewReader(`{"type":"result","subtype":"success","session_id":"s"}` + "\n"))

	ev := <-c.events
	require.Equal(t, KindResult, ev.Kind)

	_, ok := <-c.events
	require.False(t, ok, "events channel must close when the stream ends")
}
