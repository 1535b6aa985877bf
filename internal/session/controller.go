// ABOUTME: Controller enforces single-flight query execution against the engine.
// ABOUTME: Handles interrupt-then-drain supersession, stale-event discard and lazy connections.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatagent/relay/internal/engine"
	"github.com/chatagent/relay/internal/metrics"
)

const (
	// defaultDrainTimeout bounds how long a superseding operation waits for
	// the interrupted query to reach its terminal event before the engine
	// connection is forcibly torn down.
	defaultDrainTimeout = 5 * time.Second

	// eventQueueSize bounds the controller's outbound event queue.
	eventQueueSize = 512
)

// ErrControllerClosed is returned by Submit after Close.
var ErrControllerClosed = errors.New("session: controller closed")

// task tracks one running query goroutine.
type task struct {
	queryID uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

func (t *task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Controller owns the engine connection for one chat and guarantees that at
// most one query is in flight. A new Submit interrupts and drains any running
// query before starting. Events from superseded queries never reach the queue.
type Controller struct {
	chatID string
	eng    engine.Engine
	optsFn func() engine.Options
	logger *slog.Logger

	drainTimeout time.Duration

	// opMu serializes Submit, Cancel, Reset, Rebuild and Close so their
	// interrupt/drain/purge sequences never interleave.
	opMu sync.Mutex

	connMu sync.Mutex
	conn   engine.Conn

	queue     chan engine.Event
	closed    chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	queryID       uint64
	activeQueryID uint64
	cancelled     bool
	resumeToken   string
	fork          bool
	task          *task
}

// NewController creates a controller for one chat. optsFn is called on every
// connection attempt so configuration changes take effect at the next connect.
func NewController(chatID string, eng engine.Engine, optsFn func() engine.Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		chatID:       chatID,
		eng:          eng,
		optsFn:       optsFn,
		logger:       logger.With("component", "controller", "chat_id", chatID),
		drainTimeout: defaultDrainTimeout,
		queue:        make(chan engine.Event, eventQueueSize),
		closed:       make(chan struct{}),
	}
}

// SetResume seeds the resume token used for the next engine connection.
// With fork set, the engine branches a fresh context off the token instead of
// continuing it.
func (c *Controller) SetResume(token string, fork bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumeToken = token
	c.fork = fork
}

// ResumeToken returns the most recent engine session token.
func (c *Controller) ResumeToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeToken
}

// ActiveQueryID returns the id of the query currently allowed to emit events.
func (c *Controller) ActiveQueryID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeQueryID
}

// Events is the stream of engine events from the active query. The channel is
// shared across queries; superseded queries are filtered out before delivery.
func (c *Controller) Events() <-chan engine.Event {
	return c.queue
}

// Done is closed when the controller shuts down.
func (c *Controller) Done() <-chan struct{} {
	return c.closed
}

// Submit starts a new query, superseding any query still in flight. It returns
// the new query's id once the previous query has fully drained and the event
// queue holds no stale events.
func (c *Controller) Submit(ctx context.Context, prompt engine.Prompt) (uint64, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	select {
	case <-c.closed:
		return 0, ErrControllerClosed
	default:
	}

	c.mu.Lock()
	c.queryID++
	qid := c.queryID
	prev := c.task
	c.mu.Unlock()

	if prev != nil && !prev.finished() {
		metrics.QueriesInterrupted.Inc()
		c.interruptAndDrain(ctx, prev)
	}

	c.mu.Lock()
	c.cancelled = false
	c.activeQueryID = qid
	c.mu.Unlock()
	c.purgeQueue()

	qctx, cancel := context.WithCancel(context.Background())
	t := &task{queryID: qid, cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.task = t
	c.mu.Unlock()

	metrics.QueriesStarted.Inc()
	go c.runQuery(qctx, t, prompt)
	return qid, nil
}

// Cancel interrupts the in-flight query, if any. It returns false when the
// controller is idle. After Cancel the controller stays in the cancelled state
// so straggler events from the engine are discarded.
func (c *Controller) Cancel(ctx context.Context) bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	prev := c.task
	c.mu.Unlock()
	if prev == nil || prev.finished() {
		return false
	}

	metrics.QueriesInterrupted.Inc()
	c.interruptAndDrain(ctx, prev)
	c.purgeQueue()
	return true
}

// Reset drains any in-flight query, tears down the engine connection and
// clears the conversational context. It returns the resume token that was
// discarded so callers can surface it.
func (c *Controller) Reset(ctx context.Context) string {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.drainAndTeardown(ctx)

	c.mu.Lock()
	old := c.resumeToken
	c.resumeToken = ""
	c.fork = false
	c.queryID = 0
	c.activeQueryID = 0
	c.cancelled = false
	c.mu.Unlock()

	c.purgeQueue()
	return old
}

// Rebuild tears down the engine connection while keeping the resume token, so
// the next query reconnects with fresh options against the same context. Used
// when tool configuration changes.
func (c *Controller) Rebuild(ctx context.Context) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.drainAndTeardown(ctx)

	c.mu.Lock()
	c.cancelled = false
	c.mu.Unlock()
	c.purgeQueue()
}

// Close shuts the controller down. Any in-flight query is force-cancelled.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.opMu.Lock()
		defer c.opMu.Unlock()

		c.mu.Lock()
		c.cancelled = true
		prev := c.task
		c.mu.Unlock()

		if prev != nil && !prev.finished() {
			prev.cancel()
		}
		c.teardownConn()
		if prev != nil {
			<-prev.done
		}
	})
}

// interruptAndDrain marks the current query cancelled, asks the engine to
// stop it and waits for the query goroutine to finish. If the engine does not
// reach a terminal event within the drain timeout, the query context is
// cancelled and the connection torn down.
func (c *Controller) interruptAndDrain(ctx context.Context, prev *task) {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		if err := conn.Interrupt(ctx); err != nil {
			c.logger.Warn("interrupt request failed", "query_id", prev.queryID, "error", err)
		}
	}

	select {
	case <-prev.done:
	case <-time.After(c.drainTimeout):
		c.logger.Warn("query did not drain in time, forcing cancel", "query_id", prev.queryID)
		metrics.ForcedCancels.Inc()
		prev.cancel()
		c.teardownConn()
		<-prev.done
	}
}

func (c *Controller) drainAndTeardown(ctx context.Context) {
	c.mu.Lock()
	prev := c.task
	c.mu.Unlock()
	if prev != nil && !prev.finished() {
		metrics.QueriesInterrupted.Inc()
		c.interruptAndDrain(ctx, prev)
	}
	c.teardownConn()
}

// ensureConn returns the live connection, creating one lazily with the
// current options and resume state.
func (c *Controller) ensureConn(ctx context.Context) (engine.Conn, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	opts := c.optsFn()
	c.mu.Lock()
	opts.ResumeToken = c.resumeToken
	opts.ForkSession = c.fork && c.resumeToken != ""
	c.mu.Unlock()

	conn, err := c.eng.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

func (c *Controller) teardownConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Warn("closing engine connection failed", "error", err)
	}
	c.conn = nil
}

// purgeQueue discards any events still buffered from a superseded query.
// Callers must hold opMu so no new events race in for the wrong query.
func (c *Controller) purgeQueue() {
	for {
		select {
		case <-c.queue:
		default:
			return
		}
	}
}

// stale reports whether events for the given query must be discarded.
func (c *Controller) stale(queryID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled || queryID != c.activeQueryID
}

// deliver pushes one event to the queue unless the controller is closing.
func (c *Controller) deliver(ev engine.Event) {
	select {
	case c.queue <- ev:
	case <-c.closed:
	}
}

// pushError delivers a synthetic error event, unless the query has already
// been superseded or cancelled.
func (c *Controller) pushError(queryID uint64, msg string) {
	if c.stale(queryID) {
		return
	}
	c.deliver(engine.Event{Kind: engine.KindError, Err: msg})
}

// runQuery drives one query: connect lazily, submit, then pump events until
// the terminal event. The resume token from a terminal result is always
// captured, even when the query has been superseded, so the conversational
// context survives interruption.
func (c *Controller) runQuery(ctx context.Context, t *task, prompt engine.Prompt) {
	defer close(t.done)

	conn, err := c.ensureConn(ctx)
	if err != nil {
		c.logger.Error("engine connection failed", "query_id", t.queryID, "error", err)
		c.pushError(t.queryID, fmt.Sprintf("engine connection failed: %v", err))
		return
	}

	if err := conn.Submit(ctx, prompt); err != nil {
		if !errors.Is(err, engine.ErrInterrupted) {
			c.logger.Error("query submit failed", "query_id", t.queryID, "error", err)
			c.pushError(t.queryID, fmt.Sprintf("query submit failed: %v", err))
		}
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-conn.Events():
			if !ok {
				c.pushError(t.queryID, "engine connection closed unexpectedly")
				return
			}

			if ev.Kind == engine.KindResult && ev.Result != nil && ev.Result.SessionToken != "" {
				c.mu.Lock()
				c.resumeToken = ev.Result.SessionToken
				c.fork = false
				c.mu.Unlock()
			}

			terminal := ev.Kind == engine.KindResult || ev.Kind == engine.KindError
			if c.stale(t.queryID) {
				if terminal {
					return
				}
				continue
			}

			c.deliver(ev)
			if terminal {
				return
			}
		}
	}
}
