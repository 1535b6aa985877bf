// Package session owns the live state of every chat: query execution,
// event dispatch and subscriber fan-out.
//
// # Overview
//
// Each chat has at most one Session, created lazily by the Registry. A
// Session composes three parts:
//
//	type Session struct {
//	    ctrl *Controller  // single-flight query execution
//	    disp *Dispatcher  // engine events -> store writes + frames
//	    mux  *Multiplexer // frame fan-out to subscribers
//	}
//
// # Query Control
//
// The Controller guarantees that at most one query per chat is in flight.
// Submitting a new query while one is running follows the supersession
// sequence:
//
//  1. Mark the running query cancelled; its events are discarded from
//     this point on.
//  2. Ask the engine to interrupt and wait for the terminal event, bounded
//     by the drain timeout.
//  3. On timeout, cancel the query's context and tear down the engine
//     connection; the next query reconnects lazily.
//  4. Purge the event queue and start the new query under a fresh id.
//
// Query ids are monotonic per controller and gate event delivery: an event
// is only forwarded while its query is still the active one. The terminal
// result of an interrupted query is consumed for its resume token but never
// delivered.
//
// # Event Dispatch
//
// The Dispatcher consumes the controller's event stream. Streamed text is
// accumulated from deltas and persisted once per block; tool invocations
// and results are recorded and forwarded; terminal results persist the
// engine's resume token. Persistence failures are logged, never fatal to
// the stream.
//
// # Frame Fan-Out
//
// The Multiplexer delivers frames to all subscribers of a chat. While a
// query is processing with no subscriber attached, durable frames are
// buffered and replayed in order to the next subscriber; text deltas are
// dropped since the full text arrives with the stream_end frame.
//
// # Registry
//
// The Registry maps chat ids to sessions and reacts to tool configuration
// changes: structural changes (servers added, removed or relaunched) tear
// down engine connections so the next query reconnects with fresh options;
// permission-only changes wait for the next natural reconnect. Sessions
// busy with a query defer the rebuild to the query's terminal event.
package session
