// ABOUTME: Subprocess engine implementation speaking the agent CLI's stream-JSON protocol.
// ABOUTME: Launches the CLI per connection, decodes stdout events, interrupts via control lines.

package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// eventBufferSize bounds the decoded event channel per connection.
	eventBufferSize = 256

	// killGracePeriod is how long Close waits after SIGTERM before SIGKILL.
	killGracePeriod = 3 * time.Second
)

// SubprocessConfig configures the CLI-backed engine.
type SubprocessConfig struct {
	// Command is the agent CLI binary, e.g. "claude".
	Command string
	// Args are extra arguments prepended before the generated ones.
	Args []string
	// Env entries are appended to the current process environment.
	Env map[string]string

	Logger *slog.Logger
}

// SubprocessEngine launches one CLI process per connection and adapts its
// line-delimited JSON stream to the Conn contract.
type SubprocessEngine struct {
	cfg    SubprocessConfig
	logger *slog.Logger
}

// NewSubprocessEngine creates a subprocess-backed engine.
func NewSubprocessEngine(cfg SubprocessConfig) *SubprocessEngine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SubprocessEngine{cfg: cfg, logger: logger.With("component", "engine")}
}

// Connect launches the CLI and starts the stdout decode loop.
func (e *SubprocessEngine) Connect(ctx context.Context, opts Options) (Conn, error) {
	args := append([]string{}, e.cfg.Args...)
	args = append(args,
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
	)
	if opts.SystemPrompt != "" {
		args = append(args, "--system-prompt", opts.SystemPrompt)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", opts.MaxTurns))
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.ToolServers) > 0 {
		mcpJSON, err := marshalToolServers(opts.ToolServers)
		if err != nil {
			return nil, fmt.Errorf("encoding tool server config: %w", err)
		}
		args = append(args, "--mcp-config", mcpJSON)
	}
	if opts.ResumeToken != "" {
		args = append(args, "--resume", opts.ResumeToken)
		if opts.ForkSession {
			args = append(args, "--fork-session")
		}
	}

	cmd := exec.Command(e.cfg.Command, args...)
	cmd.Env = os.Environ()
	for k, v := range e.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting agent process %q: %w", e.cfg.Command, err)
	}

	c := &subprocessConn{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan Event, eventBufferSize),
		done:   make(chan struct{}),
		logger: e.logger.With("pid", cmd.Process.Pid),
	}

	go c.logStderr(stderr)
	go c.readLoop(stdout)

	if opts.ResumeToken != "" {
		c.logger.Info("agent process started", "resume", opts.ResumeToken, "fork", opts.ForkSession)
	} else {
		c.logger.Info("agent process started")
	}
	return c, nil
}

// marshalToolServers encodes tool servers as the CLI's inline mcpServers JSON.
func marshalToolServers(servers []ToolServer) (string, error) {
	type wireServer struct {
		Type    string            `json:"type"`
		Command string            `json:"command,omitempty"`
		Args    []string          `json:"args,omitempty"`
		Env     map[string]string `json:"env,omitempty"`
		URL     string            `json:"url,omitempty"`
		Headers map[string]string `json:"headers,omitempty"`
	}
	cfg := struct {
		Servers map[string]wireServer `json:"mcpServers"`
	}{Servers: make(map[string]wireServer, len(servers))}
	for _, s := range servers {
		cfg.Servers[s.Name] = wireServer{
			Type:    s.Type,
			Command: s.Command,
			Args:    s.Args,
			Env:     s.Env,
			URL:     s.URL,
			Headers: s.Headers,
		}
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type subprocessConn struct {
	cmd    *exec.Cmd
	events chan Event
	// done unblocks the read loop's event sends once Close runs, so a
	// connection torn down with unconsumed events does not leak the loop.
	done   chan struct{}
	logger *slog.Logger

	writeMu sync.Mutex
	stdin   io.WriteCloser

	closeOnce sync.Once
	closeErr  error

	interruptMu sync.Mutex
	interrupted bool
}

// Submit writes one user message line to the process.
func (c *subprocessConn) Submit(ctx context.Context, prompt Prompt) error {
	msg := buildUserMessage(prompt)
	return c.writeLine(msg)
}

// Interrupt writes an interrupt control line. The CLI acknowledges by ending
// the in-flight query with a terminal result event.
func (c *subprocessConn) Interrupt(ctx context.Context) error {
	c.interruptMu.Lock()
	c.interrupted = true
	c.interruptMu.Unlock()

	ctrl := map[string]any{
		"type": "control_request",
		"request": map[string]any{
			"subtype": "interrupt",
		},
	}
	return c.writeLine(ctrl)
}

func (c *subprocessConn) wasInterrupted() bool {
	c.interruptMu.Lock()
	defer c.interruptMu.Unlock()
	return c.interrupted
}

func (c *subprocessConn) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		if c.wasInterrupted() {
			return fmt.Errorf("%w: %v", ErrInterrupted, err)
		}
		return fmt.Errorf("writing to agent process: %w", err)
	}
	return nil
}

func (c *subprocessConn) Events() <-chan Event {
	return c.events
}

// Close terminates the process: SIGTERM first, SIGKILL after a grace period.
func (c *subprocessConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		_ = c.stdin.Close()
		c.writeMu.Unlock()

		if c.cmd.Process != nil {
			_ = c.cmd.Process.Signal(syscall.SIGTERM)
		}

		done := make(chan error, 1)
		go func() { done <- c.cmd.Wait() }()

		select {
		case err := <-done:
			c.closeErr = err
		case <-time.After(killGracePeriod):
			c.logger.Warn("agent process did not exit, killing")
			if c.cmd.Process != nil {
				_ = c.cmd.Process.Kill()
			}
			c.closeErr = <-done
		}

		// A SIGTERM/SIGINT exit is the expected outcome of Close; only
		// surface other failures.
		if c.closeErr != nil && isSignalExit(c.closeErr) {
			c.closeErr = nil
		}
		c.logger.Info("agent process stopped")
	})
	return c.closeErr
}

// isSignalExit reports whether the error is a process exit caused by a signal.
func isSignalExit(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && status.Signaled()
}

// logStderr drains stderr into the logger so CLI diagnostics are not lost.
func (c *subprocessConn) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			c.logger.Warn("agent stderr", "line", line)
		}
	}
}

// readLoop decodes stdout lines into Events until the process exits.
func (c *subprocessConn) readLoop(r io.Reader) {
	defer close(c.events)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		evs, err := decodeWireLine(line)
		if err != nil {
			c.logger.Warn("skipping undecodable event line", "error", err)
			continue
		}
		for _, ev := range evs {
			select {
			case c.events <- ev:
			case <-c.done:
				return
			}
		}
	}

	if err := scanner.Err(); err != nil && !c.wasInterrupted() {
		select {
		case c.events <- Event{Kind: KindError, Err: fmt.Sprintf("agent stream read failed: %v", err)}:
		case <-c.done:
		}
	}
}

// buildUserMessage constructs the stream-JSON user message for a prompt.
func buildUserMessage(prompt Prompt) map[string]any {
	if len(prompt.Images) == 0 {
		return map[string]any{
			"type": "user",
			"message": map[string]any{
				"role":    "user",
				"content": prompt.Text,
			},
		}
	}

	content := make([]map[string]any, 0, len(prompt.Images)+1)
	for _, img := range prompt.Images {
		mediaType := img.MediaType
		if mediaType == "" {
			mediaType = "image/png"
		}
		content = append(content, map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": mediaType,
				"data":       img.Base64,
			},
		})
	}
	if prompt.Text != "" {
		content = append(content, map[string]any{
			"type": "text",
			"text": prompt.Text,
		})
	}
	return map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
	}
}
