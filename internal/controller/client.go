// Package controller drives a worker daemon from the unprivileged side: it
// launches the daemon, connects to its socket and turns responses into
// events.
package controller

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"wifisurvey/internal/netutil"
	"wifisurvey/internal/protocol"
)

var (
	// ErrProcessTerminated means the daemon exited while the client was
	// still waiting for its socket.
	ErrProcessTerminated = errors.New("worker process terminated")
	// ErrRetriesExhausted means the socket never accepted a connection.
	ErrRetriesExhausted = errors.New("worker socket not reachable")
	// ErrConnectionLost means an established connection was closed by the
	// daemon side without a Stop.
	ErrConnectionLost = errors.New("connection to worker lost")
	ErrNotConnected   = errors.New("not connected to worker")
	// ErrWorkerNotStopped means Stop could neither deliver EXIT nor kill
	// the daemon, or the daemon did not exit in time. It may still run.
	ErrWorkerNotStopped = errors.New("worker did not stop")
)

const (
	dialTimeout        = 2 * time.Second
	writeTimeout       = 10 * time.Second
	ackTimeout         = 5 * time.Second
	defaultExitTimeout = 15 * time.Second
)

// RetryPolicy bounds the initial connect: Attempts dials, Interval apart.
type RetryPolicy struct {
	Attempts int
	Interval time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 10, Interval: 5 * time.Second}
}

// Events are called from the client's goroutines. Nil callbacks are
// skipped.
type Events struct {
	Connected        func()
	Disconnected     func(err error) // nil after Stop, ErrConnectionLost otherwise
	Finished         func()
	CommandError     func(protocol.CommandError)
	ResponseReceived func(line string)
	ConnectionError  func(msg string)
}

// Client is a connection to one worker daemon.
type Client struct {
	socketPath string
	launcher   Launcher
	retry      RetryPolicy
	events     Events
	logger     *slog.Logger
	// exitTimeout bounds the wait for the daemon process after EXIT.
	exitTimeout time.Duration

	mu       sync.Mutex
	conn     net.Conn
	proc     Process
	stopping bool
	acked    bool
	recvDone chan struct{}
	stopOnce sync.Once
	stopErr  error
}

func NewClient(socketPath string, launcher Launcher, retry RetryPolicy, events Events, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if retry.Attempts <= 0 {
		retry.Attempts = 1
	}
	return &Client{
		socketPath:  socketPath,
		launcher:    launcher,
		retry:       retry,
		events:      events,
		logger:      logger,
		exitTimeout: defaultExitTimeout,
	}
}

// Start launches the daemon, connects to it and starts receiving.
func (c *Client) Start(ctx context.Context) error {
	proc, err := c.launcher.Launch(ctx, c.socketPath)
	if err != nil {
		c.connectionError(err)
		return err
	}
	c.mu.Lock()
	c.proc = proc
	c.mu.Unlock()

	conn, err := c.connect(ctx, proc)
	if err != nil {
		c.connectionError(err)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.recvDone = make(chan struct{})
	c.mu.Unlock()

	c.logger.Info("connected to worker", "socket", c.socketPath)
	if c.events.Connected != nil {
		c.events.Connected()
	}
	go c.receive(conn)
	return nil
}

func (c *Client) connect(ctx context.Context, proc Process) (net.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retry.Attempts; attempt++ {
		select {
		case <-proc.Done():
			return nil, processTerminated(proc)
		default:
		}

		dialer := net.Dialer{Timeout: dialTimeout}
		conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		c.logger.Debug("worker socket not ready", "attempt", attempt, "of", c.retry.Attempts, "error", err)

		if attempt == c.retry.Attempts {
			break
		}
		timer := time.NewTimer(c.retry.Interval)
		select {
		case <-proc.Done():
			timer.Stop()
			return nil, processTerminated(proc)
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, c.retry.Attempts, lastErr)
}

func processTerminated(proc Process) error {
	if err := proc.Wait(); err != nil {
		return fmt.Errorf("%w: %v", ErrProcessTerminated, err)
	}
	return ErrProcessTerminated
}

func (c *Client) connectionError(err error) {
	c.logger.Error("worker connection failed", "error", err)
	if c.events.ConnectionError != nil {
		c.events.ConnectionError(err.Error())
	}
}

func (c *Client) receive(conn net.Conn) {
	defer close(c.recvDone)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), protocol.MaxFrameSize)
	for scanner.Scan() {
		c.handleFrame(scanner.Text())
	}

	c.mu.Lock()
	stopping := c.stopping
	c.mu.Unlock()

	err := scanner.Err()
	var result error
	switch {
	case stopping && (err == nil || netutil.IsExpectedClose(err)):
		c.logger.Info("worker connection closed")
	case err == nil || netutil.IsExpectedClose(err):
		result = ErrConnectionLost
		c.logger.Warn("worker closed the connection")
	default:
		result = fmt.Errorf("%w: %v", ErrConnectionLost, err)
		c.logger.Warn("worker connection failed", "error", err)
	}
	if c.events.Disconnected != nil {
		c.events.Disconnected(result)
	}
}

func (c *Client) handleFrame(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if line == protocol.RespAckExit {
		c.mu.Lock()
		c.acked = true
		c.mu.Unlock()
	}
	if line == protocol.RespMeasurementFinished {
		if c.events.Finished != nil {
			c.events.Finished()
		}
		return
	}
	ce, ok, err := protocol.ParseCommandError(line)
	if ok {
		if err != nil {
			c.logger.Warn("undecodable command error", "line", line, "error", err)
			ce = protocol.CommandError{Error: line}
		}
		if c.events.CommandError != nil {
			c.events.CommandError(ce)
		}
		return
	}
	if c.events.ResponseReceived != nil {
		c.events.ResponseReceived(line)
	}
}

// SendCommand writes one frame. It does not wait for the response.
func (c *Client) SendCommand(text string) error {
	if strings.ContainsAny(text, "\r\n") {
		return fmt.Errorf("command must be a single line")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := io.WriteString(c.conn, text+"\n"); err != nil {
		return fmt.Errorf("send %q: %w", firstToken(text), err)
	}
	return nil
}

func firstToken(text string) string {
	cmd, _, _ := strings.Cut(text, " ")
	return cmd
}

// Stop asks the daemon to exit and waits for the receive loop and the
// daemon process. A daemon that never got connected is killed.
func (c *Client) Stop() error {
	c.stopOnce.Do(func() { c.stopErr = c.stop() })
	return c.stopErr
}

func (c *Client) stop() error {
	c.mu.Lock()
	c.stopping = true
	conn, proc, recvDone := c.conn, c.proc, c.recvDone
	c.mu.Unlock()

	if proc == nil {
		return nil
	}
	if conn == nil {
		if err := proc.Kill(); err != nil {
			select {
			case <-proc.Done():
				return nil
			default:
			}
			return fmt.Errorf("%w: kill: %v", ErrWorkerNotStopped, err)
		}
		// The exit status of a killed daemon carries no information.
		if err := c.waitExit(proc); errors.Is(err, ErrWorkerNotStopped) {
			return err
		}
		return nil
	}

	if err := c.SendCommand(protocol.CmdExit); err != nil && !netutil.IsExpectedClose(err) {
		c.logger.Warn("sending EXIT", "error", err)
	}
	<-recvDone
	conn.Close()
	c.mu.Lock()
	c.conn = nil
	acked := c.acked
	c.mu.Unlock()

	if !acked {
		// The daemon ended the session before EXIT got through; it
		// serves the next connection.
		if err := c.exitOnNewSession(); err != nil {
			select {
			case <-proc.Done():
				return nil
			default:
			}
			return fmt.Errorf("%w: EXIT not delivered: %v", ErrWorkerNotStopped, err)
		}
	}
	return c.waitExit(proc)
}

// exitOnNewSession dials the daemon again and sends EXIT, waiting for
// ACK_EXIT.
func (c *Client) exitOnNewSession() error {
	conn, err := net.DialTimeout("unix", c.socketPath, dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(ackTimeout))
	if _, err := io.WriteString(conn, protocol.CmdExit+"\n"); err != nil {
		return err
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return err
	}
	if resp := strings.TrimSpace(line); resp != protocol.RespAckExit {
		return fmt.Errorf("unexpected response %q", resp)
	}
	c.logger.Info("worker acknowledged EXIT on a new session")
	return nil
}

func (c *Client) waitExit(proc Process) error {
	timer := time.NewTimer(c.exitTimeout)
	defer timer.Stop()
	select {
	case <-proc.Done():
	case <-timer.C:
		return fmt.Errorf("%w within %v", ErrWorkerNotStopped, c.exitTimeout)
	}
	if err := proc.Wait(); err != nil {
		return fmt.Errorf("worker exited: %w", err)
	}
	return nil
}
