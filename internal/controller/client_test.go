package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"wifisurvey/internal/config"
	"wifisurvey/internal/model"
	"wifisurvey/internal/privilege"
	"wifisurvey/internal/probe"
	"wifisurvey/internal/protocol"
	"wifisurvey/internal/worker"
)

// The worker changes the process umask while it binds, so these tests run
// serially.

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

type stubMeasurer struct{}

func (stubMeasurer) Run(_ context.Context, cfg config.Measurement, zone model.Zone) (model.Row, error) {
	if cfg.IperfAddr == "down.example" {
		return model.Row{}, fmt.Errorf("%w: iperf3: exit status 1", probe.ErrThroughput)
	}
	return model.Row{Timestamp: time.Now(), Iface: cfg.Iface, PingTarget: cfg.Target, Zone: zone, PingLossPct: 100, ConnectedDevices: -1}, nil
}

// fakeProcess is an in-process stand-in for a launched daemon.
type fakeProcess struct {
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Wait() error           { <-p.done; return p.err }
func (p *fakeProcess) Kill() error {
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

// workerLauncher runs a real worker.Server in a goroutine.
type workerLauncher struct{}

func (workerLauncher) Launch(_ context.Context, socketPath string) (Process, error) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := worker.NewServer(socketPath, privilege.Current(), stubMeasurer{}, testLogger())
	p := &fakeProcess{done: make(chan struct{}), cancel: cancel}
	go func() {
		p.err = srv.Serve(ctx)
		close(p.done)
	}()
	return p, nil
}

// deadLauncher returns a process that has already exited.
type deadLauncher struct{ err error }

func (l deadLauncher) Launch(context.Context, string) (Process, error) {
	p := &fakeProcess{done: make(chan struct{}), err: l.err}
	close(p.done)
	return p, nil
}

// idleLauncher returns a process that runs but never opens the socket.
type idleLauncher struct{}

func (idleLauncher) Launch(context.Context, string) (Process, error) {
	p := &fakeProcess{done: make(chan struct{})}
	var once sync.Once
	p.cancel = func() { once.Do(func() { close(p.done) }) }
	return p, nil
}

type recorder struct {
	mu           sync.Mutex
	connected    int
	finished     chan struct{}
	responses    chan string
	cmdErrors    chan protocol.CommandError
	disconnected chan error
	connErrors   []string
}

func newRecorder() *recorder {
	return &recorder{
		finished:     make(chan struct{}, 8),
		responses:    make(chan string, 8),
		cmdErrors:    make(chan protocol.CommandError, 8),
		disconnected: make(chan error, 1),
	}
}

func (r *recorder) events() Events {
	return Events{
		Connected: func() {
			r.mu.Lock()
			r.connected++
			r.mu.Unlock()
		},
		Disconnected:     func(err error) { r.disconnected <- err },
		Finished:         func() { r.finished <- struct{}{} },
		CommandError:     func(ce protocol.CommandError) { r.cmdErrors <- ce },
		ResponseReceived: func(line string) { r.responses <- line },
		ConnectionError: func(msg string) {
			r.mu.Lock()
			r.connErrors = append(r.connErrors, msg)
			r.mu.Unlock()
		},
	}
}

func wait[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func fastRetry() RetryPolicy {
	return RetryPolicy{Attempts: 50, Interval: 20 * time.Millisecond}
}

func changeCommand(t *testing.T, dir, iperfAddr string) string {
	t.Helper()
	payload, err := config.Measurement{
		IperfAddr: iperfAddr,
		Iface:     "wlan0",
		Target:    "1.1.1.1",
		Out:       "a1_measure.csv",
		Pwd:       dir,
	}.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return protocol.Change(payload).String()
}

func TestClient_SessionAgainstWorker(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	c := NewClient(filepath.Join(dir, "w.sock"), workerLauncher{}, fastRetry(), rec.events(), testLogger())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rec.connected != 1 {
		t.Fatalf("connected=%d", rec.connected)
	}

	if err := c.SendCommand(changeCommand(t, dir, "srv.example")); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if got := wait(t, rec.responses, "CHANGE_OK"); got != protocol.RespChangeOK {
		t.Fatalf("response=%q", got)
	}

	c.SendCommand(protocol.StartMeasurement(model.Zone{X: 1, Y: 0, PIR: 2}).String())
	wait(t, rec.finished, "MEASUREMENT_FINISHED")

	c.SendCommand("FOO bar")
	if got := wait(t, rec.responses, "UNKNOWN_COMMAND"); got != protocol.RespUnknownCommand {
		t.Fatalf("response=%q", got)
	}

	c.SendCommand(changeCommand(t, dir, "down.example"))
	wait(t, rec.responses, "second CHANGE_OK")
	c.SendCommand("START_MEASUREMENT 2,1,1")
	ce := wait(t, rec.cmdErrors, "COMMAND_ERROR")
	if ce.Command != protocol.CmdStartMeasurement || !strings.Contains(ce.Error, "exit status 1") {
		t.Fatalf("ce=%+v", ce)
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := wait(t, rec.responses, "ACK_EXIT"); got != protocol.RespAckExit {
		t.Fatalf("response=%q", got)
	}
	if err := wait(t, rec.disconnected, "Disconnected"); err != nil {
		t.Fatalf("Disconnected(%v) after Stop", err)
	}
	if err := c.SendCommand("EXIT"); err == nil {
		t.Fatalf("SendCommand after Stop should fail")
	}
}

func TestClient_ProcessTerminatedIsImmediate(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	policy := RetryPolicy{Attempts: 10, Interval: time.Minute}
	c := NewClient(filepath.Join(dir, "w.sock"), deadLauncher{err: errors.New("exit status 126")}, policy, rec.events(), testLogger())

	start := time.Now()
	err := c.Start(context.Background())
	if !errors.Is(err, ErrProcessTerminated) {
		t.Fatalf("err=%v", err)
	}
	if errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("process exit reported as retries exhausted: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("took %v", elapsed)
	}
	if len(rec.connErrors) != 1 {
		t.Fatalf("connection errors=%v", rec.connErrors)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestClient_RetriesExhausted(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	policy := RetryPolicy{Attempts: 3, Interval: 10 * time.Millisecond}
	c := NewClient(filepath.Join(dir, "w.sock"), idleLauncher{}, policy, rec.events(), testLogger())

	err := c.Start(context.Background())
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("err=%v", err)
	}
	if rec.connected != 0 {
		t.Fatalf("connected=%d", rec.connected)
	}
	// Stop kills a daemon that never became reachable.
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// dropLauncher accepts one connection and closes it right away.
type dropLauncher struct{}

func (dropLauncher) Launch(_ context.Context, socketPath string) (Process, error) {
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	p := &fakeProcess{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()
	return p, nil
}

func TestClient_ConnectionLost(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	c := NewClient(filepath.Join(dir, "w.sock"), dropLauncher{}, fastRetry(), rec.events(), testLogger())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err := wait(t, rec.disconnected, "Disconnected")
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("err=%v", err)
	}
	c.Stop()
}

func TestClient_SendBeforeStart(t *testing.T) {
	t.Parallel()

	c := NewClient("/nonexistent.sock", idleLauncher{}, DefaultRetryPolicy(), Events{}, testLogger())
	if err := c.SendCommand("EXIT"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err=%v", err)
	}
	if err := c.SendCommand("CHANGE {}\nEXIT"); err == nil {
		t.Fatalf("expected multi-line command to be rejected")
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	if p.Attempts != 10 || p.Interval != 5*time.Second {
		t.Fatalf("policy=%+v", p)
	}
}

// stubbornProcess never exits and cannot be killed, like an elevated
// child signalled by an unprivileged parent.
type stubbornProcess struct{ done chan struct{} }

func (p *stubbornProcess) Done() <-chan struct{} { return p.done }
func (p *stubbornProcess) Wait() error           { <-p.done; return nil }
func (p *stubbornProcess) Kill() error           { return os.ErrPermission }

type stubbornLauncher struct{}

func (stubbornLauncher) Launch(context.Context, string) (Process, error) {
	return &stubbornProcess{done: make(chan struct{})}, nil
}

// ackLauncher acknowledges EXIT but its process never exits.
type ackLauncher struct{ t *testing.T }

func (l ackLauncher) Launch(_ context.Context, socketPath string) (Process, error) {
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	l.t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			buf := make([]byte, 64)
			if n, _ := conn.Read(buf); strings.HasPrefix(string(buf[:n]), protocol.CmdExit) {
				conn.Write([]byte(protocol.RespAckExit + "\n"))
			}
			conn.Close()
		}
	}()
	return &stubbornProcess{done: make(chan struct{})}, nil
}

func stopWithin(t *testing.T, c *Client) error {
	t.Helper()
	result := make(chan error, 1)
	go func() { result <- c.Stop() }()
	return wait(t, result, "Stop to return")
}

func TestClient_StopAfterWorkerDroppedSession(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "w.sock")
	rec := newRecorder()
	c := NewClient(socketPath, workerLauncher{}, fastRetry(), rec.events(), testLogger())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// An oversize frame makes the worker end the session and keep running.
	c.SendCommand("CHANGE " + strings.Repeat("x", protocol.MaxFrameSize+10))
	if err := wait(t, rec.disconnected, "Disconnected"); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("err=%v", err)
	}

	if err := stopWithin(t, c); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Fatalf("socket still present: %v", err)
	}
}

func TestClient_StopWhenKillFails(t *testing.T) {
	dir := t.TempDir()
	policy := RetryPolicy{Attempts: 2, Interval: 10 * time.Millisecond}
	c := NewClient(filepath.Join(dir, "w.sock"), stubbornLauncher{}, policy, Events{}, testLogger())

	if err := c.Start(context.Background()); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("err=%v", err)
	}
	err := stopWithin(t, c)
	if !errors.Is(err, ErrWorkerNotStopped) || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("err=%v", err)
	}
}

func TestClient_StopBoundsExitWait(t *testing.T) {
	dir := t.TempDir()
	rec := newRecorder()
	c := NewClient(filepath.Join(dir, "w.sock"), ackLauncher{t: t}, fastRetry(), rec.events(), testLogger())
	c.exitTimeout = 50 * time.Millisecond

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := stopWithin(t, c); !errors.Is(err, ErrWorkerNotStopped) {
		t.Fatalf("err=%v", err)
	}
	if got := wait(t, rec.responses, "ACK_EXIT"); got != protocol.RespAckExit {
		t.Fatalf("response=%q", got)
	}
}
