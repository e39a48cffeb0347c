// Package worker implements the privileged measurement daemon. It serves
// the text command protocol on a unix socket, one session at a time.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"wifisurvey/internal/config"
	"wifisurvey/internal/dataset"
	"wifisurvey/internal/model"
	"wifisurvey/internal/netutil"
	"wifisurvey/internal/privilege"
	"wifisurvey/internal/protocol"
)

// writeTimeout bounds a single response write.
const writeTimeout = 10 * time.Second

// Measurer produces one row for a zone. *pipeline.Pipeline implements it.
type Measurer interface {
	Run(ctx context.Context, cfg config.Measurement, zone model.Zone) (model.Row, error)
}

// Server is the worker daemon.
type Server struct {
	socketPath string
	owner      privilege.Identity
	measurer   Measurer
	logger     *slog.Logger
	state      State
}

// NewServer creates a daemon that will listen on socketPath and hand the
// socket and every dataset it creates to owner.
func NewServer(socketPath string, owner privilege.Identity, measurer Measurer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		owner:      owner,
		measurer:   measurer,
		logger:     logger,
	}
}

// State exposes the session state, mostly for inspection in tests.
func (s *Server) State() *State {
	return &s.state
}

// Serve listens on the socket and handles sessions sequentially until EXIT
// is received or ctx is cancelled. A cancelled context takes effect between
// commands. The socket file is removed and the writer closed on return.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := s.listen()
	if err != nil {
		return err
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
		if err := s.state.Close(); err != nil {
			s.logger.Warn("closing dataset", "error", err)
		}
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			listener.Close()
		case <-stop:
		}
	}()

	s.logger.Info("worker listening", "path", s.socketPath, "uid", s.owner.UID, "gid", s.owner.GID)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.logger.Info("worker stopping", "reason", "shutdown requested")
				return nil
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		if exit := s.serveSession(ctx, conn); exit {
			s.logger.Info("worker stopping", "reason", "EXIT")
			return nil
		}
		if ctx.Err() != nil {
			s.logger.Info("worker stopping", "reason", "shutdown requested")
			return nil
		}
	}
}

// listen creates the socket readable and writable by its owner only.
func (s *Server) listen() (net.Listener, error) {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	old := unix.Umask(0o177)
	listener, err := net.Listen("unix", s.socketPath)
	unix.Umask(old)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}

	if err := s.owner.Chown(s.socketPath); err != nil {
		listener.Close()
		return nil, fmt.Errorf("chown socket %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("chmod socket %s: %w", s.socketPath, err)
	}
	return listener, nil
}

// serveSession reads frames from conn until the peer disconnects, an EXIT
// arrives, or ctx is cancelled. It reports whether the daemon should stop.
func (s *Server) serveSession(ctx context.Context, conn net.Conn) bool {
	defer conn.Close()

	log := s.logger.With("session", uuid.NewString())
	log.Info("session opened")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// Unblock the pending read; a command in flight still gets its
			// response written.
			conn.SetReadDeadline(time.Unix(1, 0))
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), protocol.MaxFrameSize)
	for scanner.Scan() {
		frame, ok := protocol.ParseFrame(scanner.Text())
		if !ok {
			continue
		}
		resp, exit := s.dispatch(ctx, log, frame)
		if err := writeFrame(conn, resp); err != nil {
			if !netutil.IsExpectedClose(err) {
				log.Warn("writing response", "command", frame.Command, "error", err)
			}
			return exit
		}
		if exit {
			return true
		}
	}

	switch err := scanner.Err(); {
	case err == nil, netutil.IsExpectedClose(err):
		log.Info("session closed")
	case errors.Is(err, bufio.ErrTooLong):
		log.Warn("session closed: frame too large", "limit", protocol.MaxFrameSize)
	case ctx.Err() != nil:
		log.Info("session closed: shutdown requested")
	default:
		log.Warn("session closed", "error", err)
	}
	return false
}

func writeFrame(conn net.Conn, line string) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := io.WriteString(conn, line+"\n")
	return err
}

// dispatch executes one command and returns the response line. Errors and
// panics in handlers become COMMAND_ERROR responses.
func (s *Server) dispatch(ctx context.Context, log *slog.Logger, f protocol.Frame) (resp string, exit bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("command panicked", "command", f.Command, "panic", r)
			resp, exit = protocol.FormatCommandError(f.Command, fmt.Errorf("internal error: %v", r)), false
		}
	}()

	log.Debug("command received", "command", f.Command, "args", f.Args)

	var err error
	switch f.Command {
	case protocol.CmdStartMeasurement:
		err = s.handleStart(ctx, log, f.Args)
		resp = protocol.RespMeasurementFinished
	case protocol.CmdChange:
		err = s.handleChange(log, f.Args)
		resp = protocol.RespChangeOK
	case protocol.CmdExit:
		return protocol.RespAckExit, true
	default:
		log.Info("unknown command", "command", f.Command)
		return protocol.RespUnknownCommand, false
	}

	switch {
	case errors.Is(err, errNotConfigured):
		log.Info("measurement requested before CHANGE")
		return protocol.RespEmptyArgs, false
	case err != nil:
		log.Warn("command failed", "command", f.Command, "error", err)
		return protocol.FormatCommandError(f.Command, err), false
	}
	return resp, false
}

func (s *Server) handleStart(ctx context.Context, log *slog.Logger, args string) error {
	if !s.state.Configured() {
		return errNotConfigured
	}
	zone, err := protocol.ParseZone(args)
	if err != nil {
		return err
	}
	// Probes bound themselves; shutdown waits for the running measurement.
	ctx = context.WithoutCancel(ctx)
	return s.state.With(func(cfg config.Measurement, w *dataset.Writer) error {
		row, err := s.measurer.Run(ctx, cfg, zone)
		if err != nil {
			return err
		}
		if err := w.WriteRow(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
		log.Info("row written", "path", w.Path(), "zone", zone.String())
		return nil
	})
}

func (s *Server) handleChange(log *slog.Logger, args string) error {
	cfg, err := config.ParseMeasurement(args)
	if err != nil {
		return err
	}
	w, err := dataset.Open(cfg.OutputPath(), s.owner)
	if err != nil {
		return err
	}
	if old := s.state.Replace(cfg, w); old != nil {
		if err := old.Close(); err != nil {
			log.Warn("closing previous dataset", "path", old.Path(), "error", err)
		}
	}
	log.Info("configuration changed", "iface", cfg.Iface, "target", cfg.Target,
		"iperf_addr", cfg.IperfAddr, "iperf_port", cfg.IperfPort, "out", w.Path())
	return nil
}
