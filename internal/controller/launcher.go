package controller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// Process is a launched worker daemon.
type Process interface {
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Wait blocks until the process exits and returns its exit error.
	Wait() error
	// Kill terminates the process without waiting.
	Kill() error
}

// Launcher starts a worker daemon that will listen on socketPath.
type Launcher interface {
	Launch(ctx context.Context, socketPath string) (Process, error)
}

// ElevatedLauncher runs "<Elevator> <Executable> worker --socket <path>"
// so the worker gets root while the caller stays unprivileged.
type ElevatedLauncher struct {
	Elevator   string // pkexec or sudo
	Executable string // defaults to the running binary
	ExtraArgs  []string
	Logger     *slog.Logger
}

func (l ElevatedLauncher) Launch(_ context.Context, socketPath string) (Process, error) {
	exe := l.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
	}
	elevator := l.Elevator
	if elevator == "" {
		elevator = "pkexec"
	}

	args := append([]string{exe, "worker", "--socket", socketPath}, l.ExtraArgs...)
	// Not bound to ctx: the worker outlives Start and is stopped with EXIT.
	cmd := exec.Command(elevator, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", elevator, err)
	}

	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("worker launched", "elevator", elevator, "pid", cmd.Process.Pid, "socket", socketPath)

	p := &cmdProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type cmdProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
	once sync.Once
}

func (p *cmdProcess) Done() <-chan struct{} { return p.done }

func (p *cmdProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *cmdProcess) Kill() error {
	var err error
	p.once.Do(func() {
		select {
		case <-p.done:
		default:
			err = p.cmd.Process.Kill()
		}
	})
	return err
}
