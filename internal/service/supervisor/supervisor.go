package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

var ErrNoFreePort = errors.New("no free port in range")

// AllocatePort returns the first port in [min, max] that can be bound on the
// loopback interface. The listener is released before returning, so the
// caller should hand the port to its owner promptly.
func AllocatePort(min, max int) (int, error) {
	if min > max {
		return 0, fmt.Errorf("invalid port range %d-%d", min, max)
	}
	for port := min; port <= max; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			continue
		}
		_ = ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("%w %d-%d", ErrNoFreePort, min, max)
}

// CommandFunc builds the child command for the given port. It is called for
// every (re)start because an exec.Cmd can only run once.
type CommandFunc func(port int) *exec.Cmd

// Config controls the supervisor.
type Config struct {
	Port         int
	RestartDelay time.Duration
	StopTimeout  time.Duration
}

// Supervisor keeps one child process running until its context ends.
type Supervisor struct {
	cfg      Config
	command  CommandFunc
	logger   *zap.Logger
	restarts atomic.Int64
}

// New returns a supervisor for the child built by command.
func New(cfg Config, command CommandFunc, logger *zap.Logger) *Supervisor {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Supervisor{cfg: cfg, command: command, logger: logger}
}

// Port is the port the child was given.
func (s *Supervisor) Port() int { return s.cfg.Port }

// Restarts reports how many times the child has been restarted.
func (s *Supervisor) Restarts() int64 { return s.restarts.Load() }

// Run starts the child and restarts it whenever it exits, until ctx is
// cancelled. On cancellation the child gets SIGTERM, then SIGKILL after
// StopTimeout. Run returns nil after a clean shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.logger.Error("child process exited", zap.Int("port", s.cfg.Port), zap.Error(err))
		} else {
			s.logger.Warn("child process exited unexpectedly", zap.Int("port", s.cfg.Port))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.RestartDelay):
		}
		s.restarts.Add(1)
		s.logger.Info("restarting child process", zap.Int("port", s.cfg.Port), zap.Int64("restarts", s.restarts.Load()))
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	cmd := s.command(s.cfg.Port)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	s.logger.Info("child process started", zap.Int("pid", cmd.Process.Pid), zap.Int("port", s.cfg.Port))

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("stopping child process", zap.Int("pid", cmd.Process.Pid))
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Warn("child did not stop in time, killing", zap.Int("pid", cmd.Process.Pid))
		_ = cmd.Process.Kill()
		<-done
	}
	return nil
}
