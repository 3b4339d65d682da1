// Package backendproc supervises the local moderation backend process on
// behalf of the native messaging host.
package backendproc

import (
	"bytes"
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Status string

const (
	StatusStarted        Status = "started"
	StatusAlreadyRunning Status = "already_running"
	StatusStopped        Status = "stopped"
	StatusNotRunning     Status = "not_running"
	StatusError          Status = "error"
)

const (
	DefaultStopTimeout  = 5 * time.Second
	DefaultRestartDelay = 5 * time.Second
	stderrTailSize      = 4096
	waitDelay           = time.Second
)

type Config struct {
	Command      []string
	Dir          string
	Env          []string
	StopTimeout  time.Duration
	RestartDelay time.Duration
}

// Supervisor starts and stops one backend process and restarts it when it
// exits without being asked to.
type Supervisor struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	exited  chan struct{}
	stopped bool
	restart *time.Timer
	starts  int
}

func NewSupervisor(cfg Config) (*Supervisor, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("backend command is empty")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	return &Supervisor{
		cfg: cfg,
		log: log.With().Str("component", "backend").Logger(),
	}, nil
}

func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

// Starts returns how many times the backend process has been launched.
func (s *Supervisor) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

func (s *Supervisor) Start() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		s.log.Info().Msg("backend is already running")
		return StatusAlreadyRunning, nil
	}
	s.stopped = false
	if err := s.startLocked(); err != nil {
		s.log.Error().Err(err).Msg("error starting backend")
		return StatusError, err
	}
	return StatusStarted, nil
}

func (s *Supervisor) startLocked() error {
	if s.restart != nil {
		s.restart.Stop()
		s.restart = nil
	}
	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Dir = s.cfg.Dir
	if len(s.cfg.Env) > 0 {
		cmd.Env = s.cfg.Env
	}
	stderr := &tailBuffer{max: stderrTailSize}
	cmd.Stderr = stderr
	// Grandchildren holding stderr open must not block Wait.
	cmd.WaitDelay = waitDelay
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "start backend %q", s.cfg.Command[0])
	}
	exited := make(chan struct{})
	s.cmd = cmd
	s.exited = exited
	s.starts++
	s.log.Info().Int("pid", cmd.Process.Pid).Strs("command", s.cfg.Command).Msg("backend started")
	go s.monitor(cmd, exited, stderr)
	return nil
}

func (s *Supervisor) monitor(cmd *exec.Cmd, exited chan struct{}, stderr *tailBuffer) {
	err := cmd.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	// Waiters see the updated state once exited is closed.
	defer close(exited)
	if s.cmd != cmd {
		return
	}
	s.cmd = nil
	s.exited = nil
	if s.stopped {
		return
	}
	s.log.Warn().Err(err).Str("stderr", stderr.String()).Dur("restart_in", s.cfg.RestartDelay).
		Msg("backend process has terminated unexpectedly")
	s.restart = time.AfterFunc(s.cfg.RestartDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.restart = nil
		if s.stopped || s.cmd != nil {
			return
		}
		if err := s.startLocked(); err != nil {
			s.log.Error().Err(err).Msg("backend restart failed")
		}
	})
}

// Stop terminates the backend, escalating to a kill after StopTimeout.
func (s *Supervisor) Stop() (Status, error) {
	s.mu.Lock()
	s.stopped = true
	if s.restart != nil {
		s.restart.Stop()
		s.restart = nil
	}
	cmd, exited := s.cmd, s.exited
	s.mu.Unlock()

	if cmd == nil {
		s.log.Info().Msg("backend is not running")
		return StatusNotRunning, nil
	}
	if err := terminate(cmd); err != nil {
		s.log.Debug().Err(err).Msg("terminate signal failed, killing")
		_ = cmd.Process.Kill()
	}
	select {
	case <-exited:
	case <-time.After(s.cfg.StopTimeout):
		_ = cmd.Process.Kill()
		select {
		case <-exited:
		case <-time.After(s.cfg.StopTimeout):
			return StatusError, errors.New("backend did not exit after kill")
		}
	}
	s.log.Info().Msg("backend stopped")
	return StatusStopped, nil
}

// Wait blocks until the current backend process exits or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()
	if exited == nil {
		return nil
	}
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
