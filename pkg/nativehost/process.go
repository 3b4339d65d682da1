package nativehost

import (
	"context"
	"os/exec"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultKillGrace = 2 * time.Second

// ProcessDialer launches the native messaging host as a child process and
// talks to it over its stdin/stdout, the way a browser does.
type ProcessDialer struct {
	// Command is the host executable followed by its arguments.
	Command []string
	// Origin is appended as the last argument, mirroring the caller origin
	// browsers pass to native hosts. Optional.
	Origin string
	Dir    string
	Env    []string
	// KillGrace is how long Close waits for the host to exit after its stdin
	// is closed before killing it.
	KillGrace time.Duration
}

var _ Dialer = &ProcessDialer{}

func (d *ProcessDialer) Dial(ctx context.Context, h Handler) (Channel, error) {
	if d == nil || len(d.Command) == 0 {
		return nil, errors.New("native host command is empty")
	}
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := append([]string{}, d.Command[1:]...)
	if d.Origin != "" {
		args = append(args, d.Origin)
	}
	cmd := exec.Command(d.Command[0], args...)
	cmd.Dir = d.Dir
	if len(d.Env) > 0 {
		cmd.Env = d.Env
	}
	cmd.Stderr = log.With().Str("component", "native-host").Str("stream", "stderr").Logger()
	cmd.WaitDelay = time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "native host stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, errors.Wrap(err, "native host stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, errors.Wrapf(err, "start native host %q", d.Command[0])
	}

	grace := d.KillGrace
	if grace <= 0 {
		grace = defaultKillGrace
	}
	exited := make(chan struct{})
	pid := cmd.Process.Pid

	closeFn := func() error {
		err := stdin.Close()
		go func() {
			select {
			case <-exited:
			case <-time.After(grace):
				log.Warn().Str("component", "native-host").Int("pid", pid).Msg("native host did not exit, killing")
				_ = cmd.Process.Kill()
			}
		}()
		return err
	}
	reap := func(readErr error) error {
		waitErr := cmd.Wait()
		close(exited)
		if readErr != nil {
			return readErr
		}
		if waitErr != nil {
			return errors.Wrap(waitErr, "native host exited")
		}
		return nil
	}

	c := newStreamChannel(stdin, h, closeFn, reap)
	go c.readLoop(stdout)

	log.Debug().Str("component", "native-host").Int("pid", pid).Strs("command", d.Command).Msg("native host started")
	return c, nil
}
