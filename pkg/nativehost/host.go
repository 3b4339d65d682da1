package nativehost

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/socio-bridge/pkg/backendproc"
)

// Backend is the process control surface the host exposes over the channel.
type Backend interface {
	Start() (backendproc.Status, error)
	Stop() (backendproc.Status, error)
	Running() bool
}

// Host is the native messaging host side of the channel: it reads requests
// from the browser on in and answers on out.
type Host struct {
	in      io.Reader
	out     io.Writer
	backend Backend

	writeMu sync.Mutex
}

func NewHost(in io.Reader, out io.Writer, backend Backend) *Host {
	return &Host{in: in, out: out, backend: backend}
}

// Serve starts the backend, reports its status, then answers requests until
// the browser closes the stream or ctx is cancelled. The backend is stopped
// before Serve returns.
func (h *Host) Serve(ctx context.Context) error {
	if h == nil || h.backend == nil {
		return errors.New("native host is not initialized")
	}
	defer func() {
		if _, err := h.backend.Stop(); err != nil {
			log.Error().Err(err).Msg("error stopping backend")
		}
	}()

	if err := h.send(StatusMessage(toResult(h.backend.Start()))); err != nil {
		return err
	}

	type readResult struct {
		msg Message
		err error
	}
	reads := make(chan readResult)
	go func() {
		for {
			var msg Message
			err := ReadMessage(h.in, &msg)
			select {
			case reads <- readResult{msg: msg, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-reads:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					log.Info().Msg("browser closed native channel")
					return nil
				}
				return errors.Wrap(r.err, "native host read")
			}
			log.Info().Str("action", r.msg.Action).Msg("received message")
			if err := h.send(h.handle(r.msg)); err != nil {
				return err
			}
		}
	}
}

func (h *Host) handle(msg Message) Message {
	switch msg.Action {
	case ActionStartBackend:
		return StatusMessage(toResult(h.backend.Start()))
	case ActionStopBackend:
		return StatusMessage(toResult(h.backend.Stop()))
	case ActionCheckBackend:
		status := StatusStopped
		if h.backend.Running() {
			status = StatusRunning
		}
		return StatusMessage(Result{Status: status})
	default:
		return Message{Action: ActionUnknown, Message: "Unknown action"}
	}
}

func (h *Host) send(msg Message) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return WriteMessage(h.out, msg)
}

func toResult(status backendproc.Status, err error) Result {
	r := Result{Status: string(status)}
	if err != nil {
		r.Status = StatusError
		r.Message = err.Error()
	}
	return r
}
