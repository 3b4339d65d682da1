// Package liveness decides whether the local moderation backend is running.
//
// A Coordinator owns the State and drives two independent detection paths:
// the native messaging host channel (with backoff reconnects) and a
// fixed-interval HTTP probe. All state mutations happen on the goroutine
// running Coordinator.Run; callbacks from channels, timers and probes are
// posted into that goroutine as events.
package liveness

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/socio-bridge/pkg/nativehost"
	"github.com/go-go-golems/socio-bridge/pkg/probe"
)

// ProbeInterval is the fixed delay between HTTP health probes.
const ProbeInterval = 30 * time.Second

var (
	ErrStopped        = errors.New("liveness coordinator stopped")
	ErrAlreadyRunning = errors.New("liveness coordinator already running")
)

// FanOut receives every backend status change. Implementations deliver to
// their subscribers best-effort; an error is logged and otherwise ignored.
type FanOut interface {
	BackendStatusChanged(ctx context.Context, running bool) error
}

// Notifier surfaces the one-shot "backend not running" message to the user.
type Notifier interface {
	NotifyBackendUnavailable(ctx context.Context) error
}

type Config struct {
	Dialer   nativehost.Dialer
	Prober   probe.Prober
	FanOut   FanOut
	Notifier Notifier
	// Clock defaults to RealClock.
	Clock Clock
	// ProbeInterval defaults to ProbeInterval.
	ProbeInterval time.Duration
}

type Coordinator struct {
	dialer        nativehost.Dialer
	prober        probe.Prober
	fanout        FanOut
	notifier      Notifier
	clock         Clock
	probeInterval time.Duration
	log           zerolog.Logger

	events  chan func()
	done    chan struct{}
	running atomic.Bool

	// Everything below is owned by the Run goroutine.
	ctx          context.Context
	state        State
	channel      nativehost.Channel
	reconnect    Timer
	reconnectGen uint64
	poll         Timer
	pollGen      uint64
	polling      bool
	probing      bool
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Prober == nil {
		return nil, errors.New("liveness: prober is required")
	}
	if cfg.FanOut == nil {
		return nil, errors.New("liveness: fan-out is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = ProbeInterval
	}
	return &Coordinator{
		dialer:        cfg.Dialer,
		prober:        cfg.Prober,
		fanout:        cfg.FanOut,
		notifier:      cfg.Notifier,
		clock:         cfg.Clock,
		probeInterval: cfg.ProbeInterval,
		log:           log.With().Str("component", "liveness").Logger(),
		events:        make(chan func(), 64),
		done:          make(chan struct{}),
		ctx:           context.Background(),
	}, nil
}

// Run connects to the native host and processes events until ctx is done.
// Pending timers are cancelled and the channel is closed before it returns.
func (c *Coordinator) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.done)

	c.ctx = ctx
	c.connect()

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			return nil
		case fn := <-c.events:
			fn()
		}
	}
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot(ctx context.Context) (State, error) {
	var s State
	err := c.do(ctx, func() { s = c.state })
	return s, err
}

// Connect attempts to open the native channel if none is open.
func (c *Coordinator) Connect(ctx context.Context) (bool, error) {
	var ok bool
	err := c.do(ctx, func() { ok = c.connect() })
	return ok, err
}

// StartBackend asks the native host to start the backend, connecting first
// if needed. It reports whether the request was sent, not whether the
// backend came up.
func (c *Coordinator) StartBackend(ctx context.Context) (bool, error) {
	var ok bool
	err := c.do(ctx, func() { ok = c.startBackend() })
	return ok, err
}

// CheckBackendStatus requests a fresh status from the native host when a
// channel is open and returns the state as currently known.
func (c *Coordinator) CheckBackendStatus(ctx context.Context) (State, error) {
	var s State
	err := c.do(ctx, func() {
		if c.channel != nil {
			c.send(nativehost.Message{Action: nativehost.ActionCheckBackend})
		}
		s = c.state
	})
	return s, err
}

// ProbeNow triggers the HTTP prober, starting the poll loop if it is idle.
func (c *Coordinator) ProbeNow(ctx context.Context) error {
	return c.do(ctx, c.startProbing)
}

func (c *Coordinator) post(ctx context.Context, fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Coordinator) do(ctx context.Context, fn func()) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	finished := make(chan struct{})
	if !c.post(ctx, func() {
		defer close(finished)
		fn()
	}) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

func (c *Coordinator) connect() bool {
	if c.channel != nil {
		return true
	}
	if c.dialer == nil {
		c.log.Debug().Msg("no native host configured, relying on HTTP checks")
		c.startProbing()
		return false
	}
	if c.state.NativeGivenUp() {
		c.log.Info().Uint("attempts", c.state.FailedAttempts).
			Msg("too many failed attempts to connect to native host, using direct backend checks")
		return false
	}

	c.log.Debug().Msg("connecting to native messaging host")
	ch, err := c.dialer.Dial(c.ctx, channelEvents{c: c})
	if err != nil {
		c.channel = nil
		c.state.HostConnected = false
		c.state.FailedAttempts++
		c.log.Warn().Err(err).Uint("attempt", c.state.FailedAttempts).Msg("error connecting to native host")
		c.startProbing()
		return false
	}
	c.channel = ch
	c.send(nativehost.Message{Action: nativehost.ActionCheckBackend})
	return true
}

func (c *Coordinator) startBackend() bool {
	if c.channel == nil && !c.connect() {
		c.log.Error().Msg("cannot start backend: native host not connected")
		return false
	}
	c.log.Info().Msg("requesting backend start")
	c.send(nativehost.Message{Action: nativehost.ActionStartBackend})
	return true
}

// send failures are not acted upon; a broken channel reports a disconnect.
func (c *Coordinator) send(msg nativehost.Message) {
	if err := c.channel.Send(msg); err != nil {
		c.log.Warn().Err(err).Str("action", msg.Action).Msg("native host send failed")
	}
}

func (c *Coordinator) onChannelMessage(ch nativehost.Channel, msg nativehost.Message) {
	if ch != c.channel {
		return
	}
	c.state.FailedAttempts = 0
	if !msg.IsBackendStatus() {
		c.log.Debug().Str("action", msg.Action).Str("message", msg.Message).Msg("ignoring native host message")
		return
	}
	c.state.BackendRunning = msg.BackendRunning()
	c.state.HostConnected = true
	c.log.Info().Bool("running", c.state.BackendRunning).Msg("backend status updated")
	c.broadcast(c.state.BackendRunning)
}

func (c *Coordinator) onChannelDisconnect(ch nativehost.Channel, cause error) {
	if ch != c.channel {
		return
	}
	_ = ch.Close()
	c.channel = nil
	c.state.HostConnected = false
	c.state.BackendRunning = false
	c.state.FailedAttempts++

	delay := Delay(c.state.FailedAttempts)
	c.log.Info().Err(cause).Uint("attempt", c.state.FailedAttempts).Dur("delay", delay).
		Msg("native host disconnected, scheduling reconnect")

	c.broadcast(false)
	c.scheduleReconnect(delay)
	c.startProbing()
}

func (c *Coordinator) scheduleReconnect(delay time.Duration) {
	if c.reconnect != nil {
		c.reconnect.Stop()
	}
	c.reconnectGen++
	gen := c.reconnectGen
	c.reconnect = c.clock.AfterFunc(delay, func() {
		c.post(context.Background(), func() {
			if gen != c.reconnectGen {
				return
			}
			c.reconnect = nil
			c.connect()
		})
	})
}

// startProbing keeps a single poll loop alive. If the loop is already
// waiting for its next tick, the tick is pulled forward to now.
func (c *Coordinator) startProbing() {
	c.polling = true
	if c.probing {
		return
	}
	c.stopPoll()
	c.probeOnce()
}

func (c *Coordinator) probeOnce() {
	c.probing = true
	ctx := c.ctx
	go func() {
		res, err := c.prober.Probe(ctx)
		c.post(context.Background(), func() { c.onProbeResult(res, err) })
	}()
}

func (c *Coordinator) onProbeResult(res probe.Result, err error) {
	c.probing = false
	if c.ctx.Err() != nil {
		return
	}

	if err == nil {
		c.log.Debug().Dur("latency", res.Latency).Msg("backend is running (direct check)")
		if c.state.HostConnected {
			c.log.Debug().Msg("native host connected, keeping its status")
		} else {
			c.state.BackendRunning = true
			c.broadcast(true)
		}
	} else {
		c.log.Debug().Err(err).Msg("backend is not running (direct check)")
		if !c.state.HostConnected && c.state.BackendRunning {
			c.state.BackendRunning = false
			c.broadcast(false)
		}
		if !c.state.NotifiedUnavailable {
			c.state.NotifiedUnavailable = true
			c.notifyUnavailable()
		}
	}

	if c.polling {
		c.schedulePoll()
	}
}

func (c *Coordinator) schedulePoll() {
	c.stopPoll()
	c.pollGen++
	gen := c.pollGen
	c.poll = c.clock.AfterFunc(c.probeInterval, func() {
		c.post(context.Background(), func() {
			if gen != c.pollGen {
				return
			}
			c.poll = nil
			if !c.probing {
				c.probeOnce()
			}
		})
	})
}

func (c *Coordinator) stopPoll() {
	if c.poll != nil {
		c.poll.Stop()
		c.poll = nil
	}
	c.pollGen++
}

func (c *Coordinator) broadcast(running bool) {
	if err := c.fanout.BackendStatusChanged(c.ctx, running); err != nil {
		c.log.Warn().Err(err).Bool("running", running).Msg("status fan-out failed")
	}
}

func (c *Coordinator) notifyUnavailable() {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.NotifyBackendUnavailable(c.ctx); err != nil {
		c.log.Warn().Err(err).Msg("backend unavailable notification failed")
	}
}

func (c *Coordinator) teardown() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.reconnectGen++
	c.stopPoll()
	c.polling = false
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.log.Debug().Err(err).Msg("closing native channel")
		}
		c.channel = nil
	}
	c.state.HostConnected = false
	c.log.Info().Msg("liveness coordinator stopped")
}

// channelEvents forwards native channel callbacks into the Run goroutine.
type channelEvents struct {
	c *Coordinator
}

func (e channelEvents) OnMessage(ch nativehost.Channel, msg nativehost.Message) {
	e.c.post(context.Background(), func() { e.c.onChannelMessage(ch, msg) })
}

func (e channelEvents) OnDisconnect(ch nativehost.Channel, err error) {
	e.c.post(context.Background(), func() { e.c.onChannelDisconnect(ch, err) })
}
