package liveness

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/socio-bridge/pkg/nativehost"
	"github.com/go-go-golems/socio-bridge/pkg/probe"
)

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (c *fakeClock) fire(t *fakeTimer) {
	c.mu.Lock()
	if t.stopped || t.fired {
		c.mu.Unlock()
		return
	}
	t.fired = true
	c.mu.Unlock()
	t.f()
}

type fakeChannel struct {
	mu     sync.Mutex
	sent   []nativehost.Message
	closed bool
}

func (ch *fakeChannel) Send(msg nativehost.Message) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nativehost.ErrChannelClosed
	}
	ch.sent = append(ch.sent, msg)
	return nil
}

func (ch *fakeChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closed = true
	return nil
}

func (ch *fakeChannel) actions() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]string, 0, len(ch.sent))
	for _, m := range ch.sent {
		out = append(out, m.Action)
	}
	return out
}

func (ch *fakeChannel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	err      error
	dials    int
	channels []*fakeChannel
	handler  nativehost.Handler
}

func (d *fakeDialer) Dial(_ context.Context, h nativehost.Handler) (nativehost.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.handler = h
	if d.err != nil {
		return nil, d.err
	}
	ch := &fakeChannel{}
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		return nil
	}
	return d.channels[len(d.channels)-1]
}

func (d *fakeDialer) message(ch nativehost.Channel, msg nativehost.Message) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	h.OnMessage(ch, msg)
}

func (d *fakeDialer) disconnect(ch nativehost.Channel, err error) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	h.OnDisconnect(ch, err)
}

type fakeProber struct {
	mu    sync.Mutex
	calls int
	err   error
	block bool
}

func (p *fakeProber) Probe(ctx context.Context) (probe.Result, error) {
	p.mu.Lock()
	p.calls++
	block, err := p.block, p.err
	p.mu.Unlock()
	if block {
		<-ctx.Done()
		return probe.Result{}, ctx.Err()
	}
	return probe.Result{URL: "fake"}, err
}

func (p *fakeProber) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type recordingFanOut struct {
	mu     sync.Mutex
	values []bool
}

func (f *recordingFanOut) BackendStatusChanged(_ context.Context, running bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values = append(f.values, running)
	return nil
}

func (f *recordingFanOut) got() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.values...)
}

type countingNotifier struct {
	mu    sync.Mutex
	count int
}

func (n *countingNotifier) NotifyBackendUnavailable(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count++
	return nil
}

func (n *countingNotifier) calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.count
}

type harness struct {
	t        *testing.T
	c        *Coordinator
	dialer   *fakeDialer
	prober   *fakeProber
	clock    *fakeClock
	fanout   *recordingFanOut
	notifier *countingNotifier
	cancel   context.CancelFunc
	errCh    chan error
	stopOnce sync.Once
}

func newHarness(t *testing.T, dialer *fakeDialer, prober *fakeProber) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		dialer:   dialer,
		prober:   prober,
		clock:    &fakeClock{},
		fanout:   &recordingFanOut{},
		notifier: &countingNotifier{},
		errCh:    make(chan error, 1),
	}
	cfg := Config{
		Prober:   prober,
		FanOut:   h.fanout,
		Notifier: h.notifier,
		Clock:    h.clock,
	}
	if dialer != nil {
		cfg.Dialer = dialer
	}
	c, err := New(cfg)
	require.NoError(t, err)
	h.c = c

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errCh <- c.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		select {
		case err := <-h.errCh:
			require.NoError(h.t, err)
		case <-time.After(2 * time.Second):
			h.t.Fatal("coordinator did not stop")
		}
	})
}

func (h *harness) snapshot() State {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := h.c.Snapshot(ctx)
	require.NoError(h.t, err)
	return s
}

func (h *harness) set(fn func(s *State)) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(h.t, h.c.do(ctx, func() { fn(&h.c.state) }))
}

func running(status string) nativehost.Message {
	return nativehost.StatusMessage(nativehost.Result{Status: status})
}

func TestConnectSendsCheckBackend(t *testing.T) {
	h := newHarness(t, &fakeDialer{}, &fakeProber{block: true})

	s := h.snapshot()
	require.Equal(t, 1, h.dialer.dialCount())
	require.Equal(t, []string{nativehost.ActionCheckBackend}, h.dialer.last().actions())
	require.False(t, s.HostConnected, "connected only after the host answers")
	require.Equal(t, uint(0), s.FailedAttempts)
}

func TestChannelMessageUpdatesStatus(t *testing.T) {
	h := newHarness(t, &fakeDialer{}, &fakeProber{block: true})
	h.snapshot()
	ch := h.dialer.last()

	for _, tc := range []struct {
		status string
		want   bool
	}{
		{nativehost.StatusRunning, true},
		{nativehost.StatusStopped, false},
		{nativehost.StatusStarted, true},
		{nativehost.StatusError, false},
		{nativehost.StatusAlreadyRunning, true},
	} {
		h.dialer.message(ch, running(tc.status))
		s := h.snapshot()
		require.Equal(t, tc.want, s.BackendRunning, tc.status)
		require.True(t, s.HostConnected)
	}
	require.Equal(t, []bool{true, false, true, false, true}, h.fanout.got())
}

func TestChannelMessageResetsFailedAttempts(t *testing.T) {
	h := newHarness(t, &fakeDialer{}, &fakeProber{block: true})
	h.snapshot()
	h.set(func(s *State) { s.FailedAttempts = 5 })

	h.dialer.message(h.dialer.last(), running(nativehost.StatusRunning))

	s := h.snapshot()
	require.True(t, s.BackendRunning)
	require.True(t, s.HostConnected)
	require.Equal(t, uint(0), s.FailedAttempts)
}

func TestNonStatusMessageOnlyResetsAttempts(t *testing.T) {
	h := newHarness(t, &fakeDialer{}, &fakeProber{block: true})
	h.snapshot()
	h.set(func(s *State) { s.FailedAttempts = 2 })

	h.dialer.message(h.dialer.last(), nativehost.Message{Action: nativehost.ActionUnknown, Message: "Unknown action"})

	s := h.snapshot()
	require.Equal(t, uint(0), s.FailedAttempts)
	require.False(t, s.HostConnected)
	require.Empty(t, h.fanout.got())
}

func TestDisconnectFansOutOnceAndSchedulesOneReconnect(t *testing.T) {
	h := newHarness(t, &fakeDialer{}, &fakeProber{block: true})
	h.snapshot()
	ch := h.dialer.last()
	h.dialer.message(ch, running(nativehost.StatusRunning))
	h.snapshot()

	h.dialer.disconnect(ch, io.ErrUnexpectedEOF)

	s := h.snapshot()
	require.False(t, s.BackendRunning)
	require.False(t, s.HostConnected)
	require.Equal(t, uint(1), s.FailedAttempts)
	require.Equal(t, []bool{true, false}, h.fanout.got())
	require.True(t, ch.isClosed())

	timers := h.clock.pending()
	require.Len(t, timers, 1)
	require.Equal(t, 5*time.Second, timers[0].d)

	require.Eventually(t, func() bool { return h.prober.callCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStaleChannelEventsAreIgnored(t *testing.T) {
	h := newHarness(t, &fakeDialer{}, &fakeProber{block: true})
	h.snapshot()
	first := h.dialer.last()

	h.dialer.disconnect(first, nil)
	h.snapshot()
	h.clock.fire(h.clock.pending()[0])
	h.snapshot()
	second := h.dialer.last()
	require.NotSame(t, first, second)

	h.dialer.message(first, running(nativehost.StatusRunning))
	h.dialer.disconnect(first, nil)

	s := h.snapshot()
	require.False(t, s.BackendRunning)
	require.Equal(t, uint(1), s.FailedAttempts)
	require.Len(t, h.clock.pending(), 0)
}

func TestConsecutiveDisconnectsBackOffThenGiveUp(t *testing.T) {
	h := newHarness(t, &fakeDialer{}, &fakeProber{block: true})
	h.snapshot()

	wantDelays := []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second, 20 * time.Second}
	for i, want := range wantDelays {
		attempt := uint(i + 1)
		h.dialer.disconnect(h.dialer.last(), io.EOF)

		s := h.snapshot()
		require.Equal(t, attempt, s.FailedAttempts)

		timers := h.clock.pending()
		require.Len(t, timers, 1, "attempt %d", attempt)
		require.Equal(t, want, timers[0].d, "attempt %d", attempt)

		h.clock.fire(timers[0])
		h.snapshot()

		wantDials := i + 2
		if attempt > MaxFailedAttempts {
			wantDials = i + 1
		}
		require.Equal(t, wantDials, h.dialer.dialCount(), "attempt %d", attempt)
	}

	s := h.snapshot()
	require.True(t, s.NativeGivenUp())

	ok, err := h.c.Connect(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 4, h.dialer.dialCount())

	// one fallback poll loop for all four disconnects
	require.Eventually(t, func() bool { return h.prober.callCount() == 1 }, time.Second, 5*time.Millisecond)
}

func (c *fakeClock) pendingFor(d time.Duration) []*fakeTimer {
	var out []*fakeTimer
	for _, t := range c.pending() {
		if t.d == d {
			out = append(out, t)
		}
	}
	return out
}

func TestPollingContinuesAfterNativeGivesUp(t *testing.T) {
	h := newHarness(t, &fakeDialer{}, &fakeProber{err: errors.New("connection refused")})
	h.snapshot()

	for i, delay := range []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second, 20 * time.Second} {
		h.dialer.disconnect(h.dialer.last(), io.EOF)
		h.snapshot()
		reconnects := h.clock.pendingFor(delay)
		require.Len(t, reconnects, 1, "disconnect %d", i+1)
		h.clock.fire(reconnects[0])
		h.snapshot()
	}
	require.True(t, h.snapshot().NativeGivenUp())
	require.Equal(t, 4, h.dialer.dialCount())

	for tick := 0; tick < 3; tick++ {
		var polls []*fakeTimer
		require.Eventually(t, func() bool {
			polls = h.clock.pendingFor(ProbeInterval)
			return len(polls) == 1
		}, time.Second, 5*time.Millisecond, "tick %d", tick)

		before := h.prober.callCount()
		h.clock.fire(polls[0])
		require.Eventually(t, func() bool { return h.prober.callCount() == before+1 }, time.Second, 5*time.Millisecond)
	}

	require.Equal(t, 4, h.dialer.dialCount())
	require.False(t, h.snapshot().BackendRunning)
	require.Equal(t, 1, h.notifier.calls())
}

func TestDialErrorCountsAsFailedAttempt(t *testing.T) {
	h := newHarness(t, &fakeDialer{err: errors.New("host not found")}, &fakeProber{block: true})

	s := h.snapshot()
	require.Equal(t, uint(1), s.FailedAttempts)
	require.False(t, s.HostConnected)
	require.Len(t, h.clock.pending(), 0, "open failures do not schedule reconnects")
	require.Eventually(t, func() bool { return h.prober.callCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestConnectSkippedPastThreshold(t *testing.T) {
	h := newHarness(t, &fakeDialer{err: errors.New("host not found")}, &fakeProber{block: true})
	h.snapshot()

	h.set(func(s *State) { s.FailedAttempts = MaxFailedAttempts })
	ok, err := h.c.Connect(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 2, h.dialer.dialCount())

	s := h.snapshot()
	require.Equal(t, uint(MaxFailedAttempts+1), s.FailedAttempts)

	ok, err = h.c.Connect(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 2, h.dialer.dialCount())
}

func TestStartBackend(t *testing.T) {
	h := newHarness(t, &fakeDialer{}, &fakeProber{block: true})
	h.snapshot()

	ok, err := h.c.StartBackend(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{nativehost.ActionCheckBackend, nativehost.ActionStartBackend}, h.dialer.last().actions())
}

func TestStartBackendConnectsFirst(t *testing.T) {
	h := newHarness(t, &fakeDialer{}, &fakeProber{block: true})
	h.snapshot()
	h.dialer.disconnect(h.dialer.last(), nil)
	h.snapshot()

	ok, err := h.c.StartBackend(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, h.dialer.dialCount())
	require.Equal(t, []string{nativehost.ActionCheckBackend, nativehost.ActionStartBackend}, h.dialer.last().actions())
}

func TestStartBackendFailsWithoutHost(t *testing.T) {
	h := newHarness(t, &fakeDialer{err: errors.New("host not found")}, &fakeProber{block: true})
	h.snapshot()

	ok, err := h.c.StartBackend(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckBackendStatus(t *testing.T) {
	h := newHarness(t, &fakeDialer{}, &fakeProber{block: true})
	h.snapshot()
	h.dialer.message(h.dialer.last(), running(nativehost.StatusRunning))

	s, err := h.c.CheckBackendStatus(context.Background())
	require.NoError(t, err)
	require.True(t, s.BackendRunning)
	require.True(t, s.HostConnected)
	require.Equal(t, []string{nativehost.ActionCheckBackend, nativehost.ActionCheckBackend}, h.dialer.last().actions())
}

func TestProbeFailureNotifiesOnce(t *testing.T) {
	prober := &fakeProber{err: errors.Wrap(probe.ErrUnhealthy, "connection refused")}
	h := newHarness(t, nil, prober)

	var last *fakeTimer
	for i := 0; i < 11; i++ {
		require.Eventually(t, func() bool {
			p := h.clock.pending()
			return len(p) == 1 && p[0] != last
		}, time.Second, 5*time.Millisecond, "poll %d", i)
		last = h.clock.pending()[0]
		require.Equal(t, ProbeInterval, last.d)
		h.clock.fire(last)
	}

	require.Eventually(t, func() bool { return prober.callCount() == 12 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, h.notifier.calls())

	s := h.snapshot()
	require.True(t, s.NotifiedUnavailable)
	require.False(t, s.BackendRunning)
	require.Empty(t, h.fanout.got(), "status did not change")
}

func TestProbeSuccessFansOutWithoutHost(t *testing.T) {
	h := newHarness(t, nil, &fakeProber{})

	require.Eventually(t, func() bool { return len(h.fanout.got()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []bool{true}, h.fanout.got())
	s := h.snapshot()
	require.True(t, s.BackendRunning)
	require.Equal(t, 0, h.notifier.calls())
}

func TestProbeDoesNotOverrideConnectedHost(t *testing.T) {
	h := newHarness(t, &fakeDialer{}, &fakeProber{})
	h.snapshot()
	h.dialer.message(h.dialer.last(), running(nativehost.StatusStopped))
	h.snapshot()

	require.NoError(t, h.c.ProbeNow(context.Background()))
	require.Eventually(t, func() bool { return len(h.clock.pending()) == 1 }, time.Second, 5*time.Millisecond)

	s := h.snapshot()
	require.False(t, s.BackendRunning)
	require.Equal(t, []bool{false}, h.fanout.got())
}

func TestProbeNowReusesPollLoop(t *testing.T) {
	prober := &fakeProber{err: probe.ErrUnhealthy}
	h := newHarness(t, nil, prober)
	require.Eventually(t, func() bool { return len(h.clock.pending()) == 1 }, time.Second, 5*time.Millisecond)
	first := h.clock.pending()[0]

	require.NoError(t, h.c.ProbeNow(context.Background()))
	require.Eventually(t, func() bool {
		p := h.clock.pending()
		return len(p) == 1 && p[0] != first
	}, time.Second, 5*time.Millisecond)

	require.True(t, first.stopped)
	require.Equal(t, 2, prober.callCount())
}

func TestTeardownCancelsTimers(t *testing.T) {
	h := newHarness(t, &fakeDialer{}, &fakeProber{block: true})
	h.snapshot()
	ch := h.dialer.last()
	h.dialer.disconnect(ch, nil)
	h.snapshot()
	h.clock.fire(h.clock.pending()[0])
	h.snapshot()
	reconnected := h.dialer.last()
	h.dialer.disconnect(reconnected, nil)
	h.snapshot()
	pending := h.clock.pending()
	require.Len(t, pending, 1)

	h.stop()

	require.True(t, pending[0].stopped)
	require.Len(t, h.clock.pending(), 0)

	_, err := h.c.Snapshot(context.Background())
	require.ErrorIs(t, err, ErrStopped)
}

func TestTeardownClosesChannel(t *testing.T) {
	h := newHarness(t, &fakeDialer{}, &fakeProber{block: true})
	h.snapshot()
	ch := h.dialer.last()

	h.stop()

	require.True(t, ch.isClosed())
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t, &fakeDialer{}, &fakeProber{block: true})
	h.snapshot()
	require.ErrorIs(t, h.c.Run(context.Background()), ErrAlreadyRunning)
}
