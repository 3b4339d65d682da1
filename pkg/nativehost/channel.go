package nativehost

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
)

var ErrChannelClosed = errors.New("native channel closed")

// Channel is a duplex connection to a native messaging host.
type Channel interface {
	Send(msg Message) error
	Close() error
}

// Handler receives channel events. Both callbacks run on the channel's reader
// goroutine and identify the channel that produced them.
type Handler interface {
	OnMessage(ch Channel, msg Message)
	// OnDisconnect is called at most once, and never after the local side
	// called Close. err is nil for a clean end of stream.
	OnDisconnect(ch Channel, err error)
}

// Dialer opens native channels. An error means the channel could not be
// established at all; no Handler callback follows it.
type Dialer interface {
	Dial(ctx context.Context, h Handler) (Channel, error)
}

// StreamChannel speaks the native messaging framing over a reader/writer pair.
type StreamChannel struct {
	w io.WriteCloser
	h Handler

	// reap runs after the read loop ends and may replace its error, e.g. with
	// the exit status of a child process.
	reap func(readErr error) error

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	closeFn   func() error
	done      chan struct{}
}

var _ Channel = &StreamChannel{}

// NewStreamChannel starts reading frames from r and reporting them to h.
// Frames are written to w; Close closes w.
func NewStreamChannel(r io.Reader, w io.WriteCloser, h Handler) *StreamChannel {
	c := newStreamChannel(w, h, nil, nil)
	go c.readLoop(r)
	return c
}

func newStreamChannel(w io.WriteCloser, h Handler, closeFn func() error, reap func(error) error) *StreamChannel {
	if closeFn == nil {
		closeFn = w.Close
	}
	return &StreamChannel{
		w:       w,
		h:       h,
		reap:    reap,
		closed:  make(chan struct{}),
		closeFn: closeFn,
		done:    make(chan struct{}),
	}
}

func (c *StreamChannel) Send(msg Message) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteMessage(c.w, msg)
}

func (c *StreamChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.closeFn()
	})
	return err
}

// Done is closed once the read loop has finished.
func (c *StreamChannel) Done() <-chan struct{} {
	return c.done
}

func (c *StreamChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *StreamChannel) readLoop(r io.Reader) {
	defer close(c.done)
	var readErr error
	for {
		var msg Message
		if err := ReadMessage(r, &msg); err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
		if c.isClosed() {
			continue
		}
		if c.h != nil {
			c.h.OnMessage(c, msg)
		}
	}
	if c.reap != nil {
		readErr = c.reap(readErr)
	}
	if c.isClosed() || c.h == nil {
		return
	}
	c.h.OnDisconnect(c, readErr)
}
