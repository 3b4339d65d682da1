package nativehost

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// MaxMessageSize is the largest frame accepted in either direction.
const MaxMessageSize = 1 << 20

const headerSize = 4

var ErrMessageTooLarge = errors.New("native message exceeds size limit")

// WriteMessage encodes v as JSON and writes it as a single native messaging
// frame: a 4-byte length in native byte order followed by the payload.
func WriteMessage(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal native message")
	}
	if len(payload) > MaxMessageSize {
		return errors.Wrapf(ErrMessageTooLarge, "outgoing frame of %d bytes", len(payload))
	}
	frame := make([]byte, headerSize+len(payload))
	binary.NativeEndian.PutUint32(frame[:headerSize], uint32(len(payload)))
	copy(frame[headerSize:], payload)
	if _, err := w.Write(frame); err != nil {
		return errors.Wrap(err, "write native message")
	}
	return nil
}

// ReadMessage reads one frame from r and decodes it into v. It returns io.EOF
// unwrapped when the stream ends cleanly between frames.
func ReadMessage(r io.Reader, v any) error {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return errors.Wrap(err, "read native message header")
	}
	n := binary.NativeEndian.Uint32(header[:])
	if n > MaxMessageSize {
		return errors.Wrapf(ErrMessageTooLarge, "incoming frame of %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return errors.Wrap(err, "read native message payload")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return errors.Wrap(err, "decode native message")
	}
	return nil
}
