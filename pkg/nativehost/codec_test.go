package nativehost

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := StatusMessage(Result{Status: StatusAlreadyRunning})
	require.NoError(t, WriteMessage(&buf, in))
	require.NoError(t, WriteMessage(&buf, Message{Action: ActionCheckBackend}))

	var out Message
	require.NoError(t, ReadMessage(&buf, &out))
	require.Equal(t, in, out)
	require.True(t, out.BackendRunning())

	var next Message
	require.NoError(t, ReadMessage(&buf, &next))
	require.Equal(t, Message{Action: ActionCheckBackend}, next)

	var last Message
	require.Equal(t, io.EOF, ReadMessage(&buf, &last))
}

func TestFrameHeaderIsNativeOrderLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Message{Action: ActionCheckBackend}))
	raw := buf.Bytes()
	payload := `{"action":"check_backend"}`
	require.Equal(t, uint32(len(payload)), binary.NativeEndian.Uint32(raw[:4]))
	require.Equal(t, payload, string(raw[4:]))
}

func TestReadRejectsOversizedFrame(t *testing.T) {
	var header [4]byte
	binary.NativeEndian.PutUint32(header[:], MaxMessageSize+1)
	var out Message
	err := ReadMessage(bytes.NewReader(header[:]), &out)
	require.True(t, errors.Is(err, ErrMessageTooLarge))
}

func TestWriteRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	err := WriteMessage(&buf, Message{Action: ActionUnknown, Message: strings.Repeat("x", MaxMessageSize)})
	require.True(t, errors.Is(err, ErrMessageTooLarge))
	require.Zero(t, buf.Len())
}

func TestReadTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Message{Action: ActionCheckBackend}))
	truncated := buf.Bytes()[:buf.Len()-3]

	var out Message
	err := ReadMessage(bytes.NewReader(truncated), &out)
	require.Error(t, err)
	require.NotEqual(t, io.EOF, err)
	require.True(t, errors.Is(err, io.ErrUnexpectedEOF))

	err = ReadMessage(bytes.NewReader([]byte{1, 0}), &out)
	require.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestReadInvalidJSON(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.NativeEndian.PutUint32(header[:], 3)
	buf.Write(header[:])
	buf.WriteString("{x}")

	var out Message
	require.Error(t, ReadMessage(&buf, &out))
}

func TestIsRunningStatus(t *testing.T) {
	for _, s := range []string{StatusRunning, StatusStarted, StatusAlreadyRunning} {
		require.True(t, IsRunningStatus(s), s)
	}
	for _, s := range []string{StatusStopped, StatusNotRunning, StatusError, ""} {
		require.False(t, IsRunningStatus(s), s)
	}
	require.False(t, Message{Action: ActionBackendStatus}.BackendRunning())
}
