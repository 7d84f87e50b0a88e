package logcollector_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/sandboxd/pkg/logcollector"
)

func TestEncodeDecodeFrameRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("2026-07-29T00:00:00.123456789Z hello world\n")
	require.NoError(t, logcollector.EncodeFrame(&buf, logcollector.StreamStdout, payload))

	frame, n, err := logcollector.DecodeFrame(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, buf.Len(), n)
	require.Equal(t, logcollector.StreamStdout, frame.Stream)
	require.Equal(t, payload, frame.Payload)
}

func TestDecodeFrameReportsShortHeaderAndPayload(t *testing.T) {
	_, _, err := logcollector.DecodeFrame([]byte{1, 0, 0})
	require.ErrorIs(t, err, logcollector.ErrShortHeader)

	var buf bytes.Buffer
	require.NoError(t, logcollector.EncodeFrame(&buf, logcollector.StreamStderr, []byte("partial")))
	_, _, err = logcollector.DecodeFrame(buf.Bytes()[:buf.Len()-2])
	require.ErrorIs(t, err, logcollector.ErrShortPayload)
}

func TestDecoderFeedAccumulatesAcrossChunks(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, logcollector.EncodeFrame(&buf, logcollector.StreamStdout, []byte("line one\n")))
	require.NoError(t, logcollector.EncodeFrame(&buf, logcollector.StreamStderr, []byte("line two\n")))

	data := buf.Bytes()
	d := logcollector.NewDecoder()

	var frames []logcollector.Frame
	for i := 0; i < len(data); i++ {
		frames = append(frames, d.Feed(data[i:i+1])...)
	}

	require.Len(t, frames, 2)
	require.Equal(t, logcollector.StreamStdout, frames[0].Stream)
	require.Equal(t, "line one\n", string(frames[0].Payload))
	require.Equal(t, logcollector.StreamStderr, frames[1].Stream)
	require.Equal(t, "line two\n", string(frames[1].Payload))
}
