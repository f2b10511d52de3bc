package signalr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameBufferSingleFrame(t *testing.T) {
	var fb frameBuffer
	frames := fb.Feed([]byte("{\"type\":6}\x1e"))
	require.Len(t, frames, 1)
	assert.Equal(t, `{"type":6}`, string(frames[0]))
}

func TestFrameBufferMultipleFramesOneRead(t *testing.T) {
	var fb frameBuffer
	frames := fb.Feed([]byte("{\"a\":1}\x1e{\"b\":2}\x1e{\"c\":3}\x1e"))
	require.Len(t, frames, 3)
	assert.Equal(t, `{"b":2}`, string(frames[1]))
}

func TestFrameBufferFrameSpansReads(t *testing.T) {
	var fb frameBuffer
	assert.Empty(t, fb.Feed([]byte(`{"type":1,"tar`)))
	assert.Empty(t, fb.Feed([]byte(`get":"Gateway`)))
	frames := fb.Feed([]byte("Quote\"}\x1e"))
	require.Len(t, frames, 1)
	assert.Equal(t, `{"type":1,"target":"GatewayQuote"}`, string(frames[0]))
}

func TestFrameBufferTrailingPartialStaysBuffered(t *testing.T) {
	var fb frameBuffer
	frames := fb.Feed([]byte("{\"a\":1}\x1e{\"b\""))
	require.Len(t, frames, 1)
	frames = fb.Feed([]byte(":2}\x1e"))
	require.Len(t, frames, 1)
	assert.Equal(t, `{"b":2}`, string(frames[0]))
}

func TestFrameBufferSkipsEmptyFrames(t *testing.T) {
	var fb frameBuffer
	frames := fb.Feed([]byte("\x1e\x1e{\"a\":1}\x1e\x1e"))
	require.Len(t, frames, 1)
	assert.Equal(t, `{"a":1}`, string(frames[0]))
}

func TestEncodeFrameAppendsSeparator(t *testing.T) {
	frame, err := encodeFrame(handshakeRequest{Protocol: "json", Version: 1})
	require.NoError(t, err)
	assert.Equal(t, byte(recordSeparator), frame[len(frame)-1])
	assert.Equal(t, `{"protocol":"json","version":1}`, string(frame[:len(frame)-1]))
}
