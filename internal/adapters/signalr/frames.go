package signalr

import (
	"bytes"
	"encoding/json"
)

// recordSeparator terminates every frame on the wire (ASCII 0x1E).
const recordSeparator = 0x1e

// SignalR JSON hub protocol message types.
const (
	typeInvocation = 1
	typeCompletion = 3
	typePing       = 6
	typeClose      = 7
)

// hubMessage is the envelope shared by server pushes, completions and
// pings. Payloads are kept raw; only the dispatcher keyed by Target
// knows how to decode the arguments.
type hubMessage struct {
	Type      int               `json:"type"`
	Target    string            `json:"target,omitempty"`
	Arguments []json.RawMessage `json:"arguments,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// invocation is an outbound type-1 call (subscribe, unsubscribe, ...).
type invocation struct {
	Type      int    `json:"type"`
	Target    string `json:"target"`
	Arguments []any  `json:"arguments"`
}

// handshakeRequest opens every connection before any data flows.
type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

// handshakeResponse is `{}` on success; anything with an error field is
// a refusal.
type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// frameBuffer reassembles record-separated frames from raw reads. A
// single read may contain zero, one or many complete frames, and a
// frame may span multiple reads; trailing bytes without a separator
// stay buffered until the next feed.
type frameBuffer struct {
	pending []byte
}

// Feed appends raw bytes and returns every complete frame now
// available, without the trailing separator. Empty frames are skipped.
func (b *frameBuffer) Feed(p []byte) [][]byte {
	b.pending = append(b.pending, p...)

	var frames [][]byte
	for {
		idx := bytes.IndexByte(b.pending, recordSeparator)
		if idx < 0 {
			return frames
		}
		if idx > 0 {
			frame := make([]byte, idx)
			copy(frame, b.pending[:idx])
			frames = append(frames, frame)
		}
		b.pending = b.pending[idx+1:]
	}
}

// encodeFrame marshals v and appends the record separator.
func encodeFrame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, recordSeparator), nil
}
