package signalr

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/1a55y/TradingBot/internal/adapters/logger"
	"github.com/1a55y/TradingBot/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// handlerStream captures OnEvent registrations so tests can inject
// frames without a socket.
type handlerStream struct {
	handlers map[string][]ports.EventHandler
}

func newHandlerStream() *handlerStream {
	return &handlerStream{handlers: make(map[string][]ports.EventHandler)}
}

func (s *handlerStream) Connect(ctx context.Context) error { return nil }
func (s *handlerStream) Stop()                             {}

func (s *handlerStream) Subscribe(ctx context.Context, sub ports.Subscription) error { return nil }

func (s *handlerStream) Unsubscribe(ctx context.Context, sub ports.Subscription) error { return nil }

func (s *handlerStream) OnReady(fn func(reconnect bool)) {}
func (s *handlerStream) OnEvent(target string, handler ports.EventHandler) {
	s.handlers[target] = append(s.handlers[target], handler)
}

func (s *handlerStream) emit(target string, args ...string) {
	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		raw[i] = json.RawMessage(a)
	}
	for _, h := range s.handlers[target] {
		h(raw)
	}
}

func TestQuoteCacheStoresLatestQuote(t *testing.T) {
	stream := newHandlerStream()
	cache := NewQuoteCache(logger.NewStdLogger(logger.LevelError))
	cache.Bind(stream)

	stream.emit(TargetQuote, `"CON.F.US.MGC.Q25"`, `{"bid":2649.9,"ask":2650.1,"last":2650.0,"volume":1200}`)
	stream.emit(TargetQuote, `"CON.F.US.MGC.Q25"`, `{"bid":2650.4,"ask":2650.6,"last":2650.5,"volume":1210}`)

	quote, ok := cache.Current("CON.F.US.MGC.Q25")
	require.True(t, ok)
	assert.InDelta(t, 2650.4, quote.Bid, 1e-9)
	assert.InDelta(t, 2650.5, quote.Mid(), 1e-9)
	assert.Equal(t, int64(1210), quote.Volume)
}

func TestQuoteCacheDropsMalformedPayloads(t *testing.T) {
	stream := newHandlerStream()
	cache := NewQuoteCache(logger.NewStdLogger(logger.LevelError))
	cache.Bind(stream)

	stream.emit(TargetQuote, `""`, `{"bid":1}`)
	stream.emit(TargetQuote, `"CON.F.US.MGC.Q25"`, `not json`)
	stream.emit(TargetQuote, `"CON.F.US.MGC.Q25"`) // missing quote argument

	_, ok := cache.Current("CON.F.US.MGC.Q25")
	assert.False(t, ok)
}

func TestQuoteCacheStaleness(t *testing.T) {
	stream := newHandlerStream()
	cache := NewQuoteCache(logger.NewStdLogger(logger.LevelError))
	cache.Bind(stream)

	now := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)
	cache.clock = func() time.Time { return now }

	assert.True(t, cache.IsStale("CON.F.US.MGC.Q25", time.Minute), "never-seen contract is stale")

	stream.emit(TargetQuote, `"CON.F.US.MGC.Q25"`, `{"bid":2649.9,"ask":2650.1}`)
	assert.False(t, cache.IsStale("CON.F.US.MGC.Q25", time.Minute))

	now = now.Add(2 * time.Minute)
	assert.True(t, cache.IsStale("CON.F.US.MGC.Q25", time.Minute))
}
