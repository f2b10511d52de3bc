package signalpoll

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/1a55y/TradingBot/internal/adapters/logger"
	"github.com/1a55y/TradingBot/internal/domain"
	"github.com/1a55y/TradingBot/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPollClient(t *testing.T, handler http.HandlerFunc) *Client {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	c, err := New(Config{
		Endpoint: server.URL,
		Logger:   logger.NewStdLogger(logger.LevelError),
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := New(Config{Logger: logger.NewStdLogger(logger.LevelError)})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)

	_, err = New(Config{Endpoint: "http://x"})
	assert.Error(t, err, "missing logger")
}

func TestPollReturnsSignals(t *testing.T) {
	c := newPollClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"contractId":"CON.F.US.MGC.Q25","side":"BUY","entryHint":2650.0,"stopDistanceTicks":50,"score":0.8,"generatedAt":"2025-06-02T15:00:00Z"}
		]`))
	})

	signals, err := c.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, domain.Buy, signals[0].Side)
	assert.Equal(t, 50, signals[0].StopDistanceTicks)
	assert.InDelta(t, 0.8, signals[0].Score, 1e-9)
}

func TestPollFiltersAlreadySeenSignals(t *testing.T) {
	body := `[
		{"contractId":"A","side":"BUY","generatedAt":"2025-06-02T15:00:00Z"},
		{"contractId":"B","side":"SELL","generatedAt":"2025-06-02T15:05:00Z"}
	]`
	c := newPollClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	})

	first, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Len(t, first, 2)

	// Same payload again: nothing is newer than the high-water mark.
	second, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestPollNon2xxYieldsNoSignals(t *testing.T) {
	c := newPollClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	signals, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestPollMalformedBodyYieldsNoSignals(t *testing.T) {
	c := newPollClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"oops":`))
	})

	signals, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestPollConnectionErrorIsReturned(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()
	c, err := New(Config{
		Endpoint: server.URL,
		Logger:   logger.NewStdLogger(logger.LevelError),
	})
	require.NoError(t, err)

	_, err = c.Poll(context.Background())
	assert.Error(t, err)
}
