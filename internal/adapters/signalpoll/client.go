package signalpoll

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/1a55y/TradingBot/internal/domain"
	"github.com/1a55y/TradingBot/internal/ports"
)

// Client polls the external strategy engine over REST. The engine is a
// black box: this adapter only fetches whatever signals it has produced
// since the previous poll and hands them to the core unmodified.
type Client struct {
	endpoint string
	http     *http.Client
	logger   ports.Logger
	lastSeen time.Time
}

// Config holds configuration for the signal poll adapter.
type Config struct {
	Endpoint string
	Logger   ports.Logger
	Timeout  time.Duration
}

// New creates a signal poll client.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for signal poll client")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: signal endpoint is required", ports.ErrConfigurationError)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		endpoint: cfg.Endpoint,
		http:     &http.Client{Timeout: timeout},
		logger:   cfg.Logger,
	}, nil
}

// Poll fetches pending signals. A non-2xx status or malformed body is
// logged and yields no signals; the caller just polls again later.
// Signals already seen (by generation time) are filtered out.
func (c *Client) Poll(ctx context.Context) ([]domain.Signal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signal poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn(ctx, "Signal endpoint returned non-2xx", map[string]interface{}{
			"status": resp.StatusCode,
		})
		return nil, nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var signals []domain.Signal
	if err := json.Unmarshal(data, &signals); err != nil {
		c.logger.Warn(ctx, "Skipping malformed signal payload", map[string]interface{}{
			"error": err.Error(), "bytes": len(data),
		})
		return nil, nil
	}

	fresh := signals[:0]
	maxSeen := c.lastSeen
	for _, sig := range signals {
		if !sig.GeneratedAt.After(c.lastSeen) {
			continue
		}
		fresh = append(fresh, sig)
		if sig.GeneratedAt.After(maxSeen) {
			maxSeen = sig.GeneratedAt
		}
	}
	c.lastSeen = maxSeen
	return fresh, nil
}
