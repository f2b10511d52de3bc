package topstep

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/1a55y/TradingBot/internal/domain"
	"github.com/1a55y/TradingBot/internal/ports"
)

// API error codes returned in the body of an otherwise-200 response.
const (
	codeOK            = 0
	codeOrderNotFound = 2
	codeRejected      = 3
	codeRateLimited   = 429
)

// Client implements the ports.Broker interface against the broker's
// REST gateway.
type Client struct {
	baseURL   string
	token     string
	accountID int64
	http      *http.Client
	logger    ports.Logger

	equityTTL   time.Duration
	equityMu    sync.Mutex
	equityCache *domain.EquitySnapshot
}

// Config holds configuration for the REST broker adapter.
type Config struct {
	BaseURL   string
	Token     string
	AccountID int64
	Logger    ports.Logger
	Timeout   time.Duration // transport-level cap; per-call ctx still applies
	EquityTTL time.Duration
}

// New creates a new REST broker adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for broker client")
	}
	if cfg.BaseURL == "" || cfg.Token == "" {
		return nil, fmt.Errorf("%w: broker base URL and token are required", ports.ErrConfigurationError)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	equityTTL := cfg.EquityTTL
	if equityTTL <= 0 {
		equityTTL = 30 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		token:     cfg.Token,
		accountID: cfg.AccountID,
		http:      &http.Client{Timeout: timeout},
		logger:    cfg.Logger,
		equityTTL: equityTTL,
	}, nil
}

type placeOrderRequest struct {
	AccountID  int64   `json:"accountId"`
	ContractID string  `json:"contractId"`
	Side       string  `json:"side"`
	OrderType  string  `json:"orderType"`
	Quantity   int     `json:"quantity"`
	LimitPrice float64 `json:"limitPrice,omitempty"`
	StopPrice  float64 `json:"stopPrice,omitempty"`
	CustomTag  string  `json:"customTag,omitempty"`
}

type placeOrderResponse struct {
	OrderID      int64  `json:"orderId"`
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// PlaceOrder submits one order. A context deadline hit mid-flight maps
// to ErrSubmitUnknown: the order may or may not be live at the broker,
// so the caller has to reconcile instead of retrying.
func (c *Client) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderAck, error) {
	op := "PlaceOrder"
	body := placeOrderRequest{
		AccountID:  c.accountID,
		ContractID: req.ContractID,
		Side:       sideWire(req.Side),
		OrderType:  typeWire(req.Type),
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
		CustomTag:  req.CustomTag,
	}

	var resp placeOrderResponse
	if err := c.post(ctx, "/api/Order/place", body, &resp); err != nil {
		return nil, c.handleError(ctx, err, op, true)
	}
	if !resp.Success {
		err := fmt.Errorf("%w: code=%d %s", ports.ErrOrderRejected, resp.ErrorCode, resp.ErrorMessage)
		c.logger.Warn(ctx, op+": broker declined order", map[string]interface{}{
			"contractID": req.ContractID, "customTag": req.CustomTag,
			"errorCode": resp.ErrorCode, "errorMessage": resp.ErrorMessage,
		})
		return nil, err
	}
	return &ports.OrderAck{
		BrokerID:  resp.OrderID,
		CustomTag: req.CustomTag,
		Status:    domain.OrderSubmitted,
		Timestamp: time.Now().UTC(),
	}, nil
}

type cancelOrderRequest struct {
	AccountID int64 `json:"accountId"`
	OrderID   int64 `json:"orderId"`
}

type statusResponse struct {
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// CancelOrder cancels an open order. An order that has already filled
// or been cancelled comes back as ErrOrderNotFound, which callers treat
// as a benign no-op in OCO races.
func (c *Client) CancelOrder(ctx context.Context, brokerID int64) error {
	op := "CancelOrder"
	var resp statusResponse
	if err := c.post(ctx, "/api/Order/cancel", cancelOrderRequest{AccountID: c.accountID, OrderID: brokerID}, &resp); err != nil {
		return c.handleError(ctx, err, op, true)
	}
	if !resp.Success {
		if resp.ErrorCode == codeOrderNotFound {
			return fmt.Errorf("%w: order %d", ports.ErrOrderNotFound, brokerID)
		}
		return fmt.Errorf("%w: order %d: code=%d %s", ports.ErrOrderCancelFailed, brokerID, resp.ErrorCode, resp.ErrorMessage)
	}
	return nil
}

type searchRequest struct {
	AccountID int64 `json:"accountId"`
}

type openOrdersResponse struct {
	Orders []struct {
		OrderID    int64   `json:"orderId"`
		ContractID string  `json:"contractId"`
		Side       string  `json:"side"`
		OrderType  string  `json:"orderType"`
		Quantity   int     `json:"quantity"`
		FilledQty  int     `json:"filledQuantity"`
		LimitPrice float64 `json:"limitPrice"`
		StopPrice  float64 `json:"stopPrice"`
		Status     string  `json:"status"`
		CustomTag  string  `json:"customTag"`
	} `json:"orders"`
	statusResponse
}

// SearchOpenOrders returns every working order for the account.
func (c *Client) SearchOpenOrders(ctx context.Context) ([]ports.BrokerOrder, error) {
	op := "SearchOpenOrders"
	var resp openOrdersResponse
	if err := c.post(ctx, "/api/Order/searchOpen", searchRequest{AccountID: c.accountID}, &resp); err != nil {
		return nil, c.handleError(ctx, err, op, false)
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: %s: code=%d %s", ports.ErrUnknown, op, resp.ErrorCode, resp.ErrorMessage)
	}
	out := make([]ports.BrokerOrder, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		out = append(out, ports.BrokerOrder{
			BrokerID:   o.OrderID,
			ContractID: o.ContractID,
			Side:       sideDomain(o.Side),
			Type:       typeDomain(o.OrderType),
			Quantity:   o.Quantity,
			FilledQty:  o.FilledQty,
			LimitPrice: o.LimitPrice,
			StopPrice:  o.StopPrice,
			Status:     statusDomain(o.Status),
			CustomTag:  o.CustomTag,
		})
	}
	return out, nil
}

type openPositionsResponse struct {
	Positions []struct {
		ContractID string  `json:"contractId"`
		Side       string  `json:"side"`
		Quantity   int     `json:"quantity"`
		AvgPrice   float64 `json:"averagePrice"`
	} `json:"positions"`
	statusResponse
}

// SearchOpenPositions returns every open position for the account.
func (c *Client) SearchOpenPositions(ctx context.Context) ([]ports.BrokerPosition, error) {
	op := "SearchOpenPositions"
	var resp openPositionsResponse
	if err := c.post(ctx, "/api/Position/searchOpen", searchRequest{AccountID: c.accountID}, &resp); err != nil {
		return nil, c.handleError(ctx, err, op, false)
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: %s: code=%d %s", ports.ErrUnknown, op, resp.ErrorCode, resp.ErrorMessage)
	}
	out := make([]ports.BrokerPosition, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		out = append(out, ports.BrokerPosition{
			ContractID: p.ContractID,
			Side:       sideDomain(p.Side),
			Quantity:   p.Quantity,
			AvgPrice:   p.AvgPrice,
		})
	}
	return out, nil
}

type accountSearchRequest struct {
	OnlyActiveAccounts bool `json:"onlyActiveAccounts"`
}

type accountSearchResponse struct {
	Accounts []struct {
		ID      int64   `json:"id"`
		Balance float64 `json:"balance"`
	} `json:"accounts"`
	statusResponse
}

// GetEquity returns the account equity snapshot, cached with a TTL so
// the risk gate can read it on every signal without hammering the API.
func (c *Client) GetEquity(ctx context.Context, force bool) (*domain.EquitySnapshot, error) {
	op := "GetEquity"

	c.equityMu.Lock()
	cached := c.equityCache
	c.equityMu.Unlock()
	if !force && cached != nil && time.Since(cached.Timestamp) < c.equityTTL {
		return cached, nil
	}

	var resp accountSearchResponse
	if err := c.post(ctx, "/api/Account/search", accountSearchRequest{OnlyActiveAccounts: true}, &resp); err != nil {
		return nil, c.handleError(ctx, err, op, false)
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: %s: code=%d %s", ports.ErrUnknown, op, resp.ErrorCode, resp.ErrorMessage)
	}
	for _, acct := range resp.Accounts {
		if acct.ID == c.accountID {
			snap := &domain.EquitySnapshot{
				AccountID: acct.ID,
				Equity:    acct.Balance,
				Timestamp: time.Now().UTC(),
			}
			c.equityMu.Lock()
			c.equityCache = snap
			c.equityMu.Unlock()
			return snap, nil
		}
	}
	return nil, fmt.Errorf("%w: account %d not in search results", ports.ErrPositionNotFound, c.accountID)
}

// post issues an authenticated JSON POST and decodes the response body.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ports.ErrAuthenticationFailed, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d", ports.ErrRateLimited, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: HTTP %d: %s", ports.ErrInvalidRequest, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// handleError translates transport failures into standardized ports
// errors. mutating marks calls whose outcome matters if the deadline
// fired mid-flight: those become ErrSubmitUnknown so the caller
// reconciles rather than retries blindly.
func (c *Client) handleError(ctx context.Context, err error, operation string, mutating bool) error {
	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var finalErr error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		if mutating {
			finalErr = fmt.Errorf("%s: %w: %w", operation, ports.ErrSubmitUnknown, err)
		} else {
			finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
		}
	case errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	case errors.Is(err, ports.ErrAuthenticationFailed),
		errors.Is(err, ports.ErrRateLimited),
		errors.Is(err, ports.ErrInvalidRequest):
		finalErr = err
	default:
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	}

	c.logger.Error(ctx, err, operation+" failed", fields)
	return finalErr
}

// --- Wire translation helpers ---

func sideWire(s domain.OrderSide) string {
	if s == domain.Buy {
		return "Buy"
	}
	return "Sell"
}

func sideDomain(s string) domain.OrderSide {
	if strings.EqualFold(s, "Buy") {
		return domain.Buy
	}
	return domain.Sell
}

func typeWire(t domain.OrderType) string {
	switch t {
	case domain.Limit:
		return "Limit"
	case domain.Stop:
		return "Stop"
	default:
		return "Market"
	}
}

func typeDomain(t string) domain.OrderType {
	switch strings.ToLower(t) {
	case "limit":
		return domain.Limit
	case "stop":
		return domain.Stop
	default:
		return domain.Market
	}
}

func statusDomain(s string) domain.OrderStatus {
	switch strings.ToLower(s) {
	case "working", "accepted", "new":
		return domain.OrderSubmitted
	case "partiallyfilled", "partially_filled":
		return domain.OrderPartiallyFilled
	case "filled":
		return domain.OrderFilled
	case "cancelled", "canceled":
		return domain.OrderCancelled
	case "rejected", "expired":
		return domain.OrderRejected
	default:
		return domain.OrderSubmitted
	}
}
