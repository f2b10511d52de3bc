package ports

import (
	"context"
	"time"

	"github.com/1a55y/TradingBot/internal/domain"
)

// OrderRequest is a single independent order submission. CustomTag is a
// client-generated correlation id; the broker echoes it in order events
// so fills can be matched before the submit call has returned.
type OrderRequest struct {
	AccountID  int64
	ContractID string
	Side       domain.OrderSide
	Type       domain.OrderType
	Quantity   int
	LimitPrice float64
	StopPrice  float64
	CustomTag  string
}

// OrderAck is the broker's acknowledgement of a submitted order.
type OrderAck struct {
	BrokerID  int64
	CustomTag string
	Status    domain.OrderStatus
	Timestamp time.Time
}

// BrokerOrder is an open order as reported by the broker's search
// endpoint, used for reconciliation. Broker state always wins over the
// local book.
type BrokerOrder struct {
	BrokerID   int64
	ContractID string
	Side       domain.OrderSide
	Type       domain.OrderType
	Quantity   int
	FilledQty  int
	LimitPrice float64
	StopPrice  float64
	Status     domain.OrderStatus
	CustomTag  string
}

// BrokerPosition is an open position as reported by the broker.
type BrokerPosition struct {
	ContractID string
	Side       domain.OrderSide
	Quantity   int
	AvgPrice   float64
}

// Broker is the REST order-routing and account boundary. Every call
// carries a context deadline; a deadline exceeded mid-submit must be
// treated as failed-unknown (ErrSubmitUnknown), not as a failure.
type Broker interface {
	// PlaceOrder submits one order and returns the broker ack.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)

	// CancelOrder cancels an open order. Cancelling an order that has
	// already filled returns ErrOrderNotFound, which callers treat as
	// a benign no-op.
	CancelOrder(ctx context.Context, brokerID int64) error

	// SearchOpenOrders returns every working order for the account.
	SearchOpenOrders(ctx context.Context) ([]BrokerOrder, error)

	// SearchOpenPositions returns every open position for the account.
	SearchOpenPositions(ctx context.Context) ([]BrokerPosition, error)

	// GetEquity returns the account equity snapshot. Implementations
	// cache with a TTL; force bypasses the cache.
	GetEquity(ctx context.Context, force bool) (*domain.EquitySnapshot, error)
}
