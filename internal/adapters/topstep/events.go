package topstep

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/1a55y/TradingBot/internal/domain"
	"github.com/1a55y/TradingBot/internal/ports"
)

// User hub push targets.
const (
	TargetUserOrder = "GatewayUserOrder"
	TargetUserTrade = "GatewayUserTrade"
)

// OrderSink consumes parsed user hub events. The lifecycle manager
// implements it; both methods only enqueue, so handlers never block the
// hub read loop on book mutation.
type OrderSink interface {
	OnOrderUpdate(ev ports.BrokerOrder)
	OnFill(fill domain.Fill)
}

type orderEvent struct {
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
}

type tradeEvent struct {
	ID        int64     `json:"id"`
	OrderID   int64     `json:"orderId"`
	Quantity  int       `json:"quantity"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// BindUserEvents registers handlers for order and execution pushes on
// the user hub. Payloads that fail to parse are logged and dropped; one
// bad frame never takes the stream down.
func BindUserEvents(stream ports.Stream, sink OrderSink, logger ports.Logger) {
	stream.OnEvent(TargetUserOrder, func(args []json.RawMessage) {
		for _, raw := range args {
			var ev orderEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				logger.Warn(context.Background(), "malformed order event dropped", map[string]interface{}{"error": err.Error()})
				continue
			}
			if ev.OrderID == 0 {
				continue
			}
			sink.OnOrderUpdate(ports.BrokerOrder{
				BrokerID:   ev.OrderID,
				ContractID: ev.ContractID,
				Side:       sideDomain(ev.Side),
				Type:       typeDomain(ev.OrderType),
				Quantity:   ev.Quantity,
				FilledQty:  ev.FilledQty,
				LimitPrice: ev.LimitPrice,
				StopPrice:  ev.StopPrice,
				Status:     statusDomain(ev.Status),
				CustomTag:  ev.CustomTag,
			})
		}
	})

	stream.OnEvent(TargetUserTrade, func(args []json.RawMessage) {
		for _, raw := range args {
			var ev tradeEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				logger.Warn(context.Background(), "malformed trade event dropped", map[string]interface{}{"error": err.Error()})
				continue
			}
			if ev.OrderID == 0 || ev.Quantity <= 0 {
				continue
			}
			ts := ev.Timestamp
			if ts.IsZero() {
				ts = time.Now().UTC()
			}
			sink.OnFill(domain.Fill{
				FillID:    strconv.FormatInt(ev.ID, 10),
				BrokerID:  ev.OrderID,
				Quantity:  ev.Quantity,
				Price:     ev.Price,
				Timestamp: ts,
			})
		}
	})
}
