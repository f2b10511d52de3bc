package domain

import "time"

// OrderRole identifies the job an order performs inside a bracket.
type OrderRole string

const (
	RoleEntry  OrderRole = "ENTRY"
	RoleStop   OrderRole = "STOP"
	RoleTarget OrderRole = "TARGET"
)

// Order represents an independently submitted order tracked by the
// lifecycle manager. Orders are referenced by the client-generated Tag
// until the broker assigns BrokerID; fills can arrive before the submit
// call returns, so Tag is the stable key.
type Order struct {
	Tag        string // client correlation id, assigned before submit
	BrokerID   int64  // broker-assigned id, 0 until acknowledged
	PositionID string // owning position, empty for a pending entry
	ContractID string
	Side       OrderSide
	Type       OrderType
	Role       OrderRole
	TargetTier int // 1-based tier index when Role == RoleTarget

	Quantity   int
	LimitPrice float64 // limit orders
	StopPrice  float64 // stop orders

	Status    OrderStatus
	FilledQty int
	AvgPrice  float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Fill is a single execution report for an order.
type Fill struct {
	FillID    string
	BrokerID  int64
	Quantity  int
	Price     float64
	Timestamp time.Time
}
