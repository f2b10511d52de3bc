package domain

import "time"

// ClosedTrade is the archived record of a fully closed position.
type ClosedTrade struct {
	ID          int64
	PositionID  string
	ContractID  string
	Side        OrderSide
	Quantity    int
	EntryPrice  float64
	PnL         float64
	TiersFilled int
	CloseReason CloseReason
	OpenedAt    time.Time
	ClosedAt    time.Time
}
