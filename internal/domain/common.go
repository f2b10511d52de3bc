package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the closing side for a position opened on this side.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType represents the execution type of an order.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
	Stop   OrderType = "STOP"
)

// OrderStatus represents the lifecycle status of an order.
type OrderStatus string

const (
	OrderPendingSubmit   OrderStatus = "PENDING_SUBMIT"
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether no further transitions are possible for the status.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// IsOpen reports whether the order is still working at the broker.
func (s OrderStatus) IsOpen() bool {
	return s == OrderPendingSubmit || s == OrderSubmitted || s == OrderPartiallyFilled
}

// PositionState represents the lifecycle state of a position.
type PositionState string

const (
	PositionOpening PositionState = "opening"
	PositionOpen    PositionState = "open"
	PositionClosing PositionState = "closing"
	PositionClosed  PositionState = "closed"
)

// CloseReason indicates why a position was closed.
type CloseReason string

const (
	CloseReasonStop           CloseReason = "STOP"
	CloseReasonTargets        CloseReason = "TARGETS"
	CloseReasonManual         CloseReason = "MANUAL"
	CloseReasonFlatten        CloseReason = "FLATTEN"
	CloseReasonProtectFailed  CloseReason = "PROTECT_FAILED"
	CloseReasonReconciliation CloseReason = "RECONCILIATION"
)
