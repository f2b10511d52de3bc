package domain

import "time"

// Position represents a managed bracket position. Orders are referenced
// by tag, never by pointer; the lifecycle manager owns the flat order
// table and is the only mutator of both.
type Position struct {
	ID         string
	ContractID string
	Side       OrderSide

	OriginalQty  int
	RemainingQty int
	EntryPrice   float64

	StopOrderTag    string   // at most one active protective stop
	StopPrice       float64  // current stop level
	TargetTags      []string // one limit order per resolved tier
	TierFilled      []bool   // parallel to TargetTags
	StopAtBreakeven bool

	RealizedPnL float64
	State       PositionState
	CloseReason CloseReason

	OpenedAt time.Time
	ClosedAt time.Time
}

// IsOpen reports whether the position still carries exposure.
func (p *Position) IsOpen() bool {
	return p.State == PositionOpen || p.State == PositionClosing
}

// AllTiersFilled reports whether every scale-out tier has executed.
func (p *Position) AllTiersFilled() bool {
	for _, filled := range p.TierFilled {
		if !filled {
			return false
		}
	}
	return len(p.TierFilled) > 0
}
