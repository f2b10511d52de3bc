package domain

import "time"

// Signal is an approved-for-evaluation trade idea from the external
// strategy engine. The core never computes direction or timing; it only
// decides admission and size.
type Signal struct {
	ContractID        string    `json:"contractId"`
	Side              OrderSide `json:"side"`
	EntryHint         float64   `json:"entryHint"`
	StopDistanceTicks int       `json:"stopDistanceTicks"`
	Score             float64   `json:"score"`
	GeneratedAt       time.Time `json:"generatedAt"`
}

// EquitySnapshot is a point-in-time account balance from the REST
// account endpoint, TTL-cached by the broker adapter.
type EquitySnapshot struct {
	AccountID int64
	Equity    float64
	Timestamp time.Time
}
