package domain

import "time"

// Quote is the latest top-of-book snapshot for a contract.
type Quote struct {
	ContractID string
	Bid        float64
	Ask        float64
	Last       float64
	Volume     int64
	Timestamp  time.Time // broker timestamp
	ReceivedAt time.Time // local receive time, used for staleness checks
}

// Mid returns the bid/ask midpoint, falling back to the last trade when
// one side of the book is missing.
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}
