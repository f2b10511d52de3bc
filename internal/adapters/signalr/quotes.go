package signalr

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/1a55y/TradingBot/internal/domain"
	"github.com/1a55y/TradingBot/internal/ports"
)

// TargetQuote is the market hub push target for top-of-book updates.
const TargetQuote = "GatewayQuote"

// quotePayload mirrors the hub's quote argument shape.
type quotePayload struct {
	Bid       float64   `json:"bid"`
	BidSize   int64     `json:"bidSize"`
	Ask       float64   `json:"ask"`
	AskSize   int64     `json:"askSize"`
	Last      float64   `json:"last"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// QuoteCache stores the latest quote per contract, stamped with local
// receive time. Reads are local only; no network call is ever made on
// the query path.
type QuoteCache struct {
	logger ports.Logger
	clock  func() time.Time

	mu     sync.RWMutex
	quotes map[string]domain.Quote
}

// NewQuoteCache creates an empty cache.
func NewQuoteCache(log ports.Logger) *QuoteCache {
	return &QuoteCache{
		logger: log,
		clock:  time.Now,
		quotes: make(map[string]domain.Quote),
	}
}

// Bind registers the cache on the market hub's quote target. The event
// carries [contractId, quote].
func (q *QuoteCache) Bind(stream ports.Stream) {
	stream.OnEvent(TargetQuote, func(args []json.RawMessage) {
		if len(args) < 2 {
			return
		}
		var contractID string
		if err := json.Unmarshal(args[0], &contractID); err != nil || contractID == "" {
			q.logger.Warn(context.Background(), "Dropping quote with bad contract id", map[string]interface{}{"error": errString(err)})
			return
		}
		var p quotePayload
		if err := json.Unmarshal(args[1], &p); err != nil {
			q.logger.Warn(context.Background(), "Dropping malformed quote", map[string]interface{}{"contractID": contractID, "error": err.Error()})
			return
		}
		q.mu.Lock()
		q.quotes[contractID] = domain.Quote{
			ContractID: contractID,
			Bid:        p.Bid,
			Ask:        p.Ask,
			Last:       p.Last,
			Volume:     p.Volume,
			Timestamp:  p.Timestamp,
			ReceivedAt: q.clock(),
		}
		q.mu.Unlock()
	})
}

// Current returns the latest cached quote for a contract.
func (q *QuoteCache) Current(contractID string) (domain.Quote, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	quote, ok := q.quotes[contractID]
	return quote, ok
}

// IsStale reports whether no quote has been received for the contract
// within maxAge. A contract never seen is stale.
func (q *QuoteCache) IsStale(contractID string, maxAge time.Duration) bool {
	quote, ok := q.Current(contractID)
	if !ok {
		return true
	}
	return q.clock().Sub(quote.ReceivedAt) > maxAge
}

func errString(err error) string {
	if err == nil {
		return "empty contract id"
	}
	return err.Error()
}
