package ports

import (
	"context"

	"github.com/1a55y/TradingBot/internal/domain"
)

// TradeRepository archives fully closed positions.
type TradeRepository interface {
	// CreateTrade saves a closed trade record and returns its assigned ID.
	CreateTrade(ctx context.Context, trade *domain.ClosedTrade) (int64, error)
	// FindByContract retrieves the most recent trades for a contract, up to a limit.
	FindByContract(ctx context.Context, contractID string, limit int) ([]*domain.ClosedTrade, error)
	// CountTodayByContract counts trades closed today for a contract,
	// used to seed the risk gate's daily trade count on startup.
	CountTodayByContract(ctx context.Context, contractID string) (int, error)
}

// SignalProducer is the boundary to the external strategy engine. The
// core polls it; it never learns how signals are computed.
type SignalProducer interface {
	// Poll returns any signals produced since the previous call.
	Poll(ctx context.Context) ([]domain.Signal, error)
}
