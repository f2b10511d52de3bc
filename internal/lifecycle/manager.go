package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1a55y/TradingBot/internal/domain"
	"github.com/1a55y/TradingBot/internal/ports"

	"github.com/google/uuid"
)

// Config holds configuration for the lifecycle manager.
type Config struct {
	AccountID            int64
	ContractID           string
	TickSize             float64
	TickValue            float64
	Plan                 domain.PartialProfitPlan
	BreakevenEnabled     bool
	BreakevenBufferTicks int
	CallTimeout          time.Duration // per broker call
	SubmitRetries        int           // transient-error retries per submission
	FlattenConcurrency   int           // bounded fan-out for FlattenAll

	Broker ports.Broker
	Repo   ports.TradeRepository
	Logger ports.Logger

	// OnOpened fires when a position finishes opening, OnClosed when
	// one closes with its realized P&L. Both run on the event loop.
	OnOpened func(ctx context.Context)
	OnClosed func(ctx context.Context, pnl float64)

	Now    func() time.Time // defaults to time.Now
	NewTag func() string    // defaults to uuid.NewString
}

// OpenRequest asks the manager to open a bracket position. StopDistance
// is in price units; the concrete stop and target levels are derived
// from the actual entry fill, not the signal's entry hint.
type OpenRequest struct {
	Side         domain.OrderSide
	Quantity     int
	StopDistance float64
}

// Snapshot is a point-in-time copy of the books for monitoring.
type Snapshot struct {
	Orders    []domain.Order
	Positions []domain.Position
}

// Manager owns the order and position tables. All mutation happens on
// the single event loop in Run; exported methods hand work to the loop
// through the command channel, so no locks guard the maps. Orders are
// keyed by client tag; fills arriving before the broker id is bound are
// buffered and replayed.
type Manager struct {
	cfg    Config
	logger ports.Logger
	now    func() time.Time
	newTag func() string

	commands  chan func(context.Context)
	reconcile chan struct{}

	orders       map[string]*domain.Order    // by client tag
	byBroker     map[int64]string            // broker id -> tag
	positions    map[string]*domain.Position // by position id
	entryPlans   map[string]OpenRequest      // by entry tag, until the entry fills
	seenFills    map[string]struct{}         // fill id dedupe
	pendingFills map[int64][]domain.Fill     // fills for not-yet-bound broker ids
}

// NewManager creates a new lifecycle manager instance.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Broker == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("%w: broker and logger are required", ports.ErrConfigurationError)
	}
	if cfg.TickSize <= 0 || cfg.TickValue <= 0 {
		return nil, fmt.Errorf("%w: tick size and tick value must be positive", ports.ErrConfigurationError)
	}
	if err := cfg.Plan.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ports.ErrConfigurationError, err)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.FlattenConcurrency <= 0 {
		cfg.FlattenConcurrency = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewTag == nil {
		cfg.NewTag = uuid.NewString
	}
	return &Manager{
		cfg:          cfg,
		logger:       cfg.Logger,
		now:          cfg.Now,
		newTag:       cfg.NewTag,
		commands:     make(chan func(context.Context), 256),
		reconcile:    make(chan struct{}, 1),
		orders:       make(map[string]*domain.Order),
		byBroker:     make(map[int64]string),
		positions:    make(map[string]*domain.Position),
		entryPlans:   make(map[string]OpenRequest),
		seenFills:    make(map[string]struct{}),
		pendingFills: make(map[int64][]domain.Fill),
	}, nil
}

// Run drains the command channel until the context is cancelled. It is
// the only goroutine that touches the books.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-m.commands:
			cmd(ctx)
		case <-m.reconcile:
			m.applyReconcile(ctx)
		}
	}
}

// enqueue hands a command to the event loop.
func (m *Manager) enqueue(cmd func(context.Context)) {
	m.commands <- cmd
}

// OpenPosition submits a market entry for the request. The protective
// bracket is synthesized once the entry fills.
func (m *Manager) OpenPosition(req OpenRequest) {
	m.enqueue(func(ctx context.Context) { m.applyOpen(ctx, req) })
}

// OnOrderUpdate feeds a broker order event into the loop.
func (m *Manager) OnOrderUpdate(ev ports.BrokerOrder) {
	m.enqueue(func(ctx context.Context) { m.applyOrderUpdate(ctx, ev) })
}

// OnFill feeds an execution report into the loop.
func (m *Manager) OnFill(fill domain.Fill) {
	m.enqueue(func(ctx context.Context) { m.applyFill(ctx, fill) })
}

// RequestReconcile schedules a reconciliation pass against the broker.
// It never blocks: the loop's own handlers call it (a cancel or submit
// whose outcome is unknown), and a blocking send from inside the loop
// would deadlock it. Requests piling up before the pass runs coalesce
// into one.
func (m *Manager) RequestReconcile() {
	select {
	case m.reconcile <- struct{}{}:
	default:
	}
}

// FlattenAll cancels every protective order and market-closes every
// open position. It blocks until the pass completes or ctx expires.
func (m *Manager) FlattenAll(ctx context.Context) error {
	done := make(chan error, 1)
	m.enqueue(func(loopCtx context.Context) { done <- m.applyFlattenAll(loopCtx) })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the current books. It round-trips through
// the event loop so the copy is consistent.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	out := make(chan Snapshot, 1)
	m.enqueue(func(context.Context) {
		var s Snapshot
		for _, o := range m.orders {
			s.Orders = append(s.Orders, *o)
		}
		for _, p := range m.positions {
			s.Positions = append(s.Positions, *p)
		}
		out <- s
	})
	select {
	case s := <-out:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// OpenPositionCount reports how many positions still carry exposure
// plus entries in flight that have not filled yet: an entry sitting at
// the broker is committed exposure even before its position exists.
// Like Snapshot it round-trips through the loop.
func (m *Manager) OpenPositionCount(ctx context.Context) (int, error) {
	out := make(chan int, 1)
	m.enqueue(func(context.Context) { out <- len(m.openPositions()) + len(m.entryPlans) })
	select {
	case n := <-out:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (m *Manager) openPositions() []*domain.Position {
	var open []*domain.Position
	for _, p := range m.positions {
		if p.IsOpen() || p.State == domain.PositionOpening {
			open = append(open, p)
		}
	}
	return open
}

// callCtx derives the per-call deadline for a broker request.
func (m *Manager) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.CallTimeout)
}

// placeOrder submits one order, retrying transient failures. A
// failed-unknown result (deadline mid-submit) is never retried; the
// caller schedules reconciliation instead of risking a duplicate.
func (m *Manager) placeOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderAck, error) {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.SubmitRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
			}
		}
		callCtx, cancel := m.callCtx(ctx)
		ack, err := m.cfg.Broker.PlaceOrder(callCtx, req)
		cancel()
		if err == nil {
			return ack, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
		m.logger.Warn(ctx, "order submit failed, retrying", map[string]interface{}{
			"tag":     req.CustomTag,
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
	}
	return nil, lastErr
}

// cancelOrder cancels by broker id, retrying once on a transient
// failure. A cancel racing a fill returns ErrOrderNotFound from the
// broker and is reported as benign via the bool. A persistent failure
// is flagged for manual intervention; the process keeps running.
func (m *Manager) cancelOrder(ctx context.Context, order *domain.Order) (alreadyGone bool, err error) {
	if order.BrokerID == 0 {
		return false, nil
	}
	for attempt := 0; attempt < 2; attempt++ {
		callCtx, cancel := m.callCtx(ctx)
		err = m.cfg.Broker.CancelOrder(callCtx, order.BrokerID)
		cancel()
		if err == nil {
			return false, nil
		}
		if errors.Is(err, ports.ErrOrderNotFound) {
			// Already filled or already cancelled; the fill event, if
			// any, is still in flight.
			return true, nil
		}
		if errors.Is(err, ports.ErrSubmitUnknown) {
			m.logger.Warn(ctx, "cancel outcome unknown, scheduling reconciliation", map[string]interface{}{
				"tag":      order.Tag,
				"brokerID": order.BrokerID,
			})
			m.RequestReconcile()
			return false, err
		}
		if !isTransient(err) {
			break
		}
	}
	m.logger.Error(ctx, fmt.Errorf("%w: cancel failed for order %s: %w", ports.ErrManualIntervention, order.Tag, err),
		"order cancel failed after retry", map[string]interface{}{
			"tag":      order.Tag,
			"brokerID": order.BrokerID,
			"role":     order.Role,
		})
	return false, fmt.Errorf("%w: %w", ports.ErrManualIntervention, err)
}

func isTransient(err error) bool {
	return errors.Is(err, ports.ErrConnectionFailed) || errors.Is(err, ports.ErrRateLimited)
}

// bind associates a broker id with a local order and replays any fills
// that arrived before the ack.
func (m *Manager) bind(ctx context.Context, order *domain.Order, brokerID int64) {
	order.BrokerID = brokerID
	order.UpdatedAt = m.now()
	m.byBroker[brokerID] = order.Tag
	if buffered := m.pendingFills[brokerID]; len(buffered) > 0 {
		delete(m.pendingFills, brokerID)
		m.logger.Debug(ctx, "replaying buffered fills", map[string]interface{}{
			"tag":   order.Tag,
			"count": len(buffered),
		})
		for _, f := range buffered {
			m.applyFill(ctx, f)
		}
	}
}

// pnl converts a price move on qty contracts into dollars.
func (m *Manager) pnl(side domain.OrderSide, entry, exit float64, qty int) float64 {
	move := exit - entry
	if side == domain.Sell {
		move = -move
	}
	return move / m.cfg.TickSize * m.cfg.TickValue * float64(qty)
}
