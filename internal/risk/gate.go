package risk

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/1a55y/TradingBot/internal/domain"
	"github.com/1a55y/TradingBot/internal/ports"
)

// Halt reasons retained in State for the rest of the trading day.
const (
	HaltDailyLoss         = "daily loss limit breached"
	HaltConsecutiveLosses = "consecutive loss limit reached"
	HaltMaxTrades         = "max trades per day reached"
)

// Config holds configuration for the risk gate.
type Config struct {
	DailyLossLimit       float64 // hard daily stop in dollars
	MaxRiskPerTrade      float64 // per-trade dollar cap
	MaxConsecutiveLosses int
	MaxTradesPerDay      int
	MinSize              int
	MaxSize              int
	MinStopTicks         int
	MaxStopTicks         int
	MinScore             float64
	TickSize             float64
	TickValue            float64
	SessionStart         string // "HH:MM" UTC
	SessionEnd           string // "HH:MM" UTC
	EntryBlackout        time.Duration
	SignalCooldown       time.Duration
	Plan                 domain.PartialProfitPlan
	Logger               ports.Logger
	Now                  func() time.Time // defaults to time.Now
}

// State holds the gate's running risk statistics.
type State struct {
	RealizedPnL       float64
	ConsecutiveLosses int
	TradesToday       int
	Halted            bool
	HaltReason        string
	LastOpenedAt      time.Time
	LastResetAt       time.Time
}

// TargetLevel is one approved profit-target leg.
type TargetLevel struct {
	Quantity       int
	Price          float64
	RewardMultiple float64
}

// Decision is the outcome of evaluating a signal. A rejection is an
// ordinary negative result, not an error.
type Decision struct {
	Approved  bool
	Reason    string
	Size      int
	StopPrice float64
	StopTicks int
	Targets   []TargetLevel
}

// Gate is the sole point deciding whether a signal becomes a trade, and
// at what size. All state mutation happens from the event loop; the
// mutex only protects concurrent Snapshot reads.
type Gate struct {
	cfg Config
	now func() time.Time

	sessionStartMin int
	sessionEndMin   int

	mu    sync.Mutex
	state State
}

// NewGate creates a new risk gate instance.
func NewGate(cfg Config) (*Gate, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ports.ErrConfigurationError)
	}
	if cfg.TickValue <= 0 || cfg.TickSize <= 0 {
		return nil, fmt.Errorf("%w: tick size and tick value must be positive", ports.ErrConfigurationError)
	}
	if err := cfg.Plan.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ports.ErrConfigurationError, err)
	}
	startMin, err := parseClock(cfg.SessionStart)
	if err != nil {
		return nil, fmt.Errorf("%w: session start: %w", ports.ErrConfigurationError, err)
	}
	endMin, err := parseClock(cfg.SessionEnd)
	if err != nil {
		return nil, fmt.Errorf("%w: session end: %w", ports.ErrConfigurationError, err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Gate{
		cfg:             cfg,
		now:             now,
		sessionStartMin: startMin,
		sessionEndMin:   endMin,
		state:           State{LastResetAt: now()},
	}, nil
}

// parseClock converts "HH:MM" into minutes past midnight.
func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock value %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in clock value %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in clock value %q", s)
	}
	return h*60 + m, nil
}

// Evaluate decides whether a signal becomes a trade and at what size.
func (g *Gate) Evaluate(ctx context.Context, signal domain.Signal, equity domain.EquitySnapshot) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state.Halted {
		return g.reject(ctx, signal, g.state.HaltReason)
	}
	if reason, ok := g.windowOpen(); !ok {
		return g.reject(ctx, signal, reason)
	}
	if g.cfg.SignalCooldown > 0 && !g.state.LastOpenedAt.IsZero() {
		if elapsed := g.now().Sub(g.state.LastOpenedAt); elapsed < g.cfg.SignalCooldown {
			return g.reject(ctx, signal, fmt.Sprintf("cooldown active for another %s", (g.cfg.SignalCooldown - elapsed).Round(time.Second)))
		}
	}
	if signal.Score < g.cfg.MinScore {
		return g.reject(ctx, signal, fmt.Sprintf("score %.2f below minimum %.2f", signal.Score, g.cfg.MinScore))
	}

	stopTicks := signal.StopDistanceTicks
	if stopTicks > g.cfg.MaxStopTicks {
		return g.reject(ctx, signal, fmt.Sprintf("stop distance %d ticks exceeds maximum %d", stopTicks, g.cfg.MaxStopTicks))
	}
	if stopTicks < g.cfg.MinStopTicks {
		// A tighter stop than allowed would oversize the position;
		// widen it to the floor instead of rejecting.
		stopTicks = g.cfg.MinStopTicks
	}

	maxRisk := math.Min(g.cfg.MaxRiskPerTrade, g.remainingDailyBudget())
	if maxRisk <= 0 {
		return g.reject(ctx, signal, "daily loss budget exhausted")
	}

	size := int(math.Floor(maxRisk / (float64(stopTicks) * g.cfg.TickValue)))
	if size > g.cfg.MaxSize {
		size = g.cfg.MaxSize
	}
	if size < g.cfg.MinSize {
		return g.reject(ctx, signal, fmt.Sprintf("sized %d below minimum %d", size, g.cfg.MinSize))
	}

	stopDistance := float64(stopTicks) * g.cfg.TickSize
	var stopPrice float64
	if signal.Side == domain.Buy {
		stopPrice = signal.EntryHint - stopDistance
	} else {
		stopPrice = signal.EntryHint + stopDistance
	}

	var targets []TargetLevel
	for _, alloc := range g.cfg.Plan.TierQuantities(size) {
		targets = append(targets, TargetLevel{
			Quantity:       alloc.Quantity,
			Price:          domain.TargetPrice(signal.Side, signal.EntryHint, stopDistance, alloc.RewardMultiple),
			RewardMultiple: alloc.RewardMultiple,
		})
	}

	g.cfg.Logger.Info(ctx, "signal approved", map[string]interface{}{
		"contractID": signal.ContractID,
		"side":       signal.Side,
		"size":       size,
		"stopTicks":  stopTicks,
		"stopPrice":  stopPrice,
		"equity":     equity.Equity,
	})
	return Decision{
		Approved:  true,
		Size:      size,
		StopPrice: stopPrice,
		StopTicks: stopTicks,
		Targets:   targets,
	}
}

func (g *Gate) reject(ctx context.Context, signal domain.Signal, reason string) Decision {
	g.cfg.Logger.Info(ctx, "signal rejected", map[string]interface{}{
		"contractID": signal.ContractID,
		"side":       signal.Side,
		"reason":     reason,
	})
	return Decision{Reason: reason}
}

// remainingDailyBudget is the dollar loss still allowed today. Profits
// do not enlarge the budget.
func (g *Gate) remainingDailyBudget() float64 {
	return g.cfg.DailyLossLimit + math.Min(g.state.RealizedPnL, 0)
}

// windowOpen reports whether new entries are currently allowed, taking
// both the session window and the entry blackout into account.
func (g *Gate) windowOpen() (string, bool) {
	now := g.now().UTC()
	minute := now.Hour()*60 + now.Minute()

	inSession := false
	if g.sessionStartMin <= g.sessionEndMin {
		inSession = minute >= g.sessionStartMin && minute < g.sessionEndMin
	} else {
		// Session spans midnight.
		inSession = minute >= g.sessionStartMin || minute < g.sessionEndMin
	}
	if !inSession {
		return "outside trading window", false
	}

	blackoutMin := int(g.cfg.EntryBlackout.Minutes())
	if blackoutMin > 0 {
		untilEnd := g.sessionEndMin - minute
		if untilEnd < 0 {
			untilEnd += 24 * 60
		}
		if untilEnd <= blackoutMin {
			return "inside entry blackout before session end", false
		}
	}
	return "", true
}

// NotifyTradeOpened records a new position for cooldown purposes.
func (g *Gate) NotifyTradeOpened(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.LastOpenedAt = g.now()
}

// OnPositionClosed accrues realized P&L and enforces the hard halts.
func (g *Gate) OnPositionClosed(ctx context.Context, pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state.RealizedPnL += pnl
	g.state.TradesToday++
	if pnl < 0 {
		g.state.ConsecutiveLosses++
	} else {
		g.state.ConsecutiveLosses = 0
	}

	switch {
	case g.state.RealizedPnL <= -g.cfg.DailyLossLimit:
		g.halt(ctx, HaltDailyLoss)
	case g.cfg.MaxConsecutiveLosses > 0 && g.state.ConsecutiveLosses >= g.cfg.MaxConsecutiveLosses:
		g.halt(ctx, HaltConsecutiveLosses)
	case g.cfg.MaxTradesPerDay > 0 && g.state.TradesToday >= g.cfg.MaxTradesPerDay:
		g.halt(ctx, HaltMaxTrades)
	}
}

func (g *Gate) halt(ctx context.Context, reason string) {
	if g.state.Halted {
		return
	}
	g.state.Halted = true
	g.state.HaltReason = reason
	g.cfg.Logger.Warn(ctx, "trading halted for the day", map[string]interface{}{
		"reason":      reason,
		"realizedPnL": g.state.RealizedPnL,
		"losses":      g.state.ConsecutiveLosses,
		"trades":      g.state.TradesToday,
	})
}

// SeedTradesToday initializes the daily trade count from the archive on
// startup so a restart cannot reset the per-day cap.
func (g *Gate) SeedTradesToday(ctx context.Context, count int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.TradesToday = count
	if g.cfg.MaxTradesPerDay > 0 && count >= g.cfg.MaxTradesPerDay {
		g.halt(ctx, HaltMaxTrades)
	}
}

// ResetDaily clears the daily statistics at the session boundary.
func (g *Gate) ResetDaily(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = State{LastResetAt: g.now()}
	g.cfg.Logger.Info(ctx, "daily risk state reset", nil)
}

// State returns a copy of the current risk statistics.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}
