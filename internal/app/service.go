package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/1a55y/TradingBot/config"
	"github.com/1a55y/TradingBot/internal/domain"
	"github.com/1a55y/TradingBot/internal/lifecycle"
	"github.com/1a55y/TradingBot/internal/ports"
	"github.com/1a55y/TradingBot/internal/risk"

	"golang.org/x/sync/errgroup"
)

// Subscribe methods on the two hubs.
const (
	methodSubscribeQuotes   = "SubscribeContractQuotes"
	methodUnsubscribeQuotes = "UnsubscribeContractQuotes"
	methodSubscribeOrders   = "SubscribeOrders"
	methodUnsubscribeOrders = "UnsubscribeOrders"
	methodSubscribeTrades   = "SubscribeTrades"
	methodUnsubscribeTrades = "UnsubscribeTrades"
)

const staleQuoteCheckInterval = 30 * time.Second

// QuoteSource is the read side of the market-data cache.
type QuoteSource interface {
	Current(contractID string) (domain.Quote, bool)
	IsStale(contractID string, maxAge time.Duration) bool
}

// Service wires the streams, the risk gate, and the lifecycle manager
// together and hosts the periodic work: signal polling, account
// refresh, the stale-quote watchdog, and the session-boundary risk
// reset.
type Service struct {
	cfg       *config.Config
	logger    ports.Logger
	broker    ports.Broker
	marketHub ports.Stream
	userHub   ports.Stream
	quotes    QuoteSource
	signals   ports.SignalProducer
	gate      *risk.Gate
	manager   *lifecycle.Manager
	tradeRepo ports.TradeRepository
}

// NewService creates the application service instance.
func NewService(
	cfg *config.Config,
	logger ports.Logger,
	broker ports.Broker,
	marketHub, userHub ports.Stream,
	quotes QuoteSource,
	signals ports.SignalProducer,
	gate *risk.Gate,
	manager *lifecycle.Manager,
	tradeRepo ports.TradeRepository,
) (*Service, error) {
	if cfg == nil || logger == nil || broker == nil || marketHub == nil || userHub == nil ||
		quotes == nil || signals == nil || gate == nil || manager == nil || tradeRepo == nil {
		return nil, fmt.Errorf("missing required dependencies for Service")
	}
	return &Service{
		cfg:       cfg,
		logger:    logger,
		broker:    broker,
		marketHub: marketHub,
		userHub:   userHub,
		quotes:    quotes,
		signals:   signals,
		gate:      gate,
		manager:   manager,
		tradeRepo: tradeRepo,
	}, nil
}

// Start runs the service until the context is cancelled or a shutdown
// signal arrives.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info(ctx, "starting trading service", map[string]interface{}{
		"contractID": s.cfg.ContractID,
		"accountID":  s.cfg.AccountID,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	// A restart must not reset the per-day trade cap.
	tradesToday, err := s.tradeRepo.CountTodayByContract(ctx, s.cfg.ContractID)
	if err != nil {
		s.logger.Error(ctx, err, "failed to count today's trades")
		return fmt.Errorf("failed to count today's trades: %w", err)
	}
	s.gate.SeedTradesToday(ctx, tradesToday)
	s.logger.Info(ctx, "initial state synchronized", map[string]interface{}{"tradesToday": tradesToday})

	// Reconcile against the broker after every reconnect; connectivity
	// gaps mean missed fills and cancels.
	s.userHub.OnReady(func(reconnect bool) {
		if reconnect {
			s.logger.Warn(ctx, "user hub reconnected, reconciling", nil)
			s.manager.RequestReconcile()
		}
	})

	if err := s.marketHub.Connect(ctx); err != nil {
		return fmt.Errorf("market hub connect failed: %w", err)
	}
	defer s.marketHub.Stop()
	if err := s.userHub.Connect(ctx); err != nil {
		return fmt.Errorf("user hub connect failed: %w", err)
	}
	defer s.userHub.Stop()

	if err := s.subscribe(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.manager.Run(gctx)
		if err != nil && gctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error { return s.periodicLoop(gctx) })

	// Broker state is authoritative on startup too: adopt or drop
	// whatever survived the previous run.
	s.manager.RequestReconcile()

	err = g.Wait()
	s.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.logger.Info(context.Background(), "trading service stopped", nil)
	return nil
}

func (s *Service) subscribe(ctx context.Context) error {
	if err := s.marketHub.Subscribe(ctx, ports.Subscription{
		Target:   methodSubscribeQuotes,
		Untarget: methodUnsubscribeQuotes,
		Argument: s.cfg.ContractID,
	}); err != nil {
		return fmt.Errorf("quote subscription failed: %w", err)
	}
	for _, sub := range []ports.Subscription{
		{Target: methodSubscribeOrders, Untarget: methodUnsubscribeOrders, Argument: s.cfg.AccountID},
		{Target: methodSubscribeTrades, Untarget: methodUnsubscribeTrades, Argument: s.cfg.AccountID},
	} {
		if err := s.userHub.Subscribe(ctx, sub); err != nil {
			return fmt.Errorf("user hub subscription %s failed: %w", sub.Target, err)
		}
	}
	return nil
}

// periodicLoop hosts every scheduled task on one goroutine.
func (s *Service) periodicLoop(ctx context.Context) error {
	pollTicker := time.NewTicker(s.cfg.SignalPollInterval)
	defer pollTicker.Stop()
	accountTicker := time.NewTicker(s.cfg.AccountRefreshInterval)
	defer accountTicker.Stop()
	staleTicker := time.NewTicker(staleQuoteCheckInterval)
	defer staleTicker.Stop()
	resetTicker := time.NewTicker(time.Minute)
	defer resetTicker.Stop()

	lastResetDay := time.Now().UTC().YearDay()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pollTicker.C:
			s.pollSignals(ctx)
		case <-accountTicker.C:
			if _, err := s.broker.GetEquity(ctx, true); err != nil {
				s.logger.Warn(ctx, "account refresh failed", map[string]interface{}{"error": err.Error()})
			}
		case <-staleTicker.C:
			if s.quotes.IsStale(s.cfg.ContractID, 2*staleQuoteCheckInterval) {
				s.logger.Warn(ctx, "market data is stale", map[string]interface{}{"contractID": s.cfg.ContractID})
			}
		case <-resetTicker.C:
			if day := time.Now().UTC().YearDay(); day != lastResetDay {
				lastResetDay = day
				s.gate.ResetDaily(ctx)
			}
		}
	}
}

// pollSignals fetches pending signals and runs each through admission.
func (s *Service) pollSignals(ctx context.Context) {
	signals, err := s.signals.Poll(ctx)
	if err != nil {
		s.logger.Warn(ctx, "signal poll failed", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, sig := range signals {
		s.handleSignal(ctx, sig)
	}
}

func (s *Service) handleSignal(ctx context.Context, sig domain.Signal) {
	if sig.ContractID != s.cfg.ContractID {
		s.logger.Debug(ctx, "signal for other contract ignored", map[string]interface{}{"contractID": sig.ContractID})
		return
	}

	// One bracket at a time.
	open, err := s.manager.OpenPositionCount(ctx)
	if err != nil {
		return
	}
	if open > 0 {
		s.logger.Debug(ctx, "signal skipped, position already open", nil)
		return
	}

	if s.quotes.IsStale(sig.ContractID, 2*staleQuoteCheckInterval) {
		s.logger.Warn(ctx, "signal skipped, market data is stale", map[string]interface{}{"contractID": sig.ContractID})
		return
	}
	if sig.EntryHint == 0 {
		quote, ok := s.quotes.Current(sig.ContractID)
		if !ok {
			return
		}
		sig.EntryHint = quote.Mid()
	}

	equity, err := s.broker.GetEquity(ctx, false)
	if err != nil {
		s.logger.Warn(ctx, "signal skipped, equity unavailable", map[string]interface{}{"error": err.Error()})
		return
	}

	decision := s.gate.Evaluate(ctx, sig, *equity)
	if !decision.Approved {
		return
	}
	s.manager.OpenPosition(lifecycle.OpenRequest{
		Side:         sig.Side,
		Quantity:     decision.Size,
		StopDistance: float64(decision.StopTicks) * s.cfg.TickSize,
	})
}

// shutdown optionally flattens, then reports the final books.
func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// The main loop has already exited; restart it under the shutdown
	// deadline so FlattenAll and the final Snapshot drain instead of
	// waiting out the timeout.
	go func() { _ = s.manager.Run(ctx) }()

	if s.cfg.FlattenOnShutdown {
		if err := s.manager.FlattenAll(ctx); err != nil {
			s.logger.Error(ctx, err, "flatten on shutdown failed", nil)
		}
	}

	snap, err := s.manager.Snapshot(ctx)
	if err != nil {
		return
	}
	openCount := 0
	for _, p := range snap.Positions {
		if p.IsOpen() || p.State == domain.PositionOpening {
			openCount++
		}
	}
	st := s.gate.State()
	s.logger.Info(ctx, "final state", map[string]interface{}{
		"openPositions": openCount,
		"realizedPnL":   st.RealizedPnL,
		"tradesToday":   st.TradesToday,
		"halted":        st.Halted,
	})
}

// Status is the pull-only monitoring snapshot. The service never pushes
// state anywhere; callers ask for it.
type Status struct {
	Risk      risk.State
	Orders    []domain.Order
	Positions []domain.Position
}

// Snapshot returns the current positions, orders, and risk state.
func (s *Service) Snapshot(ctx context.Context) (Status, error) {
	books, err := s.manager.Snapshot(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Risk:      s.gate.State(),
		Orders:    books.Orders,
		Positions: books.Positions,
	}, nil
}
