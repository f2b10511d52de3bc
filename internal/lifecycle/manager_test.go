package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/1a55y/TradingBot/internal/adapters/logger"
	"github.com/1a55y/TradingBot/internal/domain"
	"github.com/1a55y/TradingBot/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBroker records calls and assigns sequential broker ids.
type mockBroker struct {
	mu        sync.Mutex
	nextID    int64
	placed    []ports.OrderRequest
	cancelled []int64

	placeErr  func(req ports.OrderRequest) error
	cancelErr func(brokerID int64) error
	searches  int

	openOrders    []ports.BrokerOrder
	openPositions []ports.BrokerPosition
}

func (b *mockBroker) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.placeErr != nil {
		if err := b.placeErr(req); err != nil {
			return nil, err
		}
	}
	b.nextID++
	b.placed = append(b.placed, req)
	return &ports.OrderAck{BrokerID: b.nextID, CustomTag: req.CustomTag, Status: domain.OrderSubmitted, Timestamp: time.Now()}, nil
}

func (b *mockBroker) CancelOrder(ctx context.Context, brokerID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelErr != nil {
		if err := b.cancelErr(brokerID); err != nil {
			return err
		}
	}
	b.cancelled = append(b.cancelled, brokerID)
	return nil
}

func (b *mockBroker) SearchOpenOrders(ctx context.Context) ([]ports.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.searches++
	return b.openOrders, nil
}

func (b *mockBroker) SearchOpenPositions(ctx context.Context) ([]ports.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openPositions, nil
}

func (b *mockBroker) GetEquity(ctx context.Context, force bool) (*domain.EquitySnapshot, error) {
	return &domain.EquitySnapshot{AccountID: 1, Equity: 50000, Timestamp: time.Now()}, nil
}

func (b *mockBroker) lastPlaced() ports.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.placed[len(b.placed)-1]
}

func (b *mockBroker) placedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.placed)
}

func (b *mockBroker) searchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.searches
}

func (b *mockBroker) cancelledIDs() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.cancelled...)
}

type closedRecord struct {
	pnl float64
}

type testHarness struct {
	m      *Manager
	broker *mockBroker
	closed []closedRecord
	opened int
}

// Tick size and tick value are equal here so one point of price move on
// one contract is exactly one dollar.
func newHarness(t *testing.T, mutate func(*Config)) *testHarness {
	t.Helper()
	h := &testHarness{broker: &mockBroker{}}
	tagSeq := 0
	cfg := Config{
		AccountID:            1,
		ContractID:           "CON.F.US.MGC.Q25",
		TickSize:             0.10,
		TickValue:            0.10,
		Plan: domain.PartialProfitPlan{Tiers: []domain.Tier{
			{Fraction: 0.5, RewardMultiple: 1.0},
			{Fraction: 0.4, RewardMultiple: 2.0},
			{Fraction: 0.1, RewardMultiple: 2.5},
		}},
		BreakevenEnabled:     true,
		BreakevenBufferTicks: 5,
		CallTimeout:          time.Second,
		Broker:               h.broker,
		Logger:               logger.NewStdLogger(logger.LevelError),
		OnOpened:             func(ctx context.Context) { h.opened++ },
		OnClosed:             func(ctx context.Context, pnl float64) { h.closed = append(h.closed, closedRecord{pnl: pnl}) },
		NewTag: func() string {
			tagSeq++
			return fmt.Sprintf("tag-%d", tagSeq)
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	h.m = m
	return h
}

func (h *testHarness) fill(ctx context.Context, fillID string, brokerID int64, qty int, price float64) {
	h.m.applyFill(ctx, domain.Fill{FillID: fillID, BrokerID: brokerID, Quantity: qty, Price: price, Timestamp: time.Now()})
}

func (h *testHarness) openLong(ctx context.Context, qty int, stopDistance float64) {
	h.m.applyOpen(ctx, OpenRequest{Side: domain.Buy, Quantity: qty, StopDistance: stopDistance})
}

func (h *testHarness) singlePosition(t *testing.T) *domain.Position {
	t.Helper()
	require.Len(t, h.m.positions, 1)
	for _, p := range h.m.positions {
		return p
	}
	return nil
}

func TestEntryFillSynthesizesBracket(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.openLong(ctx, 10, 5.00)
	require.Equal(t, 1, h.broker.placedCount())
	entry := h.broker.lastPlaced()
	assert.Equal(t, domain.Market, entry.Type)
	assert.Equal(t, 10, entry.Quantity)

	// Entry is broker id 1; its fill triggers the protective set.
	h.fill(ctx, "f1", 1, 10, 2650.00)
	require.Equal(t, 5, h.broker.placedCount()) // entry + stop + 3 targets

	pos := h.singlePosition(t)
	assert.Equal(t, domain.PositionOpen, pos.State)
	assert.Equal(t, 10, pos.RemainingQty)
	assert.InDelta(t, 2650.00, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 2645.00, pos.StopPrice, 1e-9)
	assert.Equal(t, 1, h.opened)

	stop := h.m.orders[pos.StopOrderTag]
	assert.Equal(t, domain.Stop, stop.Type)
	assert.Equal(t, domain.Sell, stop.Side)
	assert.Equal(t, 10, stop.Quantity)

	require.Len(t, pos.TargetTags, 3)
	wantTargets := []struct {
		qty   int
		price float64
	}{{5, 2655.00}, {4, 2660.00}, {1, 2662.50}}
	for i, tag := range pos.TargetTags {
		target := h.m.orders[tag]
		assert.Equal(t, domain.Limit, target.Type)
		assert.Equal(t, wantTargets[i].qty, target.Quantity, "tier %d", i+1)
		assert.InDelta(t, wantTargets[i].price, target.LimitPrice, 1e-9, "tier %d", i+1)
	}
}

func TestEntryCancelledAfterPartialFillProtectsFilledQuantity(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.openLong(ctx, 10, 5.00)
	h.fill(ctx, "f1", 1, 4, 2650.00)
	require.Empty(t, h.m.positions)

	// The broker cancels the unfilled remainder; the 4 contracts that
	// executed are live and need their bracket sized to the fill.
	h.m.applyOrderUpdate(ctx, ports.BrokerOrder{BrokerID: 1, CustomTag: "tag-1", Status: domain.OrderCancelled})

	pos := h.singlePosition(t)
	assert.Equal(t, domain.PositionOpen, pos.State)
	assert.Equal(t, 4, pos.OriginalQty)
	assert.Equal(t, 4, pos.RemainingQty)
	assert.Empty(t, h.m.entryPlans)

	stop := h.m.orders[pos.StopOrderTag]
	assert.Equal(t, 4, stop.Quantity)
	assert.InDelta(t, 2645.00, stop.StopPrice, 1e-9)
	targetQty := 0
	for _, tag := range pos.TargetTags {
		targetQty += h.m.orders[tag].Quantity
	}
	assert.Equal(t, 4, targetQty)
}

func TestEntryCancelledUnfilledDropsPlan(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.openLong(ctx, 10, 5.00)
	h.m.applyOrderUpdate(ctx, ports.BrokerOrder{BrokerID: 1, CustomTag: "tag-1", Status: domain.OrderCancelled})

	assert.Empty(t, h.m.positions)
	assert.Empty(t, h.m.entryPlans)
	assert.Equal(t, 1, h.broker.placedCount())
}

// The full scale-out walk: long 10 @ 2650 with a 5.00 stop distance and
// tiers 50%@1R / 40%@2R / 10%@2.5R. Tier 1 moves the stop to breakeven
// plus buffer, tier 2 resizes it, the stop takes out the runner, and
// realized P&L lands on $65.50.
func TestScaleOutScenario(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.openLong(ctx, 10, 5.00)
	h.fill(ctx, "f1", 1, 10, 2650.00)
	pos := h.singlePosition(t)
	// Broker ids: 1 entry, 2 stop, 3/4/5 targets.

	// Tier 1 fills 5 @ 2655: stop replaced at breakeven for remaining 5.
	h.fill(ctx, "f2", 3, 5, 2655.00)
	assert.Equal(t, 5, pos.RemainingQty)
	assert.InDelta(t, 25.00, pos.RealizedPnL, 1e-9)
	assert.True(t, pos.StopAtBreakeven)
	assert.InDelta(t, 2650.50, pos.StopPrice, 1e-9)
	assert.Contains(t, h.broker.cancelledIDs(), int64(2))
	newStop := h.m.orders[pos.StopOrderTag]
	assert.Equal(t, 5, newStop.Quantity) // broker id 6
	assert.InDelta(t, 2650.50, newStop.StopPrice, 1e-9)

	// Tier 2 fills 4 @ 2660: stop resized to the runner, price kept.
	h.fill(ctx, "f3", 4, 4, 2660.00)
	assert.Equal(t, 1, pos.RemainingQty)
	assert.InDelta(t, 65.00, pos.RealizedPnL, 1e-9)
	assert.Contains(t, h.broker.cancelledIDs(), int64(6))
	runnerStop := h.m.orders[pos.StopOrderTag]
	assert.Equal(t, 1, runnerStop.Quantity) // broker id 7
	assert.InDelta(t, 2650.50, runnerStop.StopPrice, 1e-9)

	// Breakeven stop takes out the runner; tier 3 gets cancelled.
	h.fill(ctx, "f4", 7, 1, 2650.50)
	assert.Equal(t, 0, pos.RemainingQty)
	assert.Equal(t, domain.PositionClosed, pos.State)
	assert.Equal(t, domain.CloseReasonStop, pos.CloseReason)
	assert.InDelta(t, 65.50, pos.RealizedPnL, 1e-9)
	assert.Contains(t, h.broker.cancelledIDs(), int64(5))

	require.Len(t, h.closed, 1)
	assert.InDelta(t, 65.50, h.closed[0].pnl, 1e-9)
}

func TestStopFillCancelsAllTargets(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.openLong(ctx, 10, 5.00)
	h.fill(ctx, "f1", 1, 10, 2650.00)
	pos := h.singlePosition(t)

	// Stop (broker id 2) fills the whole position.
	h.fill(ctx, "f2", 2, 10, 2645.00)

	assert.Equal(t, domain.PositionClosed, pos.State)
	assert.Equal(t, domain.CloseReasonStop, pos.CloseReason)
	assert.InDelta(t, -50.00, pos.RealizedPnL, 1e-9)
	for _, tag := range pos.TargetTags {
		assert.Equal(t, domain.OrderCancelled, h.m.orders[tag].Status)
	}
	assert.ElementsMatch(t, []int64{3, 4, 5}, h.broker.cancelledIDs())
}

func TestAllTargetsFilledClosesPosition(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.openLong(ctx, 10, 5.00)
	h.fill(ctx, "f1", 1, 10, 2650.00)
	pos := h.singlePosition(t)

	h.fill(ctx, "f2", 3, 5, 2655.00) // stop replaced: id 6
	h.fill(ctx, "f3", 4, 4, 2660.00) // stop resized: id 7
	h.fill(ctx, "f4", 5, 1, 2662.50)

	assert.Equal(t, domain.PositionClosed, pos.State)
	assert.Equal(t, domain.CloseReasonTargets, pos.CloseReason)
	assert.True(t, pos.AllTiersFilled())
	assert.InDelta(t, 77.50, pos.RealizedPnL, 1e-9)
	assert.Contains(t, h.broker.cancelledIDs(), int64(7))
}

func TestDuplicateFillIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.openLong(ctx, 10, 5.00)
	h.fill(ctx, "f1", 1, 10, 2650.00)
	pos := h.singlePosition(t)

	h.fill(ctx, "f2", 3, 5, 2655.00)
	remaining, pnl := pos.RemainingQty, pos.RealizedPnL
	placed := h.broker.placedCount()

	h.fill(ctx, "f2", 3, 5, 2655.00) // same fill id replayed

	assert.Equal(t, remaining, pos.RemainingQty)
	assert.InDelta(t, pnl, pos.RealizedPnL, 1e-9)
	assert.Equal(t, placed, h.broker.placedCount())
}

func TestFillBeforeBindIsBufferedAndReplayed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// A fill for a broker id nobody has bound yet just waits.
	h.fill(ctx, "f0", 42, 10, 2650.00)
	assert.Len(t, h.m.pendingFills[42], 1)
	assert.Empty(t, h.m.positions)

	// Submit lands but the fill beat the ack: simulate by opening, then
	// routing the entry fill through the order event that binds by tag.
	h.broker.placeErr = func(req ports.OrderRequest) error {
		if req.Type == domain.Market && req.Quantity == 10 {
			return fmt.Errorf("%w: deadline mid-submit", ports.ErrSubmitUnknown)
		}
		return nil
	}
	h.openLong(ctx, 10, 5.00)
	entryTag := "tag-1"
	require.Equal(t, domain.OrderPendingSubmit, h.m.orders[entryTag].Status)

	h.broker.placeErr = nil
	h.m.applyOrderUpdate(ctx, ports.BrokerOrder{BrokerID: 42, CustomTag: entryTag, Status: domain.OrderSubmitted})

	// Binding replayed the buffered fill and the bracket went out.
	pos := h.singlePosition(t)
	assert.Equal(t, domain.PositionOpen, pos.State)
	assert.Empty(t, h.m.pendingFills)
}

func TestProtectiveRollbackOnTargetFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.broker.placeErr = func(req ports.OrderRequest) error {
		if req.Type == domain.Limit && req.Quantity == 4 {
			return fmt.Errorf("%w: margin", ports.ErrOrderRejected)
		}
		return nil
	}
	h.openLong(ctx, 10, 5.00)
	h.fill(ctx, "f1", 1, 10, 2650.00)

	pos := h.singlePosition(t)
	assert.Equal(t, domain.PositionClosing, pos.State)
	assert.Equal(t, domain.CloseReasonProtectFailed, pos.CloseReason)
	assert.Equal(t, 0, h.opened)

	// Stop (id 2) and tier-1 target (id 3) were rolled back, and a
	// market close for the full quantity went out.
	assert.ElementsMatch(t, []int64{2, 3}, h.broker.cancelledIDs())
	closeReq := h.broker.lastPlaced()
	assert.Equal(t, domain.Market, closeReq.Type)
	assert.Equal(t, domain.Sell, closeReq.Side)
	assert.Equal(t, 10, closeReq.Quantity)

	// The close fill drains the position through the normal path.
	h.fill(ctx, "f2", 4, 10, 2649.00)
	assert.Equal(t, domain.PositionClosed, pos.State)
	assert.Equal(t, domain.CloseReasonProtectFailed, pos.CloseReason)
}

func TestCancelAfterFillIsBenign(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.openLong(ctx, 10, 5.00)
	h.fill(ctx, "f1", 1, 10, 2650.00)
	pos := h.singlePosition(t)

	// Every cancel races a fill at the broker.
	h.broker.cancelErr = func(brokerID int64) error {
		return fmt.Errorf("%w: order %d", ports.ErrOrderNotFound, brokerID)
	}
	h.fill(ctx, "f2", 2, 10, 2645.00)

	// The race is tolerated: position still closes cleanly.
	assert.Equal(t, domain.PositionClosed, pos.State)
	assert.Equal(t, domain.CloseReasonStop, pos.CloseReason)
}

func TestStopFilledDuringReplacementSkipsNewStop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.openLong(ctx, 10, 5.00)
	h.fill(ctx, "f1", 1, 10, 2650.00)
	pos := h.singlePosition(t)

	// The breakeven replacement's cancel finds the stop already gone.
	h.broker.cancelErr = func(brokerID int64) error {
		if brokerID == 2 {
			return fmt.Errorf("%w: order %d", ports.ErrOrderNotFound, brokerID)
		}
		return nil
	}
	placed := h.broker.placedCount()
	h.fill(ctx, "f2", 3, 5, 2655.00)

	// No replacement stop was submitted; the in-flight stop fill will
	// close the remainder.
	assert.Equal(t, placed, h.broker.placedCount())
	assert.False(t, pos.StopAtBreakeven)

	h.fill(ctx, "f3", 2, 5, 2645.00)
	assert.Equal(t, domain.PositionClosed, pos.State)
}

func TestShortPositionBracketAndBreakeven(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.m.applyOpen(ctx, OpenRequest{Side: domain.Sell, Quantity: 10, StopDistance: 5.00})
	h.fill(ctx, "f1", 1, 10, 2650.00)
	pos := h.singlePosition(t)

	assert.InDelta(t, 2655.00, pos.StopPrice, 1e-9)
	tier1 := h.m.orders[pos.TargetTags[0]]
	assert.Equal(t, domain.Buy, tier1.Side)
	assert.InDelta(t, 2645.00, tier1.LimitPrice, 1e-9)

	h.fill(ctx, "f2", 3, 5, 2645.00)
	assert.InDelta(t, 25.00, pos.RealizedPnL, 1e-9)
	assert.InDelta(t, 2649.50, pos.StopPrice, 1e-9) // entry minus buffer
}

func TestProtectiveRejectionEventTriggersEmergencyClose(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.openLong(ctx, 10, 5.00)
	h.fill(ctx, "f1", 1, 10, 2650.00)
	pos := h.singlePosition(t)

	// The broker accepted the stop, then rejected it asynchronously.
	stopTag := pos.StopOrderTag
	h.m.applyOrderUpdate(ctx, ports.BrokerOrder{BrokerID: 2, CustomTag: stopTag, Status: domain.OrderRejected})

	assert.Equal(t, domain.PositionClosing, pos.State)
	assert.Equal(t, domain.CloseReasonProtectFailed, pos.CloseReason)
	closeReq := h.broker.lastPlaced()
	assert.Equal(t, domain.Market, closeReq.Type)
	assert.Equal(t, 10, closeReq.Quantity)
}

func TestReconcileClosesLocalWhenBrokerFlat(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.openLong(ctx, 10, 5.00)
	h.fill(ctx, "f1", 1, 10, 2650.00)
	pos := h.singlePosition(t)

	// Broker reports nothing open: fills and cancels were missed.
	h.m.applyReconcile(ctx)

	assert.Equal(t, domain.PositionClosed, pos.State)
	assert.Equal(t, domain.CloseReasonReconciliation, pos.CloseReason)
	for _, tag := range pos.TargetTags {
		assert.False(t, h.m.orders[tag].Status.IsOpen())
	}
	require.Len(t, h.closed, 1)
}

func TestReconcileAdoptsUnacknowledgedOrder(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.broker.placeErr = func(req ports.OrderRequest) error {
		return fmt.Errorf("%w: deadline mid-submit", ports.ErrSubmitUnknown)
	}
	h.openLong(ctx, 10, 5.00)
	entry := h.m.orders["tag-1"]
	require.Equal(t, int64(0), entry.BrokerID)

	// The submit did land at the broker after all.
	h.broker.placeErr = nil
	h.broker.openOrders = []ports.BrokerOrder{{
		BrokerID: 77, ContractID: "CON.F.US.MGC.Q25", Side: domain.Buy,
		Type: domain.Market, Quantity: 10, Status: domain.OrderSubmitted, CustomTag: "tag-1",
	}}
	h.m.applyReconcile(ctx)

	assert.Equal(t, int64(77), entry.BrokerID)
	assert.Equal(t, "tag-1", h.m.byBroker[77])

	// Its fill now routes normally.
	h.fill(ctx, "f1", 77, 10, 2650.00)
	pos := h.singlePosition(t)
	assert.Equal(t, domain.PositionOpen, pos.State)
}

func TestReconcileDropsPendingOrderAbsentAtBroker(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.broker.placeErr = func(req ports.OrderRequest) error {
		return fmt.Errorf("%w: deadline mid-submit", ports.ErrSubmitUnknown)
	}
	h.openLong(ctx, 10, 5.00)

	h.broker.placeErr = nil
	h.m.applyReconcile(ctx)

	assert.Equal(t, domain.OrderRejected, h.m.orders["tag-1"].Status)
	assert.Empty(t, h.m.entryPlans)
}

func TestFlattenAllClosesEverything(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.openLong(ctx, 10, 5.00)
	h.fill(ctx, "f1", 1, 10, 2650.00)
	h.fill(ctx, "f2", 3, 5, 2655.00) // partial scale-out first
	pos := h.singlePosition(t)
	require.Equal(t, 5, pos.RemainingQty)

	require.NoError(t, h.m.applyFlattenAll(ctx))

	assert.Equal(t, domain.PositionClosing, pos.State)
	assert.Equal(t, domain.CloseReasonFlatten, pos.CloseReason)
	closeReq := h.broker.lastPlaced()
	assert.Equal(t, domain.Market, closeReq.Type)
	assert.Equal(t, domain.Sell, closeReq.Side)
	assert.Equal(t, 5, closeReq.Quantity)

	// The close order's ack was bound, so its fill drains the position.
	closeOrder := h.m.orders[closeReq.CustomTag]
	require.NotEqual(t, int64(0), closeOrder.BrokerID)
	h.fill(ctx, "f3", closeOrder.BrokerID, 5, 2652.00)
	assert.Equal(t, domain.PositionClosed, pos.State)
	require.Len(t, h.closed, 1)
}

func TestSubmitRetriesTransientErrors(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.SubmitRetries = 2 })
	ctx := context.Background()

	attempts := 0
	h.broker.placeErr = func(req ports.OrderRequest) error {
		attempts++
		if attempts <= 2 {
			return fmt.Errorf("%w: connection reset", ports.ErrConnectionFailed)
		}
		return nil
	}
	h.openLong(ctx, 10, 5.00)

	assert.Equal(t, 3, attempts)
	assert.Equal(t, domain.OrderSubmitted, h.m.orders["tag-1"].Status)
}

func TestRejectedEntryDoesNotRetry(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.SubmitRetries = 3 })
	ctx := context.Background()

	attempts := 0
	h.broker.placeErr = func(req ports.OrderRequest) error {
		attempts++
		return fmt.Errorf("%w: insufficient margin", ports.ErrOrderRejected)
	}
	h.openLong(ctx, 10, 5.00)

	assert.Equal(t, 1, attempts)
	assert.Equal(t, domain.OrderRejected, h.m.orders["tag-1"].Status)
	assert.Empty(t, h.m.entryPlans)
}

func TestSnapshotThroughTheLoop(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = h.m.Run(ctx)
	}()

	h.m.OpenPosition(OpenRequest{Side: domain.Buy, Quantity: 10, StopDistance: 5.00})
	h.m.OnFill(domain.Fill{FillID: "f1", BrokerID: 1, Quantity: 10, Price: 2650.00, Timestamp: time.Now()})

	snap, err := h.m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Positions, 1)
	assert.Len(t, snap.Orders, 5)

	n, err := h.m.OpenPositionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cancel()
	<-loopDone
}

func TestPendingEntryCountsAsOpenExposure(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.m.Run(ctx) }()

	// A submitted entry that has not filled is committed exposure.
	h.m.OpenPosition(OpenRequest{Side: domain.Buy, Quantity: 10, StopDistance: 5.00})
	n, err := h.m.OpenPositionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The fill converts the plan into a position; still one, not two.
	h.m.OnFill(domain.Fill{FillID: "f1", BrokerID: 1, Quantity: 10, Price: 2650.00, Timestamp: time.Now()})
	n, err = h.m.OpenPositionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReconcileRequestsCoalesceAndNeverBlock(t *testing.T) {
	h := newHarness(t, nil)

	// The loop's own handlers request reconciliation, so the request
	// must never block even when nothing is draining yet. Repeats
	// collapse into one pass.
	for i := 0; i < 5; i++ {
		h.m.RequestReconcile()
	}

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = h.m.Run(ctx)
	}()

	require.Eventually(t, func() bool { return h.broker.searchCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-loopDone
	assert.Equal(t, 1, h.broker.searchCount())
}
