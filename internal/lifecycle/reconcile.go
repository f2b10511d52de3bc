package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/1a55y/TradingBot/internal/domain"
	"github.com/1a55y/TradingBot/internal/ports"

	"golang.org/x/sync/errgroup"
)

// applyReconcile replaces the local books with the broker's view. It
// runs on start, after every reconnect, and after any failed-unknown
// submit or cancel. The broker always wins; every divergence is logged.
func (m *Manager) applyReconcile(ctx context.Context) {
	callCtx, cancel := m.callCtx(ctx)
	brokerOrders, err := m.cfg.Broker.SearchOpenOrders(callCtx)
	cancel()
	if err != nil {
		m.logger.Error(ctx, err, "reconciliation aborted, open-order search failed", nil)
		return
	}
	callCtx, cancel = m.callCtx(ctx)
	brokerPositions, err := m.cfg.Broker.SearchOpenPositions(callCtx)
	cancel()
	if err != nil {
		m.logger.Error(ctx, err, "reconciliation aborted, open-position search failed", nil)
		return
	}

	openAtBroker := make(map[int64]ports.BrokerOrder, len(brokerOrders))
	for _, bo := range brokerOrders {
		openAtBroker[bo.BrokerID] = bo

		// An order carrying one of our tags whose submit never
		// returned is adopted: the failed-unknown submit did land.
		if bo.CustomTag == "" {
			continue
		}
		if order, ours := m.orders[bo.CustomTag]; ours && order.BrokerID == 0 {
			m.logger.Warn(ctx, "reconciliation mismatch: unacknowledged order found at broker", map[string]interface{}{
				"tag":      bo.CustomTag,
				"brokerID": bo.BrokerID,
			})
			m.bind(ctx, order, bo.BrokerID)
			order.Status = bo.Status
			order.UpdatedAt = m.now()
		}
	}

	// Locally open orders the broker no longer reports are not working.
	// A missed fill and a missed cancel look identical here; the
	// position-level check below catches real exposure drift.
	for _, order := range m.orders {
		if !order.Status.IsOpen() {
			continue
		}
		if order.BrokerID == 0 {
			// Submit outcome still unknown and nothing at the broker
			// carries the tag: the order never landed.
			m.logger.Warn(ctx, "reconciliation mismatch: pending order absent at broker, dropping", map[string]interface{}{"tag": order.Tag})
			order.Status = domain.OrderRejected
			order.UpdatedAt = m.now()
			delete(m.entryPlans, order.Tag)
			continue
		}
		if _, working := openAtBroker[order.BrokerID]; !working {
			m.logger.Warn(ctx, "reconciliation mismatch: local open order not working at broker", map[string]interface{}{
				"tag":      order.Tag,
				"brokerID": order.BrokerID,
				"role":     order.Role,
			})
			order.Status = domain.OrderCancelled
			order.UpdatedAt = m.now()
		}
	}

	// Compare net exposure per contract.
	brokerQty := 0
	for _, bp := range brokerPositions {
		if bp.ContractID != m.cfg.ContractID {
			continue
		}
		if bp.Side == domain.Buy {
			brokerQty += bp.Quantity
		} else {
			brokerQty -= bp.Quantity
		}
	}
	localQty := 0
	for _, pos := range m.openPositions() {
		if pos.Side == domain.Buy {
			localQty += pos.RemainingQty
		} else {
			localQty -= pos.RemainingQty
		}
	}
	if localQty == brokerQty {
		m.logger.Info(ctx, "reconciliation complete", map[string]interface{}{
			"netQty":     brokerQty,
			"openOrders": len(brokerOrders),
		})
		return
	}

	m.logger.Warn(ctx, "reconciliation mismatch: exposure differs", map[string]interface{}{
		"localQty":  localQty,
		"brokerQty": brokerQty,
	})
	if brokerQty == 0 {
		// The broker is flat; whatever we thought was open closed
		// while we were not listening.
		for _, pos := range m.openPositions() {
			pos.RemainingQty = 0
			pos.CloseReason = domain.CloseReasonReconciliation
			m.closePosition(ctx, pos)
		}
		return
	}
	// Exposure exists at the broker that the local book cannot explain.
	m.logger.Error(ctx, fmt.Errorf("%w: unexplained broker exposure", ports.ErrManualIntervention),
		"manual intervention required", map[string]interface{}{
			"localQty":  localQty,
			"brokerQty": brokerQty,
		})
}

// applyFlattenAll cancels every protective order and market-closes
// every open position with bounded concurrent fan-out. Book mutation
// stays on the loop; the goroutines only perform broker I/O.
func (m *Manager) applyFlattenAll(ctx context.Context) error {
	open := m.openPositions()
	if len(open) == 0 {
		return nil
	}
	m.logger.Warn(ctx, "flattening all positions", map[string]interface{}{"count": len(open)})

	type closeResult struct {
		pos *domain.Position
		tag string
		ack *ports.OrderAck
	}

	// Snapshot the work and pre-register the closing orders before any
	// goroutine starts, so fills route even if they beat the acks.
	var work []closeResult
	var cancelIDs []int64
	for _, pos := range open {
		pos.State = domain.PositionClosing
		pos.CloseReason = domain.CloseReasonFlatten
		for _, tag := range append([]string{pos.StopOrderTag}, pos.TargetTags...) {
			if order := m.orders[tag]; order != nil && order.Status.IsOpen() && order.BrokerID != 0 {
				cancelIDs = append(cancelIDs, order.BrokerID)
				order.Status = domain.OrderCancelled
				order.UpdatedAt = m.now()
			}
		}
		if pos.RemainingQty <= 0 {
			m.closePosition(ctx, pos)
			continue
		}
		tag := m.newTag()
		m.orders[tag] = &domain.Order{
			Tag:        tag,
			PositionID: pos.ID,
			ContractID: pos.ContractID,
			Side:       pos.Side.Opposite(),
			Type:       domain.Market,
			Role:       domain.RoleStop,
			Quantity:   pos.RemainingQty,
			Status:     domain.OrderPendingSubmit,
			CreatedAt:  m.now(),
			UpdatedAt:  m.now(),
		}
		work = append(work, closeResult{pos: pos, tag: tag})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.FlattenConcurrency)

	for _, brokerID := range cancelIDs {
		brokerID := brokerID
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, m.cfg.CallTimeout)
			defer cancel()
			if err := m.cfg.Broker.CancelOrder(callCtx, brokerID); err != nil {
				m.logger.Warn(gctx, "flatten cancel failed", map[string]interface{}{
					"brokerID": brokerID,
					"error":    err.Error(),
				})
			}
			return nil
		})
	}

	var mu sync.Mutex
	for i := range work {
		w := &work[i]
		order := m.orders[w.tag]
		req := ports.OrderRequest{
			AccountID:  m.cfg.AccountID,
			ContractID: order.ContractID,
			Side:       order.Side,
			Type:       domain.Market,
			Quantity:   order.Quantity,
			CustomTag:  w.tag,
		}
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, m.cfg.CallTimeout)
			defer cancel()
			ack, err := m.cfg.Broker.PlaceOrder(callCtx, req)
			if err != nil {
				m.logger.Error(gctx, fmt.Errorf("%w: flatten close failed: %w", ports.ErrManualIntervention, err),
					"manual intervention required", map[string]interface{}{"positionID": w.pos.ID})
				return nil
			}
			mu.Lock()
			w.ack = ack
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Back on the loop: bind the acks so the closing fills route.
	for _, w := range work {
		if w.ack == nil {
			continue
		}
		order := m.orders[w.tag]
		m.bind(ctx, order, w.ack.BrokerID)
		if !order.Status.IsTerminal() {
			order.Status = domain.OrderSubmitted
		}
	}
	return nil
}
