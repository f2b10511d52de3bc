package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/1a55y/TradingBot/internal/domain"
	"github.com/1a55y/TradingBot/internal/ports"
)

// applyOpen submits the market entry. The protective legs are not
// placed here; they are synthesized in openFromEntry once the entry
// fill reports the actual price and quantity.
func (m *Manager) applyOpen(ctx context.Context, req OpenRequest) {
	if req.Quantity <= 0 || req.StopDistance <= 0 {
		m.logger.Error(ctx, ports.ErrInvalidRequest, "open request dropped", map[string]interface{}{
			"quantity":     req.Quantity,
			"stopDistance": req.StopDistance,
		})
		return
	}

	tag := m.newTag()
	order := &domain.Order{
		Tag:        tag,
		ContractID: m.cfg.ContractID,
		Side:       req.Side,
		Type:       domain.Market,
		Role:       domain.RoleEntry,
		Quantity:   req.Quantity,
		Status:     domain.OrderPendingSubmit,
		CreatedAt:  m.now(),
		UpdatedAt:  m.now(),
	}
	m.orders[tag] = order
	m.entryPlans[tag] = req

	ack, err := m.placeOrder(ctx, ports.OrderRequest{
		AccountID:  m.cfg.AccountID,
		ContractID: m.cfg.ContractID,
		Side:       req.Side,
		Type:       domain.Market,
		Quantity:   req.Quantity,
		CustomTag:  tag,
	})
	if err != nil {
		if errors.Is(err, ports.ErrSubmitUnknown) {
			// The order may or may not exist at the broker. Leave it
			// pending; reconciliation binds it by tag or clears it.
			m.logger.Warn(ctx, "entry submit outcome unknown, scheduling reconciliation", map[string]interface{}{"tag": tag})
			m.RequestReconcile()
			return
		}
		order.Status = domain.OrderRejected
		order.UpdatedAt = m.now()
		delete(m.entryPlans, tag)
		m.logger.Error(ctx, err, "entry submit failed", map[string]interface{}{"tag": tag})
		return
	}
	m.bind(ctx, order, ack.BrokerID)
	if !order.Status.IsTerminal() {
		order.Status = domain.OrderSubmitted
	}
	m.logger.Info(ctx, "entry submitted", map[string]interface{}{
		"tag":      tag,
		"brokerID": ack.BrokerID,
		"side":     req.Side,
		"quantity": req.Quantity,
	})
}

// applyOrderUpdate processes a broker order event. Events carrying our
// client tag bind the broker id for orders whose submit has not yet
// returned.
func (m *Manager) applyOrderUpdate(ctx context.Context, ev ports.BrokerOrder) {
	tag, known := m.byBroker[ev.BrokerID]
	if !known && ev.CustomTag != "" {
		if order, ours := m.orders[ev.CustomTag]; ours && order.BrokerID == 0 {
			m.bind(ctx, order, ev.BrokerID)
			tag, known = order.Tag, true
		}
	}
	if !known {
		m.logger.Debug(ctx, "order event for unknown order ignored", map[string]interface{}{"brokerID": ev.BrokerID})
		return
	}

	order := m.orders[tag]
	if order.Status.IsTerminal() {
		return
	}
	prev := order.Status
	order.Status = ev.Status
	order.UpdatedAt = m.now()

	if order.Role == domain.RoleEntry && order.Status.IsTerminal() && order.Status != domain.OrderFilled {
		if order.FilledQty > 0 && order.PositionID == "" {
			// The broker cancelled the remainder of a partially filled
			// entry. The filled contracts are live exposure and need the
			// bracket sized to what actually executed.
			m.logger.Warn(ctx, "entry terminated after partial fill, protecting filled quantity", map[string]interface{}{
				"tag":    tag,
				"status": ev.Status,
				"filled": order.FilledQty,
			})
			m.openFromEntry(ctx, order)
		} else {
			delete(m.entryPlans, tag)
		}
		return
	}
	if ev.Status == domain.OrderRejected && order.Role != domain.RoleEntry {
		// A protective leg the broker refuses leaves the position
		// exposed.
		if pos := m.positions[order.PositionID]; pos != nil && pos.IsOpen() {
			m.logger.Error(ctx, ports.ErrOrderRejected, "protective order rejected", map[string]interface{}{
				"tag":  tag,
				"role": order.Role,
			})
			m.emergencyClose(ctx, pos, domain.CloseReasonProtectFailed)
		}
		return
	}
	if ev.Status != prev {
		m.logger.Debug(ctx, "order status updated", map[string]interface{}{
			"tag":    tag,
			"status": ev.Status,
		})
	}
}

// applyFill routes one execution report. Fills for broker ids we have
// not bound yet are buffered and replayed on bind; duplicate fill ids
// are dropped.
func (m *Manager) applyFill(ctx context.Context, fill domain.Fill) {
	tag, known := m.byBroker[fill.BrokerID]
	if !known {
		m.pendingFills[fill.BrokerID] = append(m.pendingFills[fill.BrokerID], fill)
		m.logger.Debug(ctx, "fill buffered for unbound order", map[string]interface{}{"brokerID": fill.BrokerID})
		return
	}
	if _, dup := m.seenFills[fill.FillID]; dup {
		m.logger.Debug(ctx, "duplicate fill ignored", map[string]interface{}{"fillID": fill.FillID})
		return
	}
	m.seenFills[fill.FillID] = struct{}{}

	order := m.orders[tag]
	if order.Status == domain.OrderCancelled || order.Status == domain.OrderRejected {
		// A fill that raced our cancel: the quantity is real exposure.
		m.logger.Warn(ctx, "fill on cancelled order", map[string]interface{}{"tag": tag, "fillID": fill.FillID})
	}
	prevFilled := order.FilledQty
	order.FilledQty += fill.Quantity
	if order.FilledQty > order.Quantity {
		order.FilledQty = order.Quantity
	}
	applied := order.FilledQty - prevFilled
	if applied <= 0 {
		return
	}
	order.AvgPrice = (order.AvgPrice*float64(prevFilled) + fill.Price*float64(applied)) / float64(order.FilledQty)
	if order.FilledQty >= order.Quantity {
		order.Status = domain.OrderFilled
	} else {
		order.Status = domain.OrderPartiallyFilled
	}
	order.UpdatedAt = m.now()

	switch order.Role {
	case domain.RoleEntry:
		if order.Status == domain.OrderFilled {
			m.openFromEntry(ctx, order)
		}
	case domain.RoleStop:
		m.onStopFill(ctx, order, fill.Price, applied)
	case domain.RoleTarget:
		m.onTargetFill(ctx, order, fill.Price, applied)
	}
}

// openFromEntry creates the position from a completed entry fill and
// synthesizes its protective bracket.
func (m *Manager) openFromEntry(ctx context.Context, entry *domain.Order) {
	req, ok := m.entryPlans[entry.Tag]
	if !ok {
		m.logger.Warn(ctx, "entry filled without a pending plan", map[string]interface{}{"tag": entry.Tag})
		return
	}
	delete(m.entryPlans, entry.Tag)

	pos := &domain.Position{
		ID:           m.newTag(),
		ContractID:   entry.ContractID,
		Side:         entry.Side,
		OriginalQty:  entry.FilledQty,
		RemainingQty: entry.FilledQty,
		EntryPrice:   entry.AvgPrice,
		State:        domain.PositionOpening,
		OpenedAt:     m.now(),
	}
	entry.PositionID = pos.ID
	m.positions[pos.ID] = pos

	m.logger.Info(ctx, "entry filled, placing protective bracket", map[string]interface{}{
		"positionID": pos.ID,
		"side":       pos.Side,
		"quantity":   pos.OriginalQty,
		"entryPrice": pos.EntryPrice,
	})

	if !m.protect(ctx, pos, req.StopDistance) {
		return
	}
	pos.State = domain.PositionOpen
	if m.cfg.OnOpened != nil {
		m.cfg.OnOpened(ctx)
	}
}

// protect places the stop and every target leg. The set is
// all-or-nothing: a failed leg rolls back the already-placed siblings
// and market-closes the position, since the entry fill itself cannot be
// undone.
func (m *Manager) protect(ctx context.Context, pos *domain.Position, stopDistance float64) bool {
	stopPrice := pos.EntryPrice - stopDistance
	if pos.Side == domain.Sell {
		stopPrice = pos.EntryPrice + stopDistance
	}
	stopTag, err := m.placeProtective(ctx, pos, domain.RoleStop, 0, pos.RemainingQty, 0, stopPrice)
	if err != nil {
		m.logger.Error(ctx, err, "stop placement failed, closing position", map[string]interface{}{"positionID": pos.ID})
		m.emergencyClose(ctx, pos, domain.CloseReasonProtectFailed)
		return false
	}
	pos.StopOrderTag = stopTag
	pos.StopPrice = stopPrice

	for _, alloc := range m.cfg.Plan.TierQuantities(pos.RemainingQty) {
		price := domain.TargetPrice(pos.Side, pos.EntryPrice, stopDistance, alloc.RewardMultiple)
		targetTag, err := m.placeProtective(ctx, pos, domain.RoleTarget, alloc.Tier, alloc.Quantity, price, 0)
		if err != nil {
			m.logger.Error(ctx, err, "target placement failed, rolling back bracket", map[string]interface{}{
				"positionID": pos.ID,
				"tier":       alloc.Tier,
			})
			m.emergencyClose(ctx, pos, domain.CloseReasonProtectFailed)
			return false
		}
		pos.TargetTags = append(pos.TargetTags, targetTag)
		pos.TierFilled = append(pos.TierFilled, false)
	}
	return true
}

// placeProtective submits one stop or target leg on the closing side.
func (m *Manager) placeProtective(ctx context.Context, pos *domain.Position, role domain.OrderRole, tier, qty int, limitPrice, stopPrice float64) (string, error) {
	tag := m.newTag()
	orderType := domain.Limit
	if role == domain.RoleStop {
		// A zero stop price means an immediate market close.
		orderType = domain.Stop
		if stopPrice == 0 {
			orderType = domain.Market
		}
	}
	order := &domain.Order{
		Tag:        tag,
		PositionID: pos.ID,
		ContractID: pos.ContractID,
		Side:       pos.Side.Opposite(),
		Type:       orderType,
		Role:       role,
		TargetTier: tier,
		Quantity:   qty,
		LimitPrice: limitPrice,
		StopPrice:  stopPrice,
		Status:     domain.OrderPendingSubmit,
		CreatedAt:  m.now(),
		UpdatedAt:  m.now(),
	}
	m.orders[tag] = order

	ack, err := m.placeOrder(ctx, ports.OrderRequest{
		AccountID:  m.cfg.AccountID,
		ContractID: pos.ContractID,
		Side:       order.Side,
		Type:       orderType,
		Quantity:   qty,
		LimitPrice: limitPrice,
		StopPrice:  stopPrice,
		CustomTag:  tag,
	})
	if err != nil {
		if errors.Is(err, ports.ErrSubmitUnknown) {
			m.RequestReconcile()
		}
		order.Status = domain.OrderRejected
		order.UpdatedAt = m.now()
		return "", err
	}
	m.bind(ctx, order, ack.BrokerID)
	if !order.Status.IsTerminal() {
		order.Status = domain.OrderSubmitted
	}
	return tag, nil
}

// onStopFill handles an execution on the protective stop (or on an
// emergency closing order, which reuses the stop role).
func (m *Manager) onStopFill(ctx context.Context, order *domain.Order, price float64, qty int) {
	pos := m.positions[order.PositionID]
	if pos == nil || pos.State == domain.PositionClosed {
		return
	}
	if qty > pos.RemainingQty {
		qty = pos.RemainingQty
	}
	pos.RealizedPnL += m.pnl(pos.Side, pos.EntryPrice, price, qty)
	pos.RemainingQty -= qty
	pos.State = domain.PositionClosing
	if pos.CloseReason == "" {
		pos.CloseReason = domain.CloseReasonStop
	}

	m.cancelTargets(ctx, pos)
	if pos.RemainingQty == 0 {
		m.closePosition(ctx, pos)
	}
}

// onTargetFill handles a scale-out execution.
func (m *Manager) onTargetFill(ctx context.Context, order *domain.Order, price float64, qty int) {
	pos := m.positions[order.PositionID]
	if pos == nil || pos.State == domain.PositionClosed {
		return
	}
	if qty > pos.RemainingQty {
		qty = pos.RemainingQty
	}
	pos.RealizedPnL += m.pnl(pos.Side, pos.EntryPrice, price, qty)
	pos.RemainingQty -= qty

	tierDone := order.Status == domain.OrderFilled
	if tierDone {
		for i, tag := range pos.TargetTags {
			if tag == order.Tag {
				pos.TierFilled[i] = true
				break
			}
		}
		m.logger.Info(ctx, "target tier filled", map[string]interface{}{
			"positionID": pos.ID,
			"tier":       order.TargetTier,
			"price":      price,
			"remaining":  pos.RemainingQty,
		})
	}

	if pos.RemainingQty == 0 {
		pos.CloseReason = domain.CloseReasonTargets
		if pos.AllTiersFilled() {
			m.logger.Info(ctx, "all profit tiers filled", map[string]interface{}{"positionID": pos.ID})
		}
		if stop := m.orders[pos.StopOrderTag]; stop != nil && stop.Status.IsOpen() {
			if gone, err := m.cancelOrder(ctx, stop); err == nil && !gone {
				stop.Status = domain.OrderCancelled
				stop.UpdatedAt = m.now()
			}
		}
		m.closePosition(ctx, pos)
		return
	}
	if tierDone {
		m.replaceStop(ctx, pos)
	}
}

// replaceStop resizes the protective stop to the remaining quantity
// after a tier fill, moving it to breakeven after the first tier when
// enabled. The broker has no atomic price-replace, so there is a real
// unprotected window between the cancel and the new stop going live.
func (m *Manager) replaceStop(ctx context.Context, pos *domain.Position) {
	old := m.orders[pos.StopOrderTag]
	if old == nil || !old.Status.IsOpen() {
		return
	}

	newPrice := pos.StopPrice
	toBreakeven := false
	if m.cfg.BreakevenEnabled && !pos.StopAtBreakeven {
		newPrice = m.breakevenPrice(pos)
		toBreakeven = true
	}

	gone, err := m.cancelOrder(ctx, old)
	if err != nil {
		return
	}
	if gone {
		// The old stop filled while we were cancelling; its fill event
		// will close the remainder.
		m.logger.Warn(ctx, "stop filled during replacement", map[string]interface{}{"positionID": pos.ID})
		return
	}
	old.Status = domain.OrderCancelled
	old.UpdatedAt = m.now()

	m.logger.Warn(ctx, "position unprotected during stop replacement", map[string]interface{}{
		"positionID": pos.ID,
		"remaining":  pos.RemainingQty,
	})

	stopTag, err := m.placeProtective(ctx, pos, domain.RoleStop, 0, pos.RemainingQty, 0, newPrice)
	if err != nil {
		m.logger.Error(ctx, err, "replacement stop failed, closing position", map[string]interface{}{"positionID": pos.ID})
		m.emergencyClose(ctx, pos, domain.CloseReasonProtectFailed)
		return
	}
	pos.StopOrderTag = stopTag
	pos.StopPrice = newPrice
	if toBreakeven {
		pos.StopAtBreakeven = true
		m.logger.Info(ctx, "stop moved to breakeven", map[string]interface{}{
			"positionID": pos.ID,
			"stopPrice":  newPrice,
		})
	}
}

// breakevenPrice is strictly better than entry by the configured buffer.
func (m *Manager) breakevenPrice(pos *domain.Position) float64 {
	buffer := float64(m.cfg.BreakevenBufferTicks) * m.cfg.TickSize
	if pos.Side == domain.Buy {
		return pos.EntryPrice + buffer
	}
	return pos.EntryPrice - buffer
}

// cancelTargets cancels every still-working target leg. A cancel racing
// a fill is benign.
func (m *Manager) cancelTargets(ctx context.Context, pos *domain.Position) {
	for _, tag := range pos.TargetTags {
		target := m.orders[tag]
		if target == nil || !target.Status.IsOpen() {
			continue
		}
		gone, err := m.cancelOrder(ctx, target)
		if err != nil {
			continue
		}
		if !gone {
			target.Status = domain.OrderCancelled
			target.UpdatedAt = m.now()
		}
	}
}

// emergencyClose cancels the protective legs and market-closes whatever
// remains. The closing order reuses the stop role so its fills drain
// the position through the normal path.
func (m *Manager) emergencyClose(ctx context.Context, pos *domain.Position, reason domain.CloseReason) {
	pos.State = domain.PositionClosing
	pos.CloseReason = reason
	m.cancelTargets(ctx, pos)
	if stop := m.orders[pos.StopOrderTag]; stop != nil && stop.Status.IsOpen() {
		if gone, err := m.cancelOrder(ctx, stop); err == nil && !gone {
			stop.Status = domain.OrderCancelled
			stop.UpdatedAt = m.now()
		}
	}
	if pos.RemainingQty <= 0 {
		m.closePosition(ctx, pos)
		return
	}
	if _, err := m.placeProtective(ctx, pos, domain.RoleStop, 0, pos.RemainingQty, 0, 0); err != nil {
		m.logger.Error(ctx, fmt.Errorf("%w: market close failed: %w", ports.ErrManualIntervention, err),
			"emergency close failed, manual intervention required", map[string]interface{}{
				"positionID": pos.ID,
				"remaining":  pos.RemainingQty,
			})
	}
}

// closePosition finalizes the position, archives the trade, and
// notifies the risk gate.
func (m *Manager) closePosition(ctx context.Context, pos *domain.Position) {
	if pos.State == domain.PositionClosed {
		return
	}
	pos.State = domain.PositionClosed
	pos.ClosedAt = m.now()

	tiersFilled := 0
	for _, f := range pos.TierFilled {
		if f {
			tiersFilled++
		}
	}
	m.logger.Info(ctx, "position closed", map[string]interface{}{
		"positionID": pos.ID,
		"reason":     pos.CloseReason,
		"pnl":        pos.RealizedPnL,
		"tiers":      tiersFilled,
	})

	if m.cfg.Repo != nil {
		trade := &domain.ClosedTrade{
			PositionID:  pos.ID,
			ContractID:  pos.ContractID,
			Side:        pos.Side,
			Quantity:    pos.OriginalQty,
			EntryPrice:  pos.EntryPrice,
			PnL:         pos.RealizedPnL,
			TiersFilled: tiersFilled,
			CloseReason: pos.CloseReason,
			OpenedAt:    pos.OpenedAt,
			ClosedAt:    pos.ClosedAt,
		}
		if _, err := m.cfg.Repo.CreateTrade(ctx, trade); err != nil {
			m.logger.Error(ctx, err, "failed to archive closed trade", map[string]interface{}{"positionID": pos.ID})
		}
	}
	if m.cfg.OnClosed != nil {
		m.cfg.OnClosed(ctx, pos.RealizedPnL)
	}
}
