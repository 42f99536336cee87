package margin

import (
	"math/big"
	"time"
)

// LiquidatePosition force-closes an under-margin position. Liquidator
// role. The supplied price is trusted; eligibility is re-checked against
// the asset's liquidation threshold.
//
// The penalty, size * price * penaltyBps / 10000, is deducted from the
// account collateral, clamped to the available balance so a deeply
// under-water account can still be liquidated. No P&L is recorded on the
// position for this path.
func (v *MarginVault) LiquidatePosition(liquidator, user string, index int, price *big.Int) (*LiquidationEvent, error) {
	if v.pause.Paused() {
		return nil, ErrPaused
	}
	if !v.access.HasRole(RoleLiquidator, liquidator) {
		return nil, ErrUnauthorized
	}
	if price == nil || price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}

	account, lock, err := v.accountFor(user)
	if err != nil {
		return nil, err
	}

	lock.Lock()
	defer lock.Unlock()

	if !account.Active {
		return nil, ErrAccountInactive
	}
	if index < 0 || index >= len(account.Positions) {
		return nil, ErrPositionNotFound
	}
	position := account.Positions[index]
	if !position.Active {
		return nil, ErrPositionClosed
	}

	cfg, ok := v.AssetConfigFor(position.Asset)
	if !ok {
		return nil, ErrUnsupportedAsset
	}
	if !ShouldLiquidate(position.EntryPrice, price, position.Side, cfg.ThresholdBps) {
		return nil, ErrNotLiquidatable
	}

	liquidated := new(big.Int).Mul(position.Size, price)
	liquidated.Mul(liquidated, big.NewInt(v.LiquidationPenaltyBps()))
	liquidated.Quo(liquidated, bpsDenom)
	if liquidated.Cmp(account.Collateral) > 0 {
		liquidated = new(big.Int).Set(account.Collateral)
	}
	account.Collateral.Sub(account.Collateral, liquidated)

	repaid := new(big.Int).Sub(position.Notional(), position.MarginUsed)
	account.Borrowed.Sub(account.Borrowed, repaid)
	v.risk.subBorrowed(repaid)

	now := time.Now()
	position.Active = false
	position.ClosedAt = now
	account.UpdatedAt = now

	event := v.appendLiquidation(&LiquidationEvent{
		User:         user,
		Asset:        position.Asset,
		Size:         new(big.Int).Set(position.Size),
		TriggerPrice: new(big.Int).Set(price),
		Liquidated:   liquidated,
		Timestamp:    now,
	})

	v.logger.Info("position liquidated",
		"liquidator", liquidator,
		"user", user,
		"index", index,
		"asset", position.Asset,
		"triggerPrice", price,
		"liquidated", liquidated,
		"eventId", event.ID)

	v.publishLiquidation(event)
	return event, nil
}

// appendLiquidation assigns the next sequential id and appends the event.
// The id is taken before the append, so it always equals the event's
// index in the log.
func (v *MarginVault) appendLiquidation(event *LiquidationEvent) *LiquidationEvent {
	v.eventMu.Lock()
	defer v.eventMu.Unlock()

	event.ID = v.nextLiquidationID
	v.events = append(v.events, event)
	v.nextLiquidationID++
	return event
}

// LiquidationEvents reads a page of the global liquidation log
func (v *MarginVault) LiquidationEvents(offset, limit int) []*LiquidationEvent {
	v.eventMu.RLock()
	defer v.eventMu.RUnlock()

	if offset < 0 || offset >= len(v.events) || limit <= 0 {
		return nil
	}
	end := offset + limit
	if end > len(v.events) {
		end = len(v.events)
	}
	out := make([]*LiquidationEvent, end-offset)
	copy(out, v.events[offset:end])
	return out
}

// LiquidationCount returns the number of liquidations processed
func (v *MarginVault) LiquidationCount() uint64 {
	v.eventMu.RLock()
	defer v.eventMu.RUnlock()
	return v.nextLiquidationID
}
