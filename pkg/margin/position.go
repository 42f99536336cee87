package margin

import (
	"math/big"
	"time"
)

// OpenPosition reserves margin and appends a new active position to the
// user's ledger.
//
//	requiredMargin = floor(size * entryPrice / leverage)
//	borrowed       = size * entryPrice - requiredMargin
//
// The account's leverage and liquidation-price snapshot are overwritten
// to reflect this position only.
func (v *MarginVault) OpenPosition(user, asset string, size, entryPrice *big.Int, leverage int64, side Side) (*Position, error) {
	if v.pause.Paused() {
		return nil, ErrPaused
	}
	if size == nil || size.Sign() <= 0 {
		return nil, ErrInvalidSize
	}
	if entryPrice == nil || entryPrice.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}

	cfg, ok := v.AssetConfigFor(asset)
	if !ok || !cfg.Supported {
		return nil, ErrUnsupportedAsset
	}
	if leverage < MinLeverage || leverage > cfg.MaxLeverage {
		return nil, ErrInvalidLeverage
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

	notional := new(big.Int).Mul(size, entryPrice)
	required := new(big.Int).Quo(notional, big.NewInt(leverage))
	if account.Collateral.Cmp(required) < 0 {
		return nil, ErrInsufficientMargin
	}
	borrowed := new(big.Int).Sub(notional, required)

	now := time.Now()
	position := &Position{
		Index:       len(account.Positions),
		Asset:       asset,
		Side:        side,
		Size:        new(big.Int).Set(size),
		EntryPrice:  new(big.Int).Set(entryPrice),
		Leverage:    leverage,
		MarginUsed:  required,
		RealizedPnL: big.NewInt(0),
		Active:      true,
		OpenedAt:    now,
	}

	account.Borrowed.Add(account.Borrowed, borrowed)
	account.Leverage = leverage
	account.LiquidationPrice = LiquidationPrice(entryPrice, leverage, side, cfg.ThresholdBps)
	account.Positions = append(account.Positions, position)
	account.UpdatedAt = now

	v.risk.addBorrowed(borrowed)

	v.logger.Info("position opened",
		"user", user,
		"asset", asset,
		"side", side.String(),
		"size", size,
		"entryPrice", entryPrice,
		"leverage", leverage,
		"marginUsed", required,
		"borrowed", borrowed)

	return position.clone(), nil
}

// ClosePosition settles a position at exitPrice and releases its margin.
//
// Settlement, applied to the account collateral:
//
//	profit: collateral += pnl - marginUsed
//	loss:   collateral -= loss + marginUsed (requires collateral to cover both)
//
// Only non-negative realized P&L is persisted on the position; a loss
// leaves RealizedPnL at zero.
func (v *MarginVault) ClosePosition(user string, index int, exitPrice *big.Int) (PnL, error) {
	if v.pause.Paused() {
		return PnL{}, ErrPaused
	}
	if exitPrice == nil || exitPrice.Sign() <= 0 {
		return PnL{}, ErrInvalidPrice
	}

	account, lock, err := v.accountFor(user)
	if err != nil {
		return PnL{}, err
	}

	lock.Lock()
	defer lock.Unlock()

	if !account.Active {
		return PnL{}, ErrAccountInactive
	}
	if index < 0 || index >= len(account.Positions) {
		return PnL{}, ErrPositionNotFound
	}
	position := account.Positions[index]
	if !position.Active {
		return PnL{}, ErrPositionClosed
	}

	pnl := positionPnL(position, exitPrice)

	if pnl.Loss {
		needed := new(big.Int).Add(pnl.Amount, position.MarginUsed)
		if account.Collateral.Cmp(needed) < 0 {
			return PnL{}, ErrInsufficientCollateralForLoss
		}
		account.Collateral.Sub(account.Collateral, needed)
	} else {
		account.Collateral.Add(account.Collateral, pnl.Amount)
		account.Collateral.Sub(account.Collateral, position.MarginUsed)
	}

	repaid := new(big.Int).Sub(position.Notional(), position.MarginUsed)
	account.Borrowed.Sub(account.Borrowed, repaid)
	v.risk.subBorrowed(repaid)

	now := time.Now()
	position.Active = false
	position.ClosedAt = now
	if !pnl.Loss {
		position.RealizedPnL = new(big.Int).Set(pnl.Amount)
	}
	account.UpdatedAt = now

	v.logger.Info("position closed",
		"user", user,
		"index", index,
		"exitPrice", exitPrice,
		"pnl", pnl.Amount,
		"loss", pnl.Loss)

	return pnl, nil
}
