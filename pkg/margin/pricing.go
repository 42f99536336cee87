package margin

import "math/big"

// Pure pricing functions. All math is integer basis-point arithmetic;
// division truncates toward zero, which is the canonical rounding rule for
// the whole vault.

var bpsDenom = big.NewInt(BpsDenominator)

// LiquidationPrice derives the price at which a position opened at
// entryPrice with the given leverage becomes liquidatable.
//
//	long:  entryPrice * (10000 - thresholdBps + 10000/leverage) / 10000
//	short: entryPrice * (10000 + thresholdBps - 10000/leverage) / 10000
//
// thresholdBps < 10000 is enforced at asset registration; the factor is
// still floored at zero so unsigned callers never see a negative price.
func LiquidationPrice(entryPrice *big.Int, leverage int64, side Side, thresholdBps int64) *big.Int {
	marginRatio := BpsDenominator / leverage

	var factor int64
	if side == Long {
		factor = BpsDenominator - thresholdBps + marginRatio
	} else {
		factor = BpsDenominator + thresholdBps - marginRatio
	}
	if factor < 0 {
		factor = 0
	}

	price := new(big.Int).Mul(entryPrice, big.NewInt(factor))
	return price.Quo(price, bpsDenom)
}

// ShouldLiquidate reports whether a position is eligible for forced
// closure at the supplied price.
//
//	long:  price <= entryPrice * (10000 - thresholdBps) / 10000
//	short: price >= entryPrice * (10000 + thresholdBps) / 10000
func ShouldLiquidate(entryPrice, price *big.Int, side Side, thresholdBps int64) bool {
	if side == Long {
		bound := new(big.Int).Mul(entryPrice, big.NewInt(BpsDenominator-thresholdBps))
		bound.Quo(bound, bpsDenom)
		return price.Cmp(bound) <= 0
	}
	bound := new(big.Int).Mul(entryPrice, big.NewInt(BpsDenominator+thresholdBps))
	bound.Quo(bound, bpsDenom)
	return price.Cmp(bound) >= 0
}

// positionPnL computes the tagged P&L of a position at the given price.
// Long profits when price >= entry, short when entry >= price; a zero move
// is profit on both sides.
func positionPnL(p *Position, price *big.Int) PnL {
	diff := new(big.Int)
	loss := false

	if p.Side == Long {
		if price.Cmp(p.EntryPrice) >= 0 {
			diff.Sub(price, p.EntryPrice)
		} else {
			diff.Sub(p.EntryPrice, price)
			loss = true
		}
	} else {
		if p.EntryPrice.Cmp(price) >= 0 {
			diff.Sub(p.EntryPrice, price)
		} else {
			diff.Sub(price, p.EntryPrice)
			loss = true
		}
	}

	return PnL{Amount: diff.Mul(diff, p.Size), Loss: loss}
}
