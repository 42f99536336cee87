package margin

import (
	"math/big"
	"sync"
)

// GlobalRiskLedger tracks platform-wide totals for utilization reporting.
// It is updated in lock-step with every account and position mutation.
type GlobalRiskLedger struct {
	mu              sync.RWMutex
	marginDeposited *big.Int
	borrowed        *big.Int
}

// NewGlobalRiskLedger creates an empty risk ledger
func NewGlobalRiskLedger() *GlobalRiskLedger {
	return &GlobalRiskLedger{
		marginDeposited: big.NewInt(0),
		borrowed:        big.NewInt(0),
	}
}

func (g *GlobalRiskLedger) addMargin(amount *big.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marginDeposited.Add(g.marginDeposited, amount)
}

func (g *GlobalRiskLedger) subMargin(amount *big.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marginDeposited.Sub(g.marginDeposited, amount)
}

func (g *GlobalRiskLedger) addBorrowed(amount *big.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.borrowed.Add(g.borrowed, amount)
}

func (g *GlobalRiskLedger) subBorrowed(amount *big.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.borrowed.Sub(g.borrowed, amount)
}

// Totals returns copies of the deposited-margin and borrowed aggregates
func (g *GlobalRiskLedger) Totals() (marginDeposited, borrowed *big.Int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return new(big.Int).Set(g.marginDeposited), new(big.Int).Set(g.borrowed)
}

// Utilization returns totalBorrowed / totalMarginDeposited in basis
// points, or 0 when nothing is deposited
func (g *GlobalRiskLedger) Utilization() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.marginDeposited.Sign() == 0 {
		return 0
	}
	util := new(big.Int).Mul(g.borrowed, bpsDenom)
	util.Quo(util, g.marginDeposited)
	return util.Int64()
}
