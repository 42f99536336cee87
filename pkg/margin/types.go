// Package margin implements the isolated margin vault: per-user leveraged
// position accounting, liquidation-price derivation, and forced-liquidation
// settlement under strict collateral segregation (no cross-user leverage).
package margin

import (
	"errors"
	"math/big"
	"time"
)

// Side represents the direction of a position
type Side int

const (
	Long Side = iota
	Short
)

func (s Side) String() string {
	if s == Long {
		return "long"
	}
	return "short"
}

// Basis point denominator and leverage floor
const (
	BpsDenominator int64 = 10000
	MinLeverage    int64 = 1
)

// DefaultLiquidationPenaltyBps is charged on the liquidated notional
const DefaultLiquidationPenaltyBps int64 = 100 // 1%

// Roles checked through the AccessControl collaborator
const (
	RoleAdmin       = "admin"
	RoleRiskManager = "risk-manager"
	RoleLiquidator  = "liquidator"
)

var (
	ErrPaused                        = errors.New("vault is paused")
	ErrUnauthorized                  = errors.New("caller missing required role")
	ErrAccountExists                 = errors.New("margin account already exists")
	ErrAccountNotFound               = errors.New("margin account not found")
	ErrAccountInactive               = errors.New("margin account is not active")
	ErrInvalidToken                  = errors.New("collateral token is empty")
	ErrInvalidAmount                 = errors.New("amount must be positive")
	ErrInvalidSize                   = errors.New("size must be positive")
	ErrInvalidPrice                  = errors.New("price must be positive")
	ErrInvalidLeverage               = errors.New("leverage out of bounds")
	ErrInvalidThreshold              = errors.New("liquidation threshold must be below 10000 bps")
	ErrUnsupportedAsset              = errors.New("asset not supported")
	ErrPositionNotFound              = errors.New("position not found")
	ErrPositionClosed                = errors.New("position already closed")
	ErrInsufficientMargin            = errors.New("insufficient margin")
	ErrInsufficientCollateral        = errors.New("insufficient collateral")
	ErrInsufficientCollateralForLoss = errors.New("insufficient collateral to cover loss")
	ErrWithdrawalBlocked             = errors.New("withdrawal would breach required margin")
	ErrNotLiquidatable               = errors.New("position not eligible for liquidation")
)

// PnL is a signed profit-and-loss outcome kept as a tagged amount so the
// ledger itself stays on unsigned arithmetic. Amount is always >= 0; a
// zero P&L counts as profit.
type PnL struct {
	Amount *big.Int `json:"amount"`
	Loss   bool     `json:"loss"`
}

// Profit reports whether the P&L is non-negative
func (p PnL) Profit() bool {
	return !p.Loss
}

// AssetConfig holds per-asset risk parameters, set by the risk-manager role
type AssetConfig struct {
	Asset        string `json:"asset"`
	Supported    bool   `json:"supported"`
	MaxLeverage  int64  `json:"maxLeverage"`
	ThresholdBps int64  `json:"thresholdBps"` // liquidation threshold in basis points
}

// MarginAccount is a user's isolated margin account. There is at most one
// per user; it is never deleted once created.
//
// Leverage and LiquidationPrice are a snapshot of the most recently opened
// position, overwritten on every open. They are a cache, not an aggregate;
// per-position values live on Position.
type MarginAccount struct {
	User             string      `json:"user"`
	CollateralToken  string      `json:"collateralToken"`
	Collateral       *big.Int    `json:"collateral"`
	Borrowed         *big.Int    `json:"borrowed"`
	Leverage         int64       `json:"leverage"`
	LiquidationPrice *big.Int    `json:"liquidationPrice"`
	Active           bool        `json:"active"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
	Positions        []*Position `json:"positions"`
}

// clone returns a detached copy of the account and its position list
func (a *MarginAccount) clone() *MarginAccount {
	c := *a
	c.Collateral = new(big.Int).Set(a.Collateral)
	c.Borrowed = new(big.Int).Set(a.Borrowed)
	c.LiquidationPrice = new(big.Int).Set(a.LiquidationPrice)
	c.Positions = make([]*Position, len(a.Positions))
	for i, p := range a.Positions {
		c.Positions[i] = p.clone()
	}
	return &c
}

// Position is one leveraged position in an account's append-only position
// list. Referenced by Index; never removed. Terminal once closed or
// liquidated.
type Position struct {
	Index       int       `json:"index"`
	Asset       string    `json:"asset"`
	Side        Side      `json:"side"`
	Size        *big.Int  `json:"size"`
	EntryPrice  *big.Int  `json:"entryPrice"`
	Leverage    int64     `json:"leverage"`
	MarginUsed  *big.Int  `json:"marginUsed"`
	RealizedPnL *big.Int  `json:"realizedPnl"` // only non-negative P&L is recorded
	Active      bool      `json:"active"`
	OpenedAt    time.Time `json:"openedAt"`
	ClosedAt    time.Time `json:"closedAt,omitempty"`
}

// Notional returns size * entryPrice, the economic exposure at open
func (p *Position) Notional() *big.Int {
	return new(big.Int).Mul(p.Size, p.EntryPrice)
}

// clone returns a detached copy. The ledger mutates positions in place
// under the account lock, so anything handed outside the vault must be a
// copy.
func (p *Position) clone() *Position {
	c := *p
	c.Size = new(big.Int).Set(p.Size)
	c.EntryPrice = new(big.Int).Set(p.EntryPrice)
	c.MarginUsed = new(big.Int).Set(p.MarginUsed)
	c.RealizedPnL = new(big.Int).Set(p.RealizedPnL)
	return &c
}

// UnrealizedPnL values the position against a mark price
func (p *Position) UnrealizedPnL(markPrice *big.Int) PnL {
	return positionPnL(p, markPrice)
}

// LiquidationEvent is an immutable audit record in the global append-only
// liquidation log. ID equals the event's index in the log.
type LiquidationEvent struct {
	ID           uint64    `json:"id"`
	User         string    `json:"user"`
	Asset        string    `json:"asset"`
	Size         *big.Int  `json:"size"`
	TriggerPrice *big.Int  `json:"triggerPrice"`
	Liquidated   *big.Int  `json:"liquidated"`
	Timestamp    time.Time `json:"timestamp"`
}

// VaultStats aggregates platform-wide vault state for reporting
type VaultStats struct {
	TotalMarginDeposited *big.Int `json:"totalMarginDeposited"`
	TotalBorrowed        *big.Int `json:"totalBorrowed"`
	UtilizationBps       int64    `json:"utilizationBps"`
	Liquidations         uint64   `json:"liquidations"`
	Accounts             int      `json:"accounts"`
}

// TokenTransferor moves collateral between users and the vault. Transfers
// are all-or-nothing: an error means nothing moved and the vault rolls the
// operation back. Called strictly after internal state mutation.
type TokenTransferor interface {
	TransferIn(user, token string, amount *big.Int) error
	TransferOut(user, token string, amount *big.Int) error
}

// AccessControl answers role checks for gated operations
type AccessControl interface {
	HasRole(role, user string) bool
}

// PauseSwitch is consulted at the start of every mutating call
type PauseSwitch interface {
	Paused() bool
}

// OpenAccess grants every role to every caller
type OpenAccess struct{}

func (OpenAccess) HasRole(role, user string) bool { return true }

// NeverPaused is a pause switch that is always off
type NeverPaused struct{}

func (NeverPaused) Paused() bool { return false }

// NoopTransferor is for deployments where custody is settled out of band
type NoopTransferor struct{}

func (NoopTransferor) TransferIn(user, token string, amount *big.Int) error  { return nil }
func (NoopTransferor) TransferOut(user, token string, amount *big.Int) error { return nil }
