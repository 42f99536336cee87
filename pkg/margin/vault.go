package margin

import (
	"math/big"
	"sync"

	"github.com/luxfi/log"
)

// MarginVault is the isolated margin trading vault. It owns one
// MarginAccount per user, the global liquidation log, and the platform
// risk totals.
//
// Concurrency model: every account has its own lock so no two mutations
// of the same account interleave, while operations on different accounts
// run in parallel. The vault-level lock only guards the account map
// itself. External token transfers happen strictly after internal state
// mutation, while the account lock is still held.
type MarginVault struct {
	logger log.Logger

	mu       sync.RWMutex
	accounts map[string]*MarginAccount
	locks    map[string]*sync.Mutex

	assetMu    sync.RWMutex
	assets     map[string]AssetConfig
	penaltyBps int64

	risk *GlobalRiskLedger

	eventMu           sync.RWMutex
	events            []*LiquidationEvent
	nextLiquidationID uint64

	feedMu sync.Mutex
	feeds  []chan *LiquidationEvent

	tokens TokenTransferor
	access AccessControl
	pause  PauseSwitch
}

// NewMarginVault creates a vault wired to its external collaborators.
// Nil collaborators default to permissive implementations, which is the
// standalone/test configuration.
func NewMarginVault(logger log.Logger, tokens TokenTransferor, access AccessControl, pause PauseSwitch) *MarginVault {
	if tokens == nil {
		tokens = NoopTransferor{}
	}
	if access == nil {
		access = OpenAccess{}
	}
	if pause == nil {
		pause = NeverPaused{}
	}
	return &MarginVault{
		logger:     logger,
		accounts:   make(map[string]*MarginAccount),
		locks:      make(map[string]*sync.Mutex),
		assets:     make(map[string]AssetConfig),
		penaltyBps: DefaultLiquidationPenaltyBps,
		risk:       NewGlobalRiskLedger(),
		tokens:     tokens,
		access:     access,
		pause:      pause,
	}
}

// SetAssetConfig registers or updates a tradable asset. Risk-manager role.
func (v *MarginVault) SetAssetConfig(caller string, cfg AssetConfig) error {
	if v.pause.Paused() {
		return ErrPaused
	}
	if !v.access.HasRole(RoleRiskManager, caller) {
		return ErrUnauthorized
	}
	if cfg.Asset == "" {
		return ErrUnsupportedAsset
	}
	if cfg.MaxLeverage < MinLeverage {
		return ErrInvalidLeverage
	}
	if cfg.ThresholdBps <= 0 || cfg.ThresholdBps >= BpsDenominator {
		return ErrInvalidThreshold
	}

	v.assetMu.Lock()
	v.assets[cfg.Asset] = cfg
	v.assetMu.Unlock()

	v.logger.Info("asset config updated",
		"asset", cfg.Asset,
		"supported", cfg.Supported,
		"maxLeverage", cfg.MaxLeverage,
		"thresholdBps", cfg.ThresholdBps)
	return nil
}

// AssetConfigFor returns the config for an asset, if registered
func (v *MarginVault) AssetConfigFor(asset string) (AssetConfig, bool) {
	v.assetMu.RLock()
	defer v.assetMu.RUnlock()
	cfg, ok := v.assets[asset]
	return cfg, ok
}

// SetLiquidationPenalty updates the penalty charged on liquidated
// notional. Admin role.
func (v *MarginVault) SetLiquidationPenalty(caller string, bps int64) error {
	if v.pause.Paused() {
		return ErrPaused
	}
	if !v.access.HasRole(RoleAdmin, caller) {
		return ErrUnauthorized
	}
	if bps < 0 || bps >= BpsDenominator {
		return ErrInvalidThreshold
	}

	v.assetMu.Lock()
	v.penaltyBps = bps
	v.assetMu.Unlock()

	v.logger.Info("liquidation penalty updated", "bps", bps)
	return nil
}

// LiquidationPenaltyBps returns the current penalty in basis points
func (v *MarginVault) LiquidationPenaltyBps() int64 {
	v.assetMu.RLock()
	defer v.assetMu.RUnlock()
	return v.penaltyBps
}

// GetAccount returns a detached snapshot of a user's account, or nil.
// Ledger writes mutate the big.Int fields in place under the account
// lock, so readers get a copy, never the live struct.
func (v *MarginVault) GetAccount(user string) *MarginAccount {
	account, lock, err := v.accountFor(user)
	if err != nil {
		return nil
	}
	lock.Lock()
	defer lock.Unlock()
	return account.clone()
}

// Positions returns a detached snapshot of a user's full position list,
// open and closed
func (v *MarginVault) Positions(user string) []*Position {
	account, lock, err := v.accountFor(user)
	if err != nil {
		return nil
	}
	lock.Lock()
	defer lock.Unlock()
	out := make([]*Position, len(account.Positions))
	for i, p := range account.Positions {
		out[i] = p.clone()
	}
	return out
}

// Stats returns the aggregate vault statistics
func (v *MarginVault) Stats() VaultStats {
	marginDeposited, borrowed := v.risk.Totals()

	v.mu.RLock()
	accounts := len(v.accounts)
	v.mu.RUnlock()

	return VaultStats{
		TotalMarginDeposited: marginDeposited,
		TotalBorrowed:        borrowed,
		UtilizationBps:       v.risk.Utilization(),
		Liquidations:         v.LiquidationCount(),
		Accounts:             accounts,
	}
}

// Risk exposes the global risk ledger
func (v *MarginVault) Risk() *GlobalRiskLedger {
	return v.risk
}

// SubscribeLiquidations returns a channel receiving every liquidation
// event. Slow consumers drop events rather than block settlement.
func (v *MarginVault) SubscribeLiquidations() <-chan *LiquidationEvent {
	ch := make(chan *LiquidationEvent, 256)
	v.feedMu.Lock()
	v.feeds = append(v.feeds, ch)
	v.feedMu.Unlock()
	return ch
}

func (v *MarginVault) publishLiquidation(event *LiquidationEvent) {
	v.feedMu.Lock()
	defer v.feedMu.Unlock()
	for _, ch := range v.feeds {
		select {
		case ch <- event:
		default:
		}
	}
}

// Accounts returns a detached snapshot of every account in the vault,
// in no particular order
func (v *MarginVault) Accounts() []*MarginAccount {
	v.mu.RLock()
	users := make([]string, 0, len(v.accounts))
	for user := range v.accounts {
		users = append(users, user)
	}
	v.mu.RUnlock()

	out := make([]*MarginAccount, 0, len(users))
	for _, user := range users {
		if account := v.GetAccount(user); account != nil {
			out = append(out, account)
		}
	}
	return out
}

// RestoreState reinstalls persisted accounts, the liquidation log, and
// the global risk totals after a restart. Event IDs equal their log
// index, so the id counter resumes at len(events).
func (v *MarginVault) RestoreState(accounts []*MarginAccount, events []*LiquidationEvent, marginDeposited, borrowed *big.Int) {
	v.mu.Lock()
	for _, account := range accounts {
		v.accounts[account.User] = account
		v.locks[account.User] = &sync.Mutex{}
	}
	v.mu.Unlock()

	v.eventMu.Lock()
	v.events = events
	v.nextLiquidationID = uint64(len(events))
	v.eventMu.Unlock()

	v.risk.mu.Lock()
	if marginDeposited != nil {
		v.risk.marginDeposited.Set(marginDeposited)
	}
	if borrowed != nil {
		v.risk.borrowed.Set(borrowed)
	}
	v.risk.mu.Unlock()

	v.logger.Info("vault state restored",
		"accounts", len(accounts),
		"liquidations", len(events))
}

// accountFor resolves a user's account and its lock under the vault lock
func (v *MarginVault) accountFor(user string) (*MarginAccount, *sync.Mutex, error) {
	v.mu.RLock()
	account := v.accounts[user]
	lock := v.locks[user]
	v.mu.RUnlock()

	if account == nil {
		return nil, nil, ErrAccountNotFound
	}
	return account, lock, nil
}
