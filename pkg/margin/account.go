package margin

import (
	"fmt"
	"math/big"
	"sync"
	"time"
)

// CreateAccount opens a margin account for user funded with an initial
// collateral deposit. One account per user; accounts are never deleted.
func (v *MarginVault) CreateAccount(user, token string, amount *big.Int) (*MarginAccount, error) {
	if v.pause.Paused() {
		return nil, ErrPaused
	}
	if token == "" {
		return nil, ErrInvalidToken
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	now := time.Now()
	account := &MarginAccount{
		User:             user,
		CollateralToken:  token,
		Collateral:       new(big.Int).Set(amount),
		Borrowed:         big.NewInt(0),
		Leverage:         0,
		LiquidationPrice: big.NewInt(0),
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	// The new account's lock is held from before it is published in the
	// map until the funding transfer settles, so a concurrent deposit or
	// withdrawal cannot land inside a create that later unwinds.
	lock := &sync.Mutex{}
	lock.Lock()

	v.mu.Lock()
	if existing := v.accounts[user]; existing != nil && existing.Active {
		v.mu.Unlock()
		return nil, ErrAccountExists
	}
	v.accounts[user] = account
	v.locks[user] = lock
	v.mu.Unlock()

	v.risk.addMargin(amount)

	// Interaction last: pull the initial deposit. A failed transfer moved
	// nothing, so the whole operation unwinds.
	if err := v.tokens.TransferIn(user, token, amount); err != nil {
		account.Active = false
		v.mu.Lock()
		delete(v.accounts, user)
		delete(v.locks, user)
		v.mu.Unlock()
		v.risk.subMargin(amount)
		lock.Unlock()
		return nil, fmt.Errorf("collateral transfer failed: %w", err)
	}

	snapshot := account.clone()
	lock.Unlock()

	v.logger.Info("margin account created", "user", user, "token", token, "collateral", amount)
	return snapshot, nil
}

// DepositMargin adds collateral to an existing active account
func (v *MarginVault) DepositMargin(user string, amount *big.Int) error {
	if v.pause.Paused() {
		return ErrPaused
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	account, lock, err := v.accountFor(user)
	if err != nil {
		return err
	}

	lock.Lock()
	defer lock.Unlock()

	if !account.Active {
		return ErrAccountInactive
	}

	account.Collateral.Add(account.Collateral, amount)
	account.UpdatedAt = time.Now()
	v.risk.addMargin(amount)

	if err := v.tokens.TransferIn(user, account.CollateralToken, amount); err != nil {
		account.Collateral.Sub(account.Collateral, amount)
		v.risk.subMargin(amount)
		return fmt.Errorf("collateral transfer failed: %w", err)
	}

	return nil
}

// WithdrawMargin removes collateral, provided the remainder still covers
// the margin reserved by every active position. Tokens move out only
// after the ledger is updated.
func (v *MarginVault) WithdrawMargin(user string, amount *big.Int) error {
	if v.pause.Paused() {
		return ErrPaused
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	account, lock, err := v.accountFor(user)
	if err != nil {
		return err
	}

	lock.Lock()
	defer lock.Unlock()

	if !account.Active {
		return ErrAccountInactive
	}
	if account.Collateral.Cmp(amount) < 0 {
		return ErrInsufficientCollateral
	}
	if !canWithdraw(account, amount) {
		return ErrWithdrawalBlocked
	}

	account.Collateral.Sub(account.Collateral, amount)
	account.UpdatedAt = time.Now()
	v.risk.subMargin(amount)

	if err := v.tokens.TransferOut(user, account.CollateralToken, amount); err != nil {
		account.Collateral.Add(account.Collateral, amount)
		v.risk.addMargin(amount)
		return fmt.Errorf("collateral transfer failed: %w", err)
	}

	return nil
}
