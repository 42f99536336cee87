package margin

import "math/big"

// CanWithdraw reports whether withdrawing amount leaves enough collateral
// to back the margin reserved by every active position. Always true for a
// user with no open positions.
func (v *MarginVault) CanWithdraw(user string, amount *big.Int) bool {
	account, lock, err := v.accountFor(user)
	if err != nil {
		return false
	}

	lock.Lock()
	defer lock.Unlock()
	return canWithdraw(account, amount)
}

// canWithdraw requires the caller to hold the account lock
func canWithdraw(account *MarginAccount, amount *big.Int) bool {
	required := requiredMargin(account)
	if required.Sign() == 0 {
		return true
	}

	remaining := new(big.Int).Sub(account.Collateral, amount)
	return remaining.Cmp(required) >= 0
}

// requiredMargin sums marginUsed over the account's active positions
func requiredMargin(account *MarginAccount) *big.Int {
	total := big.NewInt(0)
	for _, p := range account.Positions {
		if p.Active {
			total.Add(total, p.MarginUsed)
		}
	}
	return total
}
