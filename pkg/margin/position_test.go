package margin

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionLedger(t *testing.T) {
	t.Run("OpenPosition", func(t *testing.T) {
		vault := newTestVault(t)
		_, err := vault.CreateAccount("alice", "USDT", big.NewInt(1000))
		require.NoError(t, err)

		position, err := vault.OpenPosition("alice", "BTC-USDT", big.NewInt(1), big.NewInt(100), 10, Long)
		assert.NoError(t, err)
		require.NotNil(t, position)
		assert.Equal(t, 0, position.Index)
		assert.Equal(t, Long, position.Side)
		assert.Equal(t, big.NewInt(10), position.MarginUsed) // floor(1*100/10)
		assert.True(t, position.Active)
		assert.Equal(t, int64(0), position.RealizedPnL.Int64())

		account := vault.GetAccount("alice")
		assert.Equal(t, big.NewInt(90), account.Borrowed) // 100 - 10
		assert.Equal(t, int64(10), account.Leverage)

		// Collateral is reserved, not removed
		assert.Equal(t, big.NewInt(1000), account.Collateral)

		_, borrowed := vault.Risk().Totals()
		assert.Equal(t, big.NewInt(90), borrowed)
	})

	t.Run("OpenPositionValidation", func(t *testing.T) {
		vault := newTestVault(t)
		_, err := vault.CreateAccount("alice", "USDT", big.NewInt(1000))
		require.NoError(t, err)

		_, err = vault.OpenPosition("alice", "DOGE-USDT", big.NewInt(1), big.NewInt(100), 10, Long)
		assert.ErrorIs(t, err, ErrUnsupportedAsset)

		_, err = vault.OpenPosition("alice", "BTC-USDT", big.NewInt(0), big.NewInt(100), 10, Long)
		assert.ErrorIs(t, err, ErrInvalidSize)

		_, err = vault.OpenPosition("alice", "BTC-USDT", big.NewInt(1), big.NewInt(0), 10, Long)
		assert.ErrorIs(t, err, ErrInvalidPrice)

		_, err = vault.OpenPosition("alice", "BTC-USDT", big.NewInt(1), big.NewInt(100), 0, Long)
		assert.ErrorIs(t, err, ErrInvalidLeverage)
		_, err = vault.OpenPosition("alice", "BTC-USDT", big.NewInt(1), big.NewInt(100), 101, Long)
		assert.ErrorIs(t, err, ErrInvalidLeverage)

		_, err = vault.OpenPosition("nobody", "BTC-USDT", big.NewInt(1), big.NewInt(100), 10, Long)
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("OpenPositionInsufficientMargin", func(t *testing.T) {
		vault := newTestVault(t)
		_, err := vault.CreateAccount("alice", "USDT", big.NewInt(9))
		require.NoError(t, err)

		// requiredMargin = 10 > collateral 9
		_, err = vault.OpenPosition("alice", "BTC-USDT", big.NewInt(1), big.NewInt(100), 10, Long)
		assert.ErrorIs(t, err, ErrInsufficientMargin)
		assert.Empty(t, vault.Positions("alice"))
	})

	t.Run("RequiredMarginTruncates", func(t *testing.T) {
		vault := newTestVault(t)
		_, err := vault.CreateAccount("alice", "USDT", big.NewInt(1000))
		require.NoError(t, err)

		// notional = 1*1000 = 1000, leverage 3: floor(1000/3) = 333
		position, err := vault.OpenPosition("alice", "BTC-USDT", big.NewInt(1), big.NewInt(1000), 3, Long)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(333), position.MarginUsed)
		assert.Equal(t, big.NewInt(667), vault.GetAccount("alice").Borrowed)
	})

	t.Run("CloseAtProfit", func(t *testing.T) {
		// The canonical end-to-end scenario: deposit 1000, open
		// size=1/leverage=10/entry=100, close at 110. The settlement
		// formula credits pnl and debits marginUsed, so collateral
		// returns to exactly 1000.
		vault := newTestVault(t)
		_, err := vault.CreateAccount("alice", "USDT", big.NewInt(1000))
		require.NoError(t, err)

		position, err := vault.OpenPosition("alice", "BTC-USDT", big.NewInt(1), big.NewInt(100), 10, Long)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(10), position.MarginUsed)
		assert.Equal(t, big.NewInt(90), vault.GetAccount("alice").Borrowed)

		pnl, err := vault.ClosePosition("alice", 0, big.NewInt(110))
		assert.NoError(t, err)
		assert.True(t, pnl.Profit())
		assert.Equal(t, big.NewInt(10), pnl.Amount)

		account := vault.GetAccount("alice")
		assert.Equal(t, big.NewInt(1000), account.Collateral) // 1000 + 10 - 10
		assert.Equal(t, int64(0), account.Borrowed.Int64())

		closed := vault.Positions("alice")[0]
		assert.False(t, closed.Active)
		assert.False(t, closed.ClosedAt.IsZero())
		assert.Equal(t, big.NewInt(10), closed.RealizedPnL)

		requireAccountInvariant(t, vault, "alice")
	})

	t.Run("CloseAtLoss", func(t *testing.T) {
		vault := newTestVault(t)
		_, err := vault.CreateAccount("alice", "USDT", big.NewInt(1000))
		require.NoError(t, err)

		_, err = vault.OpenPosition("alice", "BTC-USDT", big.NewInt(1), big.NewInt(100), 10, Long)
		require.NoError(t, err)

		pnl, err := vault.ClosePosition("alice", 0, big.NewInt(95))
		assert.NoError(t, err)
		assert.True(t, pnl.Loss)
		assert.Equal(t, big.NewInt(5), pnl.Amount)

		account := vault.GetAccount("alice")
		assert.Equal(t, big.NewInt(985), account.Collateral) // 1000 - 5 - 10
		assert.Equal(t, int64(0), account.Borrowed.Int64())

		// Loss magnitude is not persisted on the position
		assert.Equal(t, int64(0), vault.Positions("alice")[0].RealizedPnL.Int64())

		requireAccountInvariant(t, vault, "alice")
	})

	t.Run("CloseShortSides", func(t *testing.T) {
		vault := newTestVault(t)
		_, err := vault.CreateAccount("alice", "USDT", big.NewInt(10000))
		require.NoError(t, err)

		_, err = vault.OpenPosition("alice", "BTC-USDT", big.NewInt(2), big.NewInt(100), 10, Short)
		require.NoError(t, err)

		// Short profits when price falls: pnl = 2*(100-90) = 20
		pnl, err := vault.ClosePosition("alice", 0, big.NewInt(90))
		assert.NoError(t, err)
		assert.True(t, pnl.Profit())
		assert.Equal(t, big.NewInt(20), pnl.Amount)

		_, err = vault.OpenPosition("alice", "BTC-USDT", big.NewInt(2), big.NewInt(100), 10, Short)
		require.NoError(t, err)

		pnl, err = vault.ClosePosition("alice", 1, big.NewInt(103))
		assert.NoError(t, err)
		assert.True(t, pnl.Loss)
		assert.Equal(t, big.NewInt(6), pnl.Amount)
	})

	t.Run("CloseInsufficientCollateralForLoss", func(t *testing.T) {
		vault := newTestVault(t)
		_, err := vault.CreateAccount("alice", "USDT", big.NewInt(10))
		require.NoError(t, err)

		// marginUsed=10; a 5-unit loss needs 15 total
		_, err = vault.OpenPosition("alice", "BTC-USDT", big.NewInt(1), big.NewInt(100), 10, Long)
		require.NoError(t, err)

		_, err = vault.ClosePosition("alice", 0, big.NewInt(95))
		assert.ErrorIs(t, err, ErrInsufficientCollateralForLoss)

		// Nothing changed: the position is still open and collateral intact
		account := vault.GetAccount("alice")
		assert.Equal(t, big.NewInt(10), account.Collateral)
		assert.True(t, vault.Positions("alice")[0].Active)
		assert.Equal(t, big.NewInt(90), account.Borrowed)
	})

	t.Run("CloseValidation", func(t *testing.T) {
		vault := newTestVault(t)
		_, err := vault.CreateAccount("alice", "USDT", big.NewInt(1000))
		require.NoError(t, err)
		_, err = vault.OpenPosition("alice", "BTC-USDT", big.NewInt(1), big.NewInt(100), 10, Long)
		require.NoError(t, err)

		_, err = vault.ClosePosition("alice", 0, big.NewInt(0))
		assert.ErrorIs(t, err, ErrInvalidPrice)
		_, err = vault.ClosePosition("alice", -1, big.NewInt(100))
		assert.ErrorIs(t, err, ErrPositionNotFound)
		_, err = vault.ClosePosition("alice", 5, big.NewInt(100))
		assert.ErrorIs(t, err, ErrPositionNotFound)
		_, err = vault.ClosePosition("nobody", 0, big.NewInt(100))
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("DoubleCloseFailsConsistently", func(t *testing.T) {
		vault := newTestVault(t)
		_, err := vault.CreateAccount("alice", "USDT", big.NewInt(1000))
		require.NoError(t, err)
		_, err = vault.OpenPosition("alice", "BTC-USDT", big.NewInt(1), big.NewInt(100), 10, Long)
		require.NoError(t, err)

		_, err = vault.ClosePosition("alice", 0, big.NewInt(110))
		require.NoError(t, err)

		// Closing again always fails the same way, however often retried
		for i := 0; i < 3; i++ {
			_, err = vault.ClosePosition("alice", 0, big.NewInt(110))
			assert.ErrorIs(t, err, ErrPositionClosed)
		}
	})

	t.Run("PositionsAreAppendOnly", func(t *testing.T) {
		vault := newTestVault(t)
		_, err := vault.CreateAccount("alice", "USDT", big.NewInt(100000))
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			_, err = vault.OpenPosition("alice", "BTC-USDT", big.NewInt(1), big.NewInt(100), 10, Long)
			require.NoError(t, err)
		}
		_, err = vault.ClosePosition("alice", 1, big.NewInt(100))
		require.NoError(t, err)

		positions := vault.Positions("alice")
		require.Len(t, positions, 3)
		assert.True(t, positions[0].Active)
		assert.False(t, positions[1].Active)
		assert.True(t, positions[2].Active)
		for i, p := range positions {
			assert.Equal(t, i, p.Index)
		}
	})
}
