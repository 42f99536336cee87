package margin

import (
	"encoding/json"
	"math/big"
	"sync"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() log.Logger {
	level, _ := log.ToLevel("debug")
	return log.NewTestLogger(level)
}

// pauseFlag is a togglable pause collaborator
type pauseFlag struct {
	mu     sync.Mutex
	paused bool
}

func (p *pauseFlag) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *pauseFlag) set(paused bool) {
	p.mu.Lock()
	p.paused = paused
	p.mu.Unlock()
}

// roleTable grants only the configured role/user pairs
type roleTable map[string]string

func (r roleTable) HasRole(role, user string) bool {
	return r[user] == role
}

// recordingTransferor counts collaborator calls
type recordingTransferor struct {
	mu   sync.Mutex
	in   int
	out  int
	fail bool
}

func (r *recordingTransferor) TransferIn(user, token string, amount *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return assert.AnError
	}
	r.in++
	return nil
}

func (r *recordingTransferor) TransferOut(user, token string, amount *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return assert.AnError
	}
	r.out++
	return nil
}

// newTestVault returns a vault with BTC-USDT registered (max leverage 100,
// threshold 1000 bps) and permissive collaborators
func newTestVault(t *testing.T) *MarginVault {
	t.Helper()

	vault := NewMarginVault(testLogger(), nil, nil, nil)
	err := vault.SetAssetConfig("risk", AssetConfig{
		Asset:        "BTC-USDT",
		Supported:    true,
		MaxLeverage:  100,
		ThresholdBps: 1000,
	})
	require.NoError(t, err)
	return vault
}

// requireAccountInvariant asserts collateral >= sum of marginUsed over
// active positions and that no ledger quantity went negative
func requireAccountInvariant(t *testing.T, vault *MarginVault, user string) {
	t.Helper()

	account := vault.GetAccount(user)
	require.NotNil(t, account)

	required := big.NewInt(0)
	for _, p := range vault.Positions(user) {
		if p.Active {
			required.Add(required, p.MarginUsed)
		}
	}
	assert.GreaterOrEqual(t, account.Collateral.Cmp(required), 0,
		"collateral %s below reserved margin %s", account.Collateral, required)
	assert.GreaterOrEqual(t, account.Collateral.Sign(), 0)
	assert.GreaterOrEqual(t, account.Borrowed.Sign(), 0)

	marginDeposited, borrowed := vault.Risk().Totals()
	assert.GreaterOrEqual(t, marginDeposited.Sign(), 0)
	assert.GreaterOrEqual(t, borrowed.Sign(), 0)
}

func TestMarginVault(t *testing.T) {
	t.Run("SetAssetConfig", func(t *testing.T) {
		vault := NewMarginVault(testLogger(), nil, nil, nil)

		err := vault.SetAssetConfig("risk", AssetConfig{
			Asset:        "ETH-USDT",
			Supported:    true,
			MaxLeverage:  50,
			ThresholdBps: 500,
		})
		assert.NoError(t, err)

		cfg, ok := vault.AssetConfigFor("ETH-USDT")
		assert.True(t, ok)
		assert.Equal(t, int64(50), cfg.MaxLeverage)

		// Empty asset
		err = vault.SetAssetConfig("risk", AssetConfig{MaxLeverage: 10, ThresholdBps: 500})
		assert.ErrorIs(t, err, ErrUnsupportedAsset)

		// Leverage below floor
		err = vault.SetAssetConfig("risk", AssetConfig{Asset: "X", MaxLeverage: 0, ThresholdBps: 500})
		assert.ErrorIs(t, err, ErrInvalidLeverage)

		// Threshold must stay below 10000 bps
		err = vault.SetAssetConfig("risk", AssetConfig{Asset: "X", MaxLeverage: 10, ThresholdBps: 10000})
		assert.ErrorIs(t, err, ErrInvalidThreshold)
		err = vault.SetAssetConfig("risk", AssetConfig{Asset: "X", MaxLeverage: 10, ThresholdBps: 0})
		assert.ErrorIs(t, err, ErrInvalidThreshold)
	})

	t.Run("AssetConfigRoleGated", func(t *testing.T) {
		roles := roleTable{"carol": RoleRiskManager}
		vault := NewMarginVault(testLogger(), nil, roles, nil)

		err := vault.SetAssetConfig("mallory", AssetConfig{
			Asset: "BTC-USDT", Supported: true, MaxLeverage: 100, ThresholdBps: 1000,
		})
		assert.ErrorIs(t, err, ErrUnauthorized)

		err = vault.SetAssetConfig("carol", AssetConfig{
			Asset: "BTC-USDT", Supported: true, MaxLeverage: 100, ThresholdBps: 1000,
		})
		assert.NoError(t, err)
	})

	t.Run("SetLiquidationPenalty", func(t *testing.T) {
		roles := roleTable{"root": RoleAdmin}
		vault := NewMarginVault(testLogger(), nil, roles, nil)

		assert.Equal(t, DefaultLiquidationPenaltyBps, vault.LiquidationPenaltyBps())

		err := vault.SetLiquidationPenalty("root", 250)
		assert.NoError(t, err)
		assert.Equal(t, int64(250), vault.LiquidationPenaltyBps())

		err = vault.SetLiquidationPenalty("nobody", 250)
		assert.ErrorIs(t, err, ErrUnauthorized)

		err = vault.SetLiquidationPenalty("root", 10000)
		assert.ErrorIs(t, err, ErrInvalidThreshold)
	})

	t.Run("PauseBlocksMutations", func(t *testing.T) {
		pause := &pauseFlag{}
		vault := NewMarginVault(testLogger(), nil, nil, pause)
		require.NoError(t, vault.SetAssetConfig("risk", AssetConfig{
			Asset: "BTC-USDT", Supported: true, MaxLeverage: 100, ThresholdBps: 1000,
		}))
		_, err := vault.CreateAccount("alice", "USDT", big.NewInt(1000))
		require.NoError(t, err)

		pause.set(true)

		_, err = vault.CreateAccount("bob", "USDT", big.NewInt(1000))
		assert.ErrorIs(t, err, ErrPaused)
		assert.ErrorIs(t, vault.DepositMargin("alice", big.NewInt(1)), ErrPaused)
		assert.ErrorIs(t, vault.WithdrawMargin("alice", big.NewInt(1)), ErrPaused)
		_, err = vault.OpenPosition("alice", "BTC-USDT", big.NewInt(1), big.NewInt(100), 10, Long)
		assert.ErrorIs(t, err, ErrPaused)
		_, err = vault.ClosePosition("alice", 0, big.NewInt(100))
		assert.ErrorIs(t, err, ErrPaused)
		_, err = vault.LiquidatePosition("liq", "alice", 0, big.NewInt(90))
		assert.ErrorIs(t, err, ErrPaused)
		assert.ErrorIs(t, vault.SetAssetConfig("risk", AssetConfig{
			Asset: "X", Supported: true, MaxLeverage: 10, ThresholdBps: 100,
		}), ErrPaused)

		// Reads still work while paused
		assert.NotNil(t, vault.GetAccount("alice"))

		pause.set(false)
		assert.NoError(t, vault.DepositMargin("alice", big.NewInt(1)))
	})

	t.Run("StatsAndUtilization", func(t *testing.T) {
		vault := newTestVault(t)

		_, err := vault.CreateAccount("alice", "USDT", big.NewInt(1000))
		require.NoError(t, err)

		stats := vault.Stats()
		assert.Equal(t, big.NewInt(1000), stats.TotalMarginDeposited)
		assert.Equal(t, int64(0), stats.UtilizationBps)
		assert.Equal(t, 1, stats.Accounts)

		// size=1 entry=100 leverage=10: borrowed=90
		_, err = vault.OpenPosition("alice", "BTC-USDT", big.NewInt(1), big.NewInt(100), 10, Long)
		require.NoError(t, err)

		stats = vault.Stats()
		assert.Equal(t, big.NewInt(90), stats.TotalBorrowed)
		assert.Equal(t, int64(900), stats.UtilizationBps) // 90*10000/1000

		_, err = vault.ClosePosition("alice", 0, big.NewInt(100))
		require.NoError(t, err)

		stats = vault.Stats()
		assert.Equal(t, int64(0), stats.TotalBorrowed.Int64())
		assert.Equal(t, int64(0), stats.UtilizationBps)
	})

	t.Run("SnapshotOverwrittenByEachOpen", func(t *testing.T) {
		vault := newTestVault(t)
		_, err := vault.CreateAccount("alice", "USDT", big.NewInt(100000))
		require.NoError(t, err)

		_, err = vault.OpenPosition("alice", "BTC-USDT", big.NewInt(1), big.NewInt(100), 20, Long)
		require.NoError(t, err)

		account := vault.GetAccount("alice")
		assert.Equal(t, int64(20), account.Leverage)
		assert.Equal(t, big.NewInt(95), account.LiquidationPrice)

		// Second open replaces the per-account snapshot; the first
		// position keeps its own leverage
		_, err = vault.OpenPosition("alice", "BTC-USDT", big.NewInt(1), big.NewInt(200), 100, Short)
		require.NoError(t, err)

		account = vault.GetAccount("alice")
		assert.Equal(t, int64(100), account.Leverage)
		assert.Equal(t, big.NewInt(218), account.LiquidationPrice) // 200*(10000+1000-100)/10000
		assert.Equal(t, int64(20), vault.Positions("alice")[0].Leverage)
	})

	t.Run("ReadSnapshotsAreDetached", func(t *testing.T) {
		vault := newTestVault(t)
		_, err := vault.CreateAccount("alice", "USDT", big.NewInt(1000))
		require.NoError(t, err)
		_, err = vault.OpenPosition("alice", "BTC-USDT", big.NewInt(1), big.NewInt(100), 10, Long)
		require.NoError(t, err)

		account := vault.GetAccount("alice")
		account.Collateral.SetInt64(0)
		account.Positions[0].MarginUsed.SetInt64(0)

		fresh := vault.GetAccount("alice")
		assert.Equal(t, big.NewInt(1000), fresh.Collateral)
		assert.Equal(t, big.NewInt(10), fresh.Positions[0].MarginUsed)

		position := vault.Positions("alice")[0]
		position.Size.SetInt64(99)
		assert.Equal(t, big.NewInt(1), vault.Positions("alice")[0].Size)
	})

	t.Run("ConcurrentReadsDuringMutation", func(t *testing.T) {
		vault := newTestVault(t)
		_, err := vault.CreateAccount("alice", "USDT", big.NewInt(1000))
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 500; i++ {
				_ = vault.DepositMargin("alice", big.NewInt(1))
				_ = vault.WithdrawMargin("alice", big.NewInt(1))
			}
		}()

		// Marshalling the returned snapshots must never observe a write
		// in flight; run with -race
		for {
			select {
			case <-done:
				return
			default:
			}
			_, err := json.Marshal(vault.GetAccount("alice"))
			assert.NoError(t, err)
			_, err = json.Marshal(vault.Positions("alice"))
			assert.NoError(t, err)
			for _, account := range vault.Accounts() {
				_, err = json.Marshal(account)
				assert.NoError(t, err)
			}
		}
	})

	t.Run("InvariantAcrossLifecycle", func(t *testing.T) {
		vault := newTestVault(t)

		_, err := vault.CreateAccount("alice", "USDT", big.NewInt(100000))
		require.NoError(t, err)
		requireAccountInvariant(t, vault, "alice")

		require.NoError(t, vault.DepositMargin("alice", big.NewInt(5000)))
		requireAccountInvariant(t, vault, "alice")

		_, err = vault.OpenPosition("alice", "BTC-USDT", big.NewInt(2), big.NewInt(50000), 10, Long)
		require.NoError(t, err)
		requireAccountInvariant(t, vault, "alice")

		require.NoError(t, vault.WithdrawMargin("alice", big.NewInt(1000)))
		requireAccountInvariant(t, vault, "alice")

		_, err = vault.ClosePosition("alice", 0, big.NewInt(51000))
		require.NoError(t, err)
		requireAccountInvariant(t, vault, "alice")

		_, err = vault.OpenPosition("alice", "BTC-USDT", big.NewInt(1), big.NewInt(50000), 10, Long)
		require.NoError(t, err)
		_, err = vault.LiquidatePosition("liq", "alice", 1, big.NewInt(45000))
		require.NoError(t, err)
		requireAccountInvariant(t, vault, "alice")
	})
}
