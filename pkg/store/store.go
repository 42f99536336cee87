// Package store persists vault state through luxfi/database
package store

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/luxfi/database"
	"github.com/luxfi/log"
	"github.com/luxfi/vault/pkg/margin"
)

const (
	accountPrefix = "account:"
	eventPrefix   = "liquidation:"
	totalsKey     = "risk:totals"
)

// VaultStore reads and writes vault records as JSON values
type VaultStore struct {
	db     database.Database
	logger log.Logger
}

// riskTotals is the persisted form of the global risk ledger
type riskTotals struct {
	MarginDeposited *big.Int `json:"marginDeposited"`
	Borrowed        *big.Int `json:"borrowed"`
	Liquidations    uint64   `json:"liquidations"`
}

// New creates a store on top of an open database
func New(db database.Database, logger log.Logger) *VaultStore {
	return &VaultStore{db: db, logger: logger}
}

// SaveAccount writes one account, including its position list
func (s *VaultStore) SaveAccount(account *margin.MarginAccount) error {
	value, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("failed to marshal account %s: %w", account.User, err)
	}
	return s.db.Put([]byte(accountPrefix+account.User), value)
}

// LoadAccount reads one account; returns database.ErrNotFound if absent
func (s *VaultStore) LoadAccount(user string) (*margin.MarginAccount, error) {
	value, err := s.db.Get([]byte(accountPrefix + user))
	if err != nil {
		return nil, err
	}
	var account margin.MarginAccount
	if err := json.Unmarshal(value, &account); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account %s: %w", user, err)
	}
	return &account, nil
}

// LoadAccounts reads every persisted account
func (s *VaultStore) LoadAccounts() ([]*margin.MarginAccount, error) {
	iter := s.db.NewIteratorWithPrefix([]byte(accountPrefix))
	defer iter.Release()

	var accounts []*margin.MarginAccount
	for iter.Next() {
		var account margin.MarginAccount
		if err := json.Unmarshal(iter.Value(), &account); err != nil {
			s.logger.Error("skipping corrupt account record", "key", string(iter.Key()), "error", err)
			continue
		}
		accounts = append(accounts, &account)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return accounts, nil
}

// SaveEvent appends one liquidation event. Events are keyed by their
// sequential id, zero padded so lexicographic order matches log order.
func (s *VaultStore) SaveEvent(event *margin.LiquidationEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal liquidation event %d: %w", event.ID, err)
	}
	return s.db.Put(eventKey(event.ID), value)
}

// LoadEvents reads the full liquidation log in id order
func (s *VaultStore) LoadEvents() ([]*margin.LiquidationEvent, error) {
	var events []*margin.LiquidationEvent
	for id := uint64(0); ; id++ {
		value, err := s.db.Get(eventKey(id))
		if err == database.ErrNotFound {
			break
		}
		if err != nil {
			return nil, err
		}
		var event margin.LiquidationEvent
		if err := json.Unmarshal(value, &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal liquidation event %d: %w", id, err)
		}
		events = append(events, &event)
	}
	return events, nil
}

// SaveTotals persists the global risk aggregates
func (s *VaultStore) SaveTotals(stats margin.VaultStats) error {
	value, err := json.Marshal(riskTotals{
		MarginDeposited: stats.TotalMarginDeposited,
		Borrowed:        stats.TotalBorrowed,
		Liquidations:    stats.Liquidations,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal risk totals: %w", err)
	}
	return s.db.Put([]byte(totalsKey), value)
}

// LoadTotals reads the persisted risk aggregates; zero totals if absent
func (s *VaultStore) LoadTotals() (marginDeposited, borrowed *big.Int, err error) {
	value, err := s.db.Get([]byte(totalsKey))
	if err == database.ErrNotFound {
		return big.NewInt(0), big.NewInt(0), nil
	}
	if err != nil {
		return nil, nil, err
	}
	var totals riskTotals
	if err := json.Unmarshal(value, &totals); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal risk totals: %w", err)
	}
	return totals.MarginDeposited, totals.Borrowed, nil
}

// Snapshot writes the whole vault in one batch: every account, the risk
// totals, and any liquidation events past what is already persisted.
func (s *VaultStore) Snapshot(vault *margin.MarginVault) error {
	batch := s.db.NewBatch()
	defer batch.Reset()

	for _, account := range vault.Accounts() {
		value, err := json.Marshal(account)
		if err != nil {
			return fmt.Errorf("failed to marshal account %s: %w", account.User, err)
		}
		if err := batch.Put([]byte(accountPrefix+account.User), value); err != nil {
			return err
		}
	}

	for _, event := range vault.LiquidationEvents(0, int(vault.LiquidationCount())) {
		value, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal liquidation event %d: %w", event.ID, err)
		}
		if err := batch.Put(eventKey(event.ID), value); err != nil {
			return err
		}
	}

	stats := vault.Stats()
	value, err := json.Marshal(riskTotals{
		MarginDeposited: stats.TotalMarginDeposited,
		Borrowed:        stats.TotalBorrowed,
		Liquidations:    stats.Liquidations,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal risk totals: %w", err)
	}
	if err := batch.Put([]byte(totalsKey), value); err != nil {
		return err
	}

	if err := batch.Write(); err != nil {
		return fmt.Errorf("snapshot write failed: %w", err)
	}
	s.logger.Debug("vault snapshot written", "accounts", len(vault.Accounts()), "size", batch.Size())
	return nil
}

// Restore loads persisted state into a freshly constructed vault
func (s *VaultStore) Restore(vault *margin.MarginVault) error {
	accounts, err := s.LoadAccounts()
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}
	events, err := s.LoadEvents()
	if err != nil {
		return fmt.Errorf("failed to load liquidation log: %w", err)
	}
	marginDeposited, borrowed, err := s.LoadTotals()
	if err != nil {
		return fmt.Errorf("failed to load risk totals: %w", err)
	}

	vault.RestoreState(accounts, events, marginDeposited, borrowed)
	return nil
}

func eventKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", eventPrefix, id))
}
