package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/equity-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// InTx holds the write lock for the whole callback and stages every change
// on a copy of the user's records; the copy replaces the originals only
// when the callback succeeds.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*account
}

// account is everything the store keeps for one user.
type account struct {
	cash     decimal.Decimal
	lots     []model.StoredLot
	trades   []model.Trade
	cashTxns []model.CashTransaction
}

func (a *account) clone() *account {
	return &account{
		cash:     a.cash,
		lots:     append([]model.StoredLot(nil), a.lots...),
		trades:   append([]model.Trade(nil), a.trades...),
		cashTxns: append([]model.CashTransaction(nil), a.cashTxns...),
	}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*account)}
}

func (s *MemoryStore) CreateAccount(_ context.Context, userID string, cash decimal.Decimal, at time.Time) error {
	if cash.IsNegative() {
		return ErrNegativeBalance
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[userID]; ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, userID)
	}
	a := &account{cash: cash}
	if cash.IsPositive() {
		a.cashTxns = append(a.cashTxns, model.CashTransaction{
			ID: NewID(), UserID: userID, Kind: model.Deposit, Amount: cash, At: at,
		})
	}
	s.accounts[userID] = a
	return nil
}

func (s *MemoryStore) InTx(ctx context.Context, userID string, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.accounts[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, userID)
	}

	// A panic in fn skips the swap below, dropping the staged changes.
	tx := &memoryTx{userID: userID, staged: current.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.accounts[userID] = tx.staged
	return nil
}

func (s *MemoryStore) Holdings(_ context.Context, userID string) (model.Holdings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return model.Holdings{}, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	lots := append([]model.StoredLot(nil), a.lots...)
	sort.SliceStable(lots, func(i, j int) bool {
		if lots[i].Symbol != lots[j].Symbol {
			return lots[i].Symbol < lots[j].Symbol
		}
		return lotLess(lots[i], lots[j])
	})
	return model.Holdings{UserID: userID, Cash: a.cash, Lots: lots}, nil
}

func (s *MemoryStore) OpenLots(_ context.Context, userID, symbol string) ([]model.StoredLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	return lotsOf(a.lots, symbol), nil
}

func (s *MemoryStore) Trades(_ context.Context, userID string, filter model.TimeFilter) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	var out []model.Trade
	for _, t := range a.trades {
		if filter.Contains(t.ExecutedAt) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ExecutedAt.Equal(out[j].ExecutedAt) {
			return out[i].ExecutedAt.Before(out[j].ExecutedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) CashTransactions(_ context.Context, userID string, filter model.TimeFilter) ([]model.CashTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	var out []model.CashTransaction
	for _, ct := range a.cashTxns {
		if filter.Contains(ct.At) {
			out = append(out, ct)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) RefreshLastPrice(_ context.Context, userID, symbol string, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	for i := range a.lots {
		if a.lots[i].Symbol == symbol {
			a.lots[i].LastPrice = price
		}
	}
	return nil
}

// --- Transaction ---

type memoryTx struct {
	userID string
	staged *account
}

func (t *memoryTx) Balance(context.Context) (decimal.Decimal, error) {
	return t.staged.cash, nil
}

func (t *memoryTx) SetBalance(_ context.Context, cash decimal.Decimal) error {
	if cash.IsNegative() {
		return ErrNegativeBalance
	}
	t.staged.cash = cash
	return nil
}

func (t *memoryTx) Lots(_ context.Context, symbol string) ([]model.StoredLot, error) {
	return lotsOf(t.staged.lots, symbol), nil
}

func (t *memoryTx) InsertLot(_ context.Context, lot model.NewLot) (model.StoredLot, error) {
	if err := validLot(lot.Lot); err != nil {
		return model.StoredLot{}, err
	}
	stored := model.StoredLot{ID: NewID(), Lot: lot.Lot}
	stored.UserID = t.userID
	t.staged.lots = append(t.staged.lots, stored)
	return stored, nil
}

func (t *memoryTx) UpdateLotQuantity(_ context.Context, lotID string, quantity int64) error {
	if quantity <= 0 {
		return ErrEmptyLot
	}
	for i := range t.staged.lots {
		if t.staged.lots[i].ID == lotID {
			t.staged.lots[i].Quantity = quantity
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrLotNotFound, lotID)
}

func (t *memoryTx) DeleteLot(_ context.Context, lotID string) error {
	for i := range t.staged.lots {
		if t.staged.lots[i].ID == lotID {
			t.staged.lots = append(t.staged.lots[:i], t.staged.lots[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrLotNotFound, lotID)
}

func (t *memoryTx) InsertTrade(_ context.Context, trade model.Trade) error {
	trade.UserID = t.userID
	t.staged.trades = append(t.staged.trades, trade)
	return nil
}

func (t *memoryTx) InsertCashTransaction(_ context.Context, ct model.CashTransaction) error {
	ct.UserID = t.userID
	t.staged.cashTxns = append(t.staged.cashTxns, ct)
	return nil
}

// lotsOf returns the lots of one symbol, oldest first.
func lotsOf(all []model.StoredLot, symbol string) []model.StoredLot {
	var out []model.StoredLot
	for _, l := range all {
		if l.Symbol == symbol {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return lotLess(out[i], out[j]) })
	return out
}

// lotLess orders lots by (opened_at, lot_id).
func lotLess(a, b model.StoredLot) bool {
	if !a.OpenedAt.Equal(b.OpenedAt) {
		return a.OpenedAt.Before(b.OpenedAt)
	}
	return a.ID < b.ID
}
