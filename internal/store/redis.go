package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/equity-ledger/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// holdings and the unfiltered trade log. Writes go to the primary store and
// invalidate the user's keys; reads check Redis first then fall back to the
// primary. A Redis outage degrades to primary reads, never to errors.
//
// Every write bumps a per-user generation counter. A read fills the cache
// only if the generation is unchanged since before its primary query, so a
// read that races a commit never caches the pre-commit state.
//
// Order decisions never read the cache: InTx always runs on the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	logger  *slog.Logger
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		logger:  slog.Default(),
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, userID string, cash decimal.Decimal, at time.Time) error {
	if err := s.primary.CreateAccount(ctx, userID, cash, at); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

func (s *CachedStore) InTx(ctx context.Context, userID string, fn func(ctx context.Context, tx Tx) error) error {
	err := s.primary.InTx(ctx, userID, fn)
	// A failed commit leaves the outcome unknown, so failures invalidate too.
	s.invalidate(ctx, userID)
	return err
}

func (s *CachedStore) RefreshLastPrice(ctx context.Context, userID, symbol string, price decimal.Decimal) error {
	if err := s.primary.RefreshLastPrice(ctx, userID, symbol, price); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Holdings(ctx context.Context, userID string) (model.Holdings, error) {
	var h model.Holdings
	if s.get(ctx, holdingsKey(userID), &h) {
		return h, nil
	}

	gen, ok := s.generation(ctx, userID)
	h, err := s.primary.Holdings(ctx, userID)
	if err != nil {
		return model.Holdings{}, err
	}
	if ok {
		s.fill(ctx, userID, gen, holdingsKey(userID), h)
	}
	return h, nil
}

func (s *CachedStore) Trades(ctx context.Context, userID string, filter model.TimeFilter) ([]model.Trade, error) {
	if !filter.IsZero() {
		return s.primary.Trades(ctx, userID, filter)
	}

	var trades []model.Trade
	if s.get(ctx, tradesKey(userID), &trades) {
		return trades, nil
	}

	gen, ok := s.generation(ctx, userID)
	trades, err := s.primary.Trades(ctx, userID, filter)
	if err != nil {
		return nil, err
	}
	if ok {
		s.fill(ctx, userID, gen, tradesKey(userID), trades)
	}
	return trades, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) OpenLots(ctx context.Context, userID, symbol string) ([]model.StoredLot, error) {
	return s.primary.OpenLots(ctx, userID, symbol)
}

func (s *CachedStore) CashTransactions(ctx context.Context, userID string, filter model.TimeFilter) ([]model.CashTransaction, error) {
	return s.primary.CashTransactions(ctx, userID, filter)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, into any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, into) == nil
}

var errStaleFill = errors.New("store: ledger changed during cache fill")

// generation returns the user's write counter. ok is false when Redis cannot
// be read, in which case nothing is cached.
func (s *CachedStore) generation(ctx context.Context, userID string) (int64, bool) {
	gen, err := s.rdb.Get(ctx, genKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, true
	}
	return gen, err == nil
}

// fill stores v under key if the user's generation still equals gen. The
// check and the SET run under WATCH, so a concurrent invalidation aborts it.
func (s *CachedStore) fill(ctx context.Context, userID string, gen int64, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	gk := genKey(userID)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, gk).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, gk)
	switch {
	case err == nil:
	case errors.Is(err, errStaleFill), errors.Is(err, redis.TxFailedErr):
		s.logger.Debug("cache fill skipped", "key", key)
	default:
		s.logger.Debug("cache set failed", "key", key, "err", err)
	}
}

// invalidate bumps the user's generation and drops the cached reads.
func (s *CachedStore) invalidate(ctx context.Context, userID string) {
	ctx = context.WithoutCancel(ctx)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, genKey(userID))
		p.Del(ctx, holdingsKey(userID), tradesKey(userID))
		return nil
	})
	if err != nil {
		s.logger.Warn("cache invalidation failed", "user", userID, "err", err)
	}
}

// Uncached returns the store beneath any read cache. Reads that must agree
// with each other, such as an audit, use it.
func Uncached(st Store) Store {
	if c, ok := st.(*CachedStore); ok {
		return c.primary
	}
	return st
}

func holdingsKey(uid string) string { return fmt.Sprintf("ledger:holdings:%s", uid) }
func tradesKey(uid string) string   { return fmt.Sprintf("ledger:trades:%s", uid) }
func genKey(uid string) string      { return fmt.Sprintf("ledger:gen:%s", uid) }
