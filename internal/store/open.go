package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options selects and configures a store.
type Options struct {
	Driver   string // memory, pgx, postgres or sqlite
	URL      string // DSN; ignored for memory
	RedisURL string // optional read-through cache
	CacheTTL time.Duration
	Migrate  bool // create tables on open
}

// Open builds the store described by opts. The returned close function
// releases every connection it opened.
func Open(ctx context.Context, opts Options) (Store, func() error, error) {
	var (
		st      Store
		closers []func() error
	)

	switch opts.Driver {
	case "", "memory":
		st = NewMemoryStore()

	case "pgx":
		pool, err := ConnectPostgres(ctx, opts.URL)
		if err != nil {
			return nil, nil, err
		}
		pg := NewPostgresStore(pool)
		closers = append(closers, pg.Close)
		if opts.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, nil, err
			}
		}
		st = pg

	case "postgres", "sqlite":
		sq, err := OpenSQL(ctx, opts.Driver, opts.URL)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, sq.Close)
		if opts.Migrate {
			if err := sq.Migrate(ctx); err != nil {
				sq.Close()
				return nil, nil, err
			}
		}
		st = sq

	default:
		return nil, nil, fmt.Errorf("store: unknown driver %q", opts.Driver)
	}

	if opts.RedisURL != "" {
		ropts, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			closeAll(closers)
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(ropts)
		closers = append(closers, rdb.Close)
		ttl := opts.CacheTTL
		if ttl <= 0 {
			ttl = 30 * time.Second
		}
		st = NewCachedStore(st, rdb, ttl)
	}

	return st, func() error { return closeAll(closers) }, nil
}

func closeAll(closers []func() error) error {
	var first error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
