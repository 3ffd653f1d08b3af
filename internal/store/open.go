package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OpenOptions selects and configures a backend.
type OpenOptions struct {
	Driver      string // memory, postgres or sqlite
	DatabaseURL string
	SQLitePath  string
	Migrate     bool
}

// Open connects the configured backend. The returned close func releases
// its resources and is never nil.
func Open(ctx context.Context, opts OpenOptions) (Store, func(), error) {
	switch opts.Driver {
	case "", "memory":
		return NewMemoryStore(), func() {}, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		st := NewPostgresStore(pool)
		if opts.Migrate {
			if err := st.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		return st, pool.Close, nil

	case "sqlite":
		st, err := NewSQLiteStore(opts.SQLitePath, opts.Migrate)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
}
