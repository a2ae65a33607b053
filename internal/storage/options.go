package storage

import (
	"strings"
	"time"
)

// Option configures either repository implementation. Options that only make
// sense for Postgres are ignored by the in-memory store.
type Option interface {
	applyMemory(*Storage)
	applyPostgres(*PostgresConfig)
}

type optionAdapter struct {
	memory func(*Storage)
	pg     func(*PostgresConfig)
}

func (o optionAdapter) applyMemory(store *Storage) {
	if o.memory != nil && store != nil {
		o.memory(store)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func composeOption(memory func(*Storage), pg func(*PostgresConfig)) Option {
	return optionAdapter{memory: memory, pg: pg}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

// WithIDGenerator overrides how submission IDs are minted.
func WithIDGenerator(next func() string) Option {
	return composeOption(
		func(s *Storage) {
			if next != nil {
				s.newID = next
			}
		},
		func(cfg *PostgresConfig) {
			if next != nil {
				cfg.NewID = next
			}
		},
	)
}

// WithPoolLimits bounds the Postgres connection pool.
func WithPoolLimits(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	})
}

// WithConnLifetime recycles pooled connections after lifetime and closes
// connections idle longer than idle.
func WithConnLifetime(lifetime, idle time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if lifetime > 0 {
			cfg.MaxConnLifetime = lifetime
		}
		if idle > 0 {
			cfg.MaxConnIdleTime = idle
		}
	})
}

// WithAcquireTimeout bounds how long a query waits for a pooled connection.
func WithAcquireTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

// WithHealthCheckInterval sets how often idle connections are health-checked.
func WithHealthCheckInterval(interval time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if interval > 0 {
			cfg.HealthCheckInterval = interval
		}
	})
}

// WithApplicationName tags Postgres sessions for pg_stat_activity.
func WithApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		cfg.ApplicationName = strings.TrimSpace(name)
	})
}
