package pgtracking

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Storage хранит снапшоты пользователей (track-api) и реестр подписок (track-worker).
type Storage struct {
	db *pgxpool.Pool
}

type Option func(*pgxpool.Config)

// WithMaxConns ограничивает пул; track-api пишет редко, worker держит concurrency соединений.
func WithMaxConns(n int) Option {
	return func(c *pgxpool.Config) {
		if n > 0 {
			c.MaxConns = int32(n)
		}
	}
}

func WithHealthCheckPeriod(d time.Duration) Option {
	return func(c *pgxpool.Config) {
		if d > 0 {
			c.HealthCheckPeriod = d
		}
	}
}

func poolConfig(connString string, opts ...Option) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "parse pg config")
	}
	if cfg.ConnConfig.ConnectTimeout == 0 {
		cfg.ConnConfig.ConnectTimeout = 5 * time.Second
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	for _, o := range opts {
		o(cfg)
	}
	return cfg, nil
}

// New connects, checks the server answers and applies the schema.
func New(ctx context.Context, connString string, opts ...Option) (*Storage, error) {
	cfg, err := poolConfig(connString, opts...)
	if err != nil {
		return nil, err
	}
	db, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect pg")
	}

	s := &Storage{db: db}
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Open retries New once a second until it succeeds or wait runs out.
// Контейнер postgres в compose поднимается дольше сервисов.
func Open(ctx context.Context, connString string, wait time.Duration, opts ...Option) (*Storage, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	for {
		s, err := New(ctx, connString, opts...)
		if err == nil {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(err, "postgres is not ready after %s", wait)
		case <-time.After(time.Second):
		}
	}
}

func (s *Storage) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.Ping(ctx), "ping pg")
}

func (s *Storage) Close() {
	if s.db != nil {
		s.db.Close()
	}
}
