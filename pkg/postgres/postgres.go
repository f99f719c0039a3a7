package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultMaxConns          = 20
	defaultHealthCheckPeriod = 30 * time.Second
	defaultConnectTimeout    = 5 * time.Second
)

type Config struct {
	URL               string        `split_words:"true"`
	MaxConns          int32         `split_words:"true" default:"20"`
	MinConns          int32         `split_words:"true" default:"0"`
	ConnectTimeout    time.Duration `split_words:"true" default:"5s"`
	HealthCheckPeriod time.Duration `split_words:"true" default:"30s"`
}

// PoolConfig parses the URL and applies pool bounds without connecting.
func (c *Config) PoolConfig() (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(c.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	poolCfg.MaxConns = defaultMaxConns
	if c.MaxConns > 0 {
		poolCfg.MaxConns = c.MaxConns
	}
	if c.MinConns > 0 && c.MinConns <= poolCfg.MaxConns {
		poolCfg.MinConns = c.MinConns
	}
	poolCfg.HealthCheckPeriod = defaultHealthCheckPeriod
	if c.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = c.HealthCheckPeriod
	}
	poolCfg.ConnConfig.ConnectTimeout = defaultConnectTimeout
	if c.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = c.ConnectTimeout
	}
	return poolCfg, nil
}

func (c *Config) New(ctx context.Context) (*pgxpool.Pool, error) {
	poolCfg, err := c.PoolConfig()
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, poolCfg.ConnConfig.ConnectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}
