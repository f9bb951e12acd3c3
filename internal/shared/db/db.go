package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cristianortiz/liveauction/internal/shared/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	dbPool *pgxpool.Pool
	once   sync.Once
)

// GetPostgresDBPool returns a singleton *pgxpool.Pool built from cfg, pinging it on every call.
func GetPostgresDBPool(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	var err error
	once.Do(func() {
		poolConfig, configErr := pgxpool.ParseConfig(cfg.DSN())
		if configErr != nil {
			err = fmt.Errorf("failed to parse database config: %w", configErr)
			return
		}

		poolConfig.MaxConns = 10
		poolConfig.MinConns = 2
		poolConfig.MaxConnLifetime = time.Hour
		poolConfig.HealthCheckPeriod = time.Minute

		pool, connectErr := pgxpool.NewWithConfig(ctx, poolConfig)
		if connectErr != nil {
			err = fmt.Errorf("unable to connect to DB: %w", connectErr)
			return
		}
		dbPool = pool
	})

	if err != nil {
		return nil, err
	}
	if dbPool == nil {
		return nil, errors.New("database pool was not initialized")
	}
	if pingErr := dbPool.Ping(ctx); pingErr != nil {
		return nil, fmt.Errorf("database pool ping failed: %w", pingErr)
	}

	return dbPool, nil
}
