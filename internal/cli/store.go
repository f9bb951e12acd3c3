package cli

import (
	"context"
	"fmt"

	"github.com/cristianortiz/liveauction/internal/auction/domain"
	"github.com/cristianortiz/liveauction/internal/auction/infra/repository/memory"
	"github.com/cristianortiz/liveauction/internal/auction/infra/repository/postgres"
	redisstore "github.com/cristianortiz/liveauction/internal/auction/infra/repository/redis"
	"github.com/cristianortiz/liveauction/internal/shared/config"
	"github.com/cristianortiz/liveauction/internal/shared/db"
	"github.com/cristianortiz/liveauction/internal/shared/db/migrations"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// backends are the connections opened for a run, closed together.
type backends struct {
	store domain.AuctionStore
	redis *redis.Client
	close []func()
}

func (b *backends) Close() {
	for i := len(b.close) - 1; i >= 0; i-- {
		b.close[i]()
	}
}

// openBackends builds the auction store selected by STORE_DRIVER. The redis
// client is also opened when the rate limiter needs it.
func openBackends(ctx context.Context, cfg config.Config, needRedis bool) (*backends, error) {
	b := &backends{}

	if cfg.StoreDriver == config.StoreRedis || needRedis {
		client, err := db.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		b.redis = client
		b.close = append(b.close, func() { _ = client.Close() })
	}

	switch cfg.StoreDriver {
	case config.StoreMemory:
		log.Warn("Using in-memory auction store, state is lost on restart")
		b.store = memory.NewAuctionStore()

	case config.StorePostgres:
		log.Info("Running database migrations...")
		if err := migrations.RunMigrations(cfg.DB); err != nil {
			b.Close()
			return nil, fmt.Errorf("database migration failed: %w", err)
		}
		pool, err := db.GetPostgresDBPool(ctx, cfg.DB)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.close = append(b.close, pool.Close)
		b.store = postgres.NewAuctionStore(pool)

	case config.StoreRedis:
		b.store = redisstore.NewAuctionStore(b.redis, cfg.Redis.Prefix)

	default:
		b.Close()
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	log.Info("Auction store ready", zap.String("driver", cfg.StoreDriver))
	return b, nil
}
