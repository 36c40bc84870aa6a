package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/tripsage/config"
	"github.com/BaSui01/tripsage/internal/database"
)

// Deps 可复用的外部连接，为空时工厂按配置自行创建
type Deps struct {
	Redis redis.UniversalClient
	Pool  *database.PoolManager
}

// NewStore 按 checkpoint.type 创建存储，并包装重试
func NewStore(ctx context.Context, cfg *config.Config, deps Deps, logger *zap.Logger) (*RetryingStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	inner, err := newBackend(ctx, cfg, deps, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("checkpoint store initialized",
		zap.String("type", cfg.Checkpoint.Type),
		zap.Int("history_limit", cfg.Checkpoint.HistoryLimit),
	)
	return NewRetryingStore(inner, cfg.Checkpoint.Retry, logger), nil
}

func newBackend(ctx context.Context, cfg *config.Config, deps Deps, logger *zap.Logger) (Store, error) {
	cp := cfg.Checkpoint
	switch Type(cp.Type) {
	case TypeMemory, "":
		return NewMemoryStore(cp.HistoryLimit), nil

	case TypeFile:
		return NewFileStore(cp.BaseDir, cp.HistoryLimit)

	case TypeRedis:
		client, owns := deps.Redis, false
		if client == nil {
			client = redis.NewClient(&redis.Options{
				Addr:         cfg.Redis.Addr,
				Password:     cfg.Redis.Password,
				DB:           cfg.Redis.DB,
				PoolSize:     cfg.Redis.PoolSize,
				MinIdleConns: cfg.Redis.MinIdleConns,
			})
			owns = true
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := client.Ping(pingCtx).Err(); err != nil {
				_ = client.Close()
				return nil, fmt.Errorf("failed to connect to redis: %w", err)
			}
		}
		store := NewRedisStore(client, RedisStoreConfig{
			KeyPrefix:    cp.KeyPrefix,
			TTL:          cp.TTL,
			HistoryLimit: cp.HistoryLimit,
		}, logger)
		store.ownsClient = owns
		return store, nil

	case TypeSQL:
		pool, owns := deps.Pool, false
		if pool == nil {
			var err error
			pool, err = database.Open(cfg.Database, logger)
			if err != nil {
				return nil, err
			}
			owns = true
		}
		store, err := NewSQLStore(pool, cp.HistoryLimit, logger)
		if err != nil {
			if owns {
				_ = pool.Close()
			}
			return nil, err
		}
		store.ownsPool = owns
		return store, nil

	case TypeMongo:
		return NewMongoStore(ctx, cp.Mongo, cp.HistoryLimit, logger)

	default:
		return nil, fmt.Errorf("unsupported checkpoint store type %q", cp.Type)
	}
}
