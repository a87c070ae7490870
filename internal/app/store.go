package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dhtsync/internal/config"
	"dhtsync/internal/remote"
	"dhtsync/internal/remote/memstore"
	"dhtsync/internal/remote/mqttstore"
	"dhtsync/internal/remote/pgstore"
	"dhtsync/internal/remote/redisstore"
)

const connectTimeout = 5 * time.Second

// OpenStore connects to the remote store selected by cfg.StoreBackend.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (remote.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	switch cfg.StoreBackend {
	case config.BackendMemory:
		return memstore.New(), nil
	case config.BackendRedis:
		return redisstore.New(ctx, cfg.RedisAddr, cfg.RedisDB, logger)
	case config.BackendPostgres:
		return pgstore.New(ctx, cfg.PostgresURL, logger)
	case config.BackendMQTT:
		s, err := mqttstore.New(cfg, logger)
		if err != nil {
			return nil, err
		}
		if err := s.Connect(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("mqtt connect %s:%d: %w", cfg.MQTTBroker, cfg.MQTTPort, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
