package device

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"smart-clock/internal/config"
	"smart-clock/internal/nvs"
)

// NewEngine builds the storage engine selected in cfg
func NewEngine(cfg config.StorageConfig) (nvs.Engine, error) {
	switch cfg.Engine {
	case "sqlite":
		return nvs.NewSQLiteEngine(nvs.SQLiteConfig{
			Path:     cfg.Path,
			Capacity: cfg.Capacity,
		})
	case "redis":
		return nvs.NewRedisEngine(nvs.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			Capacity: cfg.Capacity,
		})
	default:
		return nil, fmt.Errorf("%w: unknown storage engine %q", nvs.ErrStoreUnavailable, cfg.Engine)
	}
}

// OpenStore builds the configured engine and initializes the partition on it
func OpenStore(ctx context.Context, cfg config.StorageConfig, logger *logrus.Entry) (*nvs.Partition, error) {
	engine, err := NewEngine(cfg)
	if err != nil {
		return nil, err
	}

	partition, err := nvs.Init(ctx, engine, logger)
	if err != nil {
		engine.Close()
		return nil, err
	}
	return partition, nil
}
