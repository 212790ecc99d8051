package persistence

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/chatforge/chatforge/config"
)

// NewStores 根据配置选择持久化实现。
func NewStores(cfg config.DatabaseConfig, logger *zap.Logger) (*Stores, error) {
	switch cfg.Driver {
	case "memory", "":
		return NewMemoryStores(), nil
	case "sqlite", "postgres":
		store, err := NewGormStore(cfg, logger)
		if err != nil {
			return nil, err
		}
		return &Stores{
			Conversations: store,
			Sessions:      store,
			Workflows:     store,
			closer:        store.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
