package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/yungbote/terrain-backend/internal/observability"
	"github.com/yungbote/terrain-backend/internal/platform/dem"
	"github.com/yungbote/terrain-backend/internal/platform/logger"
	"github.com/yungbote/terrain-backend/internal/platform/redisbus"
	"github.com/yungbote/terrain-backend/internal/terrain/coordinator"
)

type Clients struct {
	Store ClosableStore
	// DEM is nil in synthetic mode.
	DEM dem.Source
	// TileBus is nil when no Redis address is configured.
	TileBus redisbus.TileBus
}

func wireClients(ctx context.Context, log *logger.Logger, metrics *observability.Metrics, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")

	store, err := resolveBlobStore(ctx, log, metrics, cfg)
	if err != nil {
		return Clients{}, err
	}

	var source dem.Source
	if cfg.Coordinator().Mode == coordinator.ModeDEM {
		c, err := dem.NewClient(log, cfg.DEM())
		if err != nil {
			_ = store.Close()
			return Clients{}, fmt.Errorf("init dem client: %w", err)
		}
		source = c
	}

	var bus redisbus.TileBus
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		b, err := redisbus.NewTileBus(ctx, log, redisbus.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Channel:  cfg.RedisChannel,
		})
		if err != nil {
			_ = store.Close()
			return Clients{}, fmt.Errorf("init redis tile bus: %w", err)
		}
		bus = b
	}

	return Clients{Store: store, DEM: source, TileBus: bus}, nil
}

func (c Clients) Close() {
	if c.TileBus != nil {
		_ = c.TileBus.Close()
	}
	if c.Store != nil {
		_ = c.Store.Close()
	}
}
