package app

import (
	"context"
	"fmt"

	"github.com/yungbote/terrain-backend/internal/jobs/worker"
	"github.com/yungbote/terrain-backend/internal/observability"
	"github.com/yungbote/terrain-backend/internal/pkg/dbctx"
	"github.com/yungbote/terrain-backend/internal/platform/logger"
	"github.com/yungbote/terrain-backend/internal/terrain/coordinator"
	"github.com/yungbote/terrain-backend/internal/terrain/geo"
	"github.com/yungbote/terrain-backend/internal/terrain/resolver"
	"github.com/yungbote/terrain-backend/internal/terrain/tileindex"
	"github.com/yungbote/terrain-backend/internal/terrain/tilequeue"
	"github.com/yungbote/terrain-backend/internal/terrain/worlds"
)

type Services struct {
	Worlds      *worlds.Snapshot
	Mapper      *geo.Mapper
	TileIndex   *tileindex.Index
	TileQueue   *tilequeue.Queue
	Resolver    *resolver.Resolver
	Coordinator *coordinator.Coordinator
	// DownloadWorker is nil in synthetic mode.
	DownloadWorker *worker.Worker
}

func wireServices(ctx context.Context, log *logger.Logger, metrics *observability.Metrics, cfg Config, repos Repos, clients Clients) (Services, error) {
	log.Info("Wiring services...")

	snapshot, err := worlds.Load(dbctx.New(ctx), repos.WorldVersions, log)
	if err != nil {
		return Services{}, err
	}
	mapper, err := geo.New(cfg.MapperConfig())
	if err != nil {
		return Services{}, err
	}

	index := tileindex.New()
	if _, err := index.Build(ctx, clients.Store, log); err != nil {
		return Services{}, fmt.Errorf("build tile index: %w", err)
	}
	queue := tilequeue.New(cfg.QueueCapacity)

	res, err := resolver.New(log, repos.DemTiles, clients.Store, index, queue, metrics, resolver.Config{CacheSize: cfg.RasterCacheSize, LoadTimeout: cfg.RasterLoadTimeout})
	if err != nil {
		return Services{}, err
	}
	coord := coordinator.New(log, snapshot, repos.WorldChunks, res, mapper, clients.Store, metrics, cfg.Coordinator())

	var dw *worker.Worker
	if clients.DEM != nil {
		dw = worker.NewWorker(log, repos.DemTiles, clients.DEM, clients.Store, index, queue, clients.TileBus, metrics, cfg.Worker())
	}

	return Services{
		Worlds:         snapshot,
		Mapper:         mapper,
		TileIndex:      index,
		TileQueue:      queue,
		Resolver:       res,
		Coordinator:    coord,
		DownloadWorker: dw,
	}, nil
}
