// Package resolver serves DEM rasters to chunk generation without ever
// waiting on the provider. Tiles that are not yet stored are registered for
// the download worker and reported as not ready.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	terrainrepo "github.com/yungbote/terrain-backend/internal/data/repos/terrain"
	types "github.com/yungbote/terrain-backend/internal/domain"
	"github.com/yungbote/terrain-backend/internal/observability"
	apperr "github.com/yungbote/terrain-backend/internal/pkg/errors"
	"github.com/yungbote/terrain-backend/internal/pkg/dbctx"
	"github.com/yungbote/terrain-backend/internal/platform/blob"
	"github.com/yungbote/terrain-backend/internal/platform/logger"
	"github.com/yungbote/terrain-backend/internal/terrain/raster"
	"github.com/yungbote/terrain-backend/internal/terrain/tileindex"
	"github.com/yungbote/terrain-backend/internal/terrain/tilequeue"
)

const (
	DefaultCacheSize   = 64
	DefaultLoadTimeout = 30 * time.Second
)

// Resolution is the outcome of one Resolve call. Raster is set only when
// Ready is true.
type Resolution struct {
	TileKey   string
	Ready     bool
	Raster    *raster.Grid
	Status    types.TileStatus
	LastError string
}

type Config struct {
	CacheSize int
	// LoadTimeout bounds one shared blob read and parse.
	LoadTimeout time.Duration
}

type Resolver struct {
	log     *logger.Logger
	tiles   terrainrepo.DemTileRepo
	store   blob.Store
	index   *tileindex.Index
	queue   *tilequeue.Queue
	metrics *observability.Metrics
	cache   *lru.Cache[string, *raster.Grid]
	loads   singleflight.Group
	timeout time.Duration
}

func New(
	log *logger.Logger,
	tiles terrainrepo.DemTileRepo,
	store blob.Store,
	index *tileindex.Index,
	queue *tilequeue.Queue,
	metrics *observability.Metrics,
	cfg Config,
) (*Resolver, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	timeout := cfg.LoadTimeout
	if timeout <= 0 {
		timeout = DefaultLoadTimeout
	}
	cache, err := lru.New[string, *raster.Grid](size)
	if err != nil {
		return nil, fmt.Errorf("raster cache: %w", err)
	}
	return &Resolver{
		log:     log.With("component", "TileResolver"),
		tiles:   tiles,
		store:   store,
		index:   index,
		queue:   queue,
		metrics: metrics,
		cache:   cache,
		timeout: timeout,
	}, nil
}

// Resolve returns the raster for tileKey when it is durably stored. Otherwise
// it makes sure a status row exists, queues new rows for download, and
// returns a not-ready Resolution. It never calls the provider.
func (r *Resolver) Resolve(ctx context.Context, worldVersionID uuid.UUID, tileKey string) (res Resolution, err error) {
	ctx, span := observability.StartSpan(ctx, "terrain.resolve_tile",
		attribute.String("tile_key", tileKey),
		attribute.String("world_version_id", worldVersionID.String()),
	)
	defer func() { observability.EndSpan(span, err) }()

	dbc := dbctx.New(ctx)
	if r.index.Has(tileKey) {
		grid, err := r.load(ctx, tileKey)
		if err == nil {
			r.metrics.IncTileResolution("ready")
			return Resolution{TileKey: tileKey, Ready: true, Raster: grid, Status: types.TileStatusReady}, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return Resolution{}, err
		}
		// The index was stale; the blob is gone.
		r.index.Remove(tileKey)
		r.log.Warn("Indexed tile missing from storage", "tile_key", tileKey)
	}

	row, err := r.tiles.Get(dbc, worldVersionID, tileKey)
	if err != nil {
		return Resolution{}, err
	}
	if row != nil && row.IsReady() {
		grid, err := r.load(ctx, tileKey)
		if err == nil {
			r.index.Add(tileKey)
			r.metrics.IncTileResolution("ready")
			return Resolution{TileKey: tileKey, Ready: true, Raster: grid, Status: types.TileStatusReady}, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return Resolution{}, err
		}
		r.log.Error("Tile marked ready but blob missing", "tile_key", tileKey, "blob_key", row.BlobKey())
		r.metrics.IncTileResolution("ready_blob_missing")
		return Resolution{}, fmt.Errorf("tile %s is ready but blob %s is missing: %w", tileKey, row.BlobKey(), apperr.ErrInvariant)
	}

	if row == nil {
		tracked, created, err := r.tiles.EnsureTracked(dbc, worldVersionID, tileKey)
		if err != nil {
			return Resolution{}, err
		}
		row = tracked
		if created {
			if !r.queue.TryEnqueue(tilequeue.Item{WorldVersionID: worldVersionID, TileKey: tileKey}) {
				r.metrics.IncQueueDropped()
				r.log.Debug("Tile queue full; relying on poll", "tile_key", tileKey)
			}
		}
	}
	r.metrics.IncTileResolution(string(row.Status))
	return Resolution{TileKey: tileKey, Status: row.Status, LastError: row.Error()}, nil
}

// load reads a raster through the cache. Concurrent misses for the same
// tile share one blob read.
func (r *Resolver) load(ctx context.Context, tileKey string) (*raster.Grid, error) {
	if grid, ok := r.cache.Get(tileKey); ok {
		r.metrics.IncRasterCache(true)
		return grid, nil
	}
	r.metrics.IncRasterCache(false)
	ch := r.loads.DoChan(tileKey, func() (interface{}, error) {
		if grid, ok := r.cache.Get(tileKey); ok {
			return grid, nil
		}
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		data, err := r.store.Get(lctx, blob.DEMKey(tileKey))
		if err != nil {
			return nil, err
		}
		grid, err := raster.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("tile %s: %w", tileKey, err)
		}
		r.cache.Add(tileKey, grid)
		return grid, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*raster.Grid), nil
	}
}

// Forget drops a cached raster.
func (r *Resolver) Forget(tileKey string) {
	r.cache.Remove(tileKey)
}
