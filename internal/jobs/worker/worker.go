// Package worker runs the background DEM tile acquisition loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	terrainrepo "github.com/yungbote/terrain-backend/internal/data/repos/terrain"
	"github.com/yungbote/terrain-backend/internal/observability"
	apperr "github.com/yungbote/terrain-backend/internal/pkg/errors"
	"github.com/yungbote/terrain-backend/internal/pkg/dbctx"
	"github.com/yungbote/terrain-backend/internal/platform/blob"
	"github.com/yungbote/terrain-backend/internal/platform/dem"
	"github.com/yungbote/terrain-backend/internal/platform/logger"
	"github.com/yungbote/terrain-backend/internal/platform/redisbus"
	"github.com/yungbote/terrain-backend/internal/terrain/geo"
	"github.com/yungbote/terrain-backend/internal/terrain/raster"
	"github.com/yungbote/terrain-backend/internal/terrain/tileindex"
	"github.com/yungbote/terrain-backend/internal/terrain/tilequeue"
)

type Config struct {
	PollInterval time.Duration
	Concurrency  int
	BatchSize    int
	// StaleAfter is the lease length; older downloading rows are reclaimable.
	StaleAfter time.Duration
	// FailedRetryAfter makes failed rows claimable again after this long. Zero disables.
	FailedRetryAfter time.Duration
	FetchTimeout     time.Duration
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	// InstanceID tags ready broadcasts so a replica can ignore its own.
	InstanceID string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Concurrency < 1 {
		c.Concurrency = 2
	}
	if c.BatchSize < 1 {
		c.BatchSize = 50
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 60 * time.Second
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 4
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// Outcome of one tile pass.
type Outcome string

const (
	OutcomeReady       Outcome = "ready"
	OutcomeFailed      Outcome = "failed"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeConflict    Outcome = "conflict"
	OutcomeInterrupted Outcome = "interrupted"
)

type Worker struct {
	log     *logger.Logger
	tiles   terrainrepo.DemTileRepo
	source  dem.Source
	store   blob.Store
	index   *tileindex.Index
	queue   *tilequeue.Queue
	bus     redisbus.TileBus
	metrics *observability.Metrics
	cfg     Config
}

// NewWorker builds the download worker. bus and metrics may be nil.
func NewWorker(
	baseLog *logger.Logger,
	tiles terrainrepo.DemTileRepo,
	source dem.Source,
	store blob.Store,
	index *tileindex.Index,
	queue *tilequeue.Queue,
	bus redisbus.TileBus,
	metrics *observability.Metrics,
	cfg Config,
) *Worker {
	return &Worker{
		log:     baseLog.With("component", "DownloadWorker"),
		tiles:   tiles,
		source:  source,
		store:   store,
		index:   index,
		queue:   queue,
		bus:     bus,
		metrics: metrics,
		cfg:     cfg.withDefaults(),
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.log.Info("Starting download worker",
		"concurrency", w.cfg.Concurrency,
		"poll_interval", w.cfg.PollInterval,
		"stale_after", w.cfg.StaleAfter,
	)
	go w.Run(ctx)
}

// Run polls until ctx is done. A queued item wakes the loop immediately.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	var queued <-chan tilequeue.Item
	if w.queue != nil {
		queued = w.queue.C()
	}

	if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
		w.log.Warn("Download cycle failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			w.log.Info("Download worker stopped")
			return
		case item := <-queued:
			items := append([]tilequeue.Item{item}, w.drain(w.cfg.BatchSize-1)...)
			w.processItems(ctx, items)
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				w.log.Warn("Download cycle failed", "error", err)
			}
		}
	}
}

func (w *Worker) drain(max int) []tilequeue.Item {
	var out []tilequeue.Item
	for len(out) < max {
		select {
		case it := <-w.queue.C():
			out = append(out, it)
		default:
			return out
		}
	}
	return out
}

// RunOnce lists claimable rows and processes them. It returns how many tiles
// reached ready.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	w.metrics.IncWorkerCycle()

	now := time.Now().UTC()
	q := terrainrepo.ClaimableQuery{
		Limit:       w.cfg.BatchSize,
		StaleBefore: now.Add(-w.cfg.StaleAfter),
	}
	if w.cfg.FailedRetryAfter > 0 {
		before := now.Add(-w.cfg.FailedRetryAfter)
		q.FailedBefore = &before
	}
	rows, err := w.tiles.ListClaimable(dbctx.New(ctx), q)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	items := make([]tilequeue.Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, tilequeue.Item{WorldVersionID: row.WorldVersionID, TileKey: row.TileKey})
	}
	return w.processItems(ctx, items), nil
}

func (w *Worker) processItems(ctx context.Context, items []tilequeue.Item) int {
	outcomes := make([]Outcome, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for i, it := range items {
		i, it := i, it
		g.Go(func() error {
			outcomes[i] = w.ProcessTile(gctx, it.WorldVersionID, it.TileKey)
			return nil
		})
	}
	_ = g.Wait()

	ready := 0
	for _, o := range outcomes {
		if o == OutcomeReady {
			ready++
		}
	}
	return ready
}

// ProcessTile claims one tile and drives it to ready or failed. A tile that
// cannot be claimed is skipped. When ctx ends mid-download the lease is left
// for the staleness threshold to release.
func (w *Worker) ProcessTile(ctx context.Context, worldVersionID uuid.UUID, tileKey string) (outcome Outcome) {
	claim, ok, err := w.tiles.MarkDownloading(dbctx.New(ctx), worldVersionID, tileKey, w.cfg.StaleAfter)
	if err != nil {
		w.log.Warn("Claim failed", "tile_key", tileKey, "world_version_id", worldVersionID, "error", err)
		return OutcomeSkipped
	}
	if !ok {
		return OutcomeSkipped
	}

	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "terrain.download_tile",
		attribute.String("tile_key", tileKey),
		attribute.String("world_version_id", worldVersionID.String()),
	)
	var spanErr error
	defer func() {
		if r := recover(); r != nil {
			w.metrics.IncWorkerPanic()
			w.log.Error("Tile download panic", "tile_key", tileKey, "panic", r)
			w.fail(ctx, claim, fmt.Sprintf("panic: %v", r))
			outcome = OutcomeFailed
			spanErr = fmt.Errorf("panic")
		}
		w.metrics.ObserveTileDownload(string(outcome), time.Since(start))
		observability.EndSpan(span, spanErr)
	}()

	blobKey, err := w.acquire(ctx, tileKey)
	if err != nil {
		spanErr = err
		if ctx.Err() != nil {
			w.log.Info("Download interrupted; lease left to expire", "tile_key", tileKey)
			return OutcomeInterrupted
		}
		w.log.Warn("Tile download failed", "tile_key", tileKey, "world_version_id", worldVersionID, "error", err)
		w.fail(ctx, claim, err.Error())
		return OutcomeFailed
	}

	if err := w.tiles.MarkReady(dbctx.New(ctx), claim, blobKey); err != nil {
		spanErr = err
		if errors.Is(err, apperr.ErrConflict) {
			return OutcomeConflict
		}
		w.log.Warn("MarkReady failed", "tile_key", tileKey, "error", err)
		return OutcomeFailed
	}
	w.index.Add(tileKey)
	w.broadcast(ctx, worldVersionID, tileKey, blobKey)
	w.log.Info("Tile ready", "tile_key", tileKey, "world_version_id", worldVersionID, "elapsed", time.Since(start))
	return OutcomeReady
}

// acquire fetches, validates and stores one raster, returning its blob key.
func (w *Worker) acquire(ctx context.Context, tileKey string) (string, error) {
	key, err := geo.ParseTileKey(tileKey)
	if err != nil {
		return "", apperr.Permanent("tile key", err)
	}
	b := key.Bounds()
	req := dem.TileRequest{TileKey: key.String(), South: b.South, West: b.West, North: b.North, East: b.East}

	var data []byte
	err = w.retry(ctx, tileKey, "fetch", func(attemptCtx context.Context) error {
		raw, err := w.source.Fetch(attemptCtx, req)
		if err != nil {
			return err
		}
		data = raw
		return nil
	})
	if err != nil {
		return "", err
	}
	if _, err := raster.Parse(data); err != nil {
		return "", err
	}

	blobKey := blob.DEMKey(tileKey)
	err = w.retry(ctx, tileKey, "store", func(attemptCtx context.Context) error {
		return w.store.Put(attemptCtx, blobKey, data)
	})
	if err != nil {
		return "", err
	}
	return blobKey, nil
}

// retry runs op with a per-attempt timeout and exponential backoff until it
// succeeds, fails permanently, or attempts run out.
func (w *Worker) retry(ctx context.Context, tileKey, stage string, op func(context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.cfg.InitialBackoff
	eb.MaxInterval = w.cfg.MaxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(w.cfg.MaxAttempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
		defer cancel()
		err := op(attemptCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !apperr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, next time.Duration) {
		w.log.Debug("Retrying tile "+stage, "tile_key", tileKey, "attempt", attempt, "next_in", next, "error", err)
	})
}

// fail records the failure even when ctx is already done.
func (w *Worker) fail(ctx context.Context, claim *terrainrepo.Claim, cause string) {
	if err := w.tiles.MarkFailed(dbctx.New(context.WithoutCancel(ctx)), claim, cause); err != nil {
		w.log.Warn("MarkFailed failed", "tile_key", claim.TileKey, "error", err)
	}
}

func (w *Worker) broadcast(ctx context.Context, worldVersionID uuid.UUID, tileKey, blobKey string) {
	if w.bus == nil {
		return
	}
	msg := redisbus.TileReady{
		TileKey:        tileKey,
		BlobKey:        blobKey,
		WorldVersionID: worldVersionID.String(),
		Sender:         w.cfg.InstanceID,
		At:             time.Now().UTC(),
	}
	if err := w.bus.Publish(ctx, msg); err != nil {
		w.log.Warn("Ready broadcast failed", "tile_key", tileKey, "error", err)
	}
}
