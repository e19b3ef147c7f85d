// Package coordinator produces world chunks. A chunk is generated only when
// every DEM tile it touches is stored; otherwise the caller is told which
// tiles are still pending and the worker fills them in the background.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	terrainrepo "github.com/yungbote/terrain-backend/internal/data/repos/terrain"
	types "github.com/yungbote/terrain-backend/internal/domain"
	"github.com/yungbote/terrain-backend/internal/observability"
	apperr "github.com/yungbote/terrain-backend/internal/pkg/errors"
	"github.com/yungbote/terrain-backend/internal/pkg/dbctx"
	"github.com/yungbote/terrain-backend/internal/platform/blob"
	"github.com/yungbote/terrain-backend/internal/platform/logger"
	"github.com/yungbote/terrain-backend/internal/terrain/chunkgen"
	"github.com/yungbote/terrain-backend/internal/terrain/geo"
	"github.com/yungbote/terrain-backend/internal/terrain/resolver"
	"github.com/yungbote/terrain-backend/internal/terrain/worlds"
)

// Mode selects where heights come from.
type Mode string

const (
	ModeDEM       Mode = "dem"
	ModeSynthetic Mode = "synthetic"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeDEM:
		return ModeDEM, nil
	case ModeSynthetic:
		return ModeSynthetic, nil
	default:
		return "", apperr.Configuration("unknown terrain source %q (want dem or synthetic)", raw)
	}
}

type Config struct {
	Mode              Mode
	DefaultLayer      string
	DefaultResolution int
	// WriteConcurrency caps concurrent chunk metadata writes.
	WriteConcurrency   int64
	AnchorTimeout      time.Duration
	AnchorPollInterval time.Duration
	// BuildTimeout bounds one shared chunk build.
	BuildTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeDEM
	}
	if c.DefaultLayer == "" {
		c.DefaultLayer = "terrain"
	}
	if c.DefaultResolution == 0 {
		c.DefaultResolution = 64
	}
	if c.WriteConcurrency < 1 {
		c.WriteConcurrency = 3
	}
	if c.AnchorTimeout <= 0 {
		c.AnchorTimeout = 2 * time.Minute
	}
	if c.AnchorPollInterval <= 0 {
		c.AnchorPollInterval = 2 * time.Second
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = time.Minute
	}
	return c
}

type ChunkRequest struct {
	X            int
	Z            int
	Layer        string
	Resolution   int
	WorldVersion string
}

// ChunkResult carries Record only when Status is ready. PendingTiles and
// FailedTiles name the tiles that held generation back.
type ChunkResult struct {
	Status       types.ChunkStatus
	Record       *types.WorldChunk
	PendingTiles []string
	FailedTiles  []string
}

// TileResolver is the part of the resolver the coordinator needs.
type TileResolver interface {
	Resolve(ctx context.Context, worldVersionID uuid.UUID, tileKey string) (resolver.Resolution, error)
}

type Coordinator struct {
	log      *logger.Logger
	worlds   *worlds.Snapshot
	chunks   terrainrepo.WorldChunkRepo
	resolver TileResolver
	mapper   *geo.Mapper
	gen      *chunkgen.Generator
	store    blob.Store
	metrics  *observability.Metrics
	writes   *semaphore.Weighted
	flight   singleflight.Group
	cfg      Config
}

func New(
	baseLog *logger.Logger,
	snapshot *worlds.Snapshot,
	chunks terrainrepo.WorldChunkRepo,
	res TileResolver,
	mapper *geo.Mapper,
	store blob.Store,
	metrics *observability.Metrics,
	cfg Config,
) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		log:      baseLog.With("component", "ChunkCoordinator"),
		worlds:   snapshot,
		chunks:   chunks,
		resolver: res,
		mapper:   mapper,
		gen:      chunkgen.New(mapper),
		store:    store,
		metrics:  metrics,
		writes:   semaphore.NewWeighted(cfg.WriteConcurrency),
		cfg:      cfg,
	}
}

func (c *Coordinator) Mode() Mode { return c.cfg.Mode }

// GetChunkOriginLatLon returns the geographic position of the chunk's
// south-west corner.
func (c *Coordinator) GetChunkOriginLatLon(x, z int) geo.LatLon {
	return c.mapper.ChunkOrigin(x, z)
}

func (c *Coordinator) normalize(req ChunkRequest) (ChunkRequest, types.WorldVersion, error) {
	if req.Layer == "" {
		req.Layer = c.cfg.DefaultLayer
	}
	if req.Resolution == 0 {
		req.Resolution = c.cfg.DefaultResolution
	}
	if err := chunkgen.ValidateResolution(req.Resolution); err != nil {
		return req, types.WorldVersion{}, err
	}
	wv, ok := c.worlds.Lookup(req.WorldVersion)
	if !ok {
		return req, types.WorldVersion{}, fmt.Errorf("world version %q: %w", req.WorldVersion, apperr.ErrNotFound)
	}
	return req, wv, nil
}

// GetOrCreateChunk returns the stored chunk, or generates and stores it when
// every required tile is ready. Not-ready tiles are not an error: the result
// is pending (or failed when a tile could not be acquired).
func (c *Coordinator) GetOrCreateChunk(ctx context.Context, req ChunkRequest) (res ChunkResult, err error) {
	ctx, span := observability.StartSpan(ctx, "terrain.get_or_create_chunk",
		attribute.Int("chunk_x", req.X),
		attribute.Int("chunk_z", req.Z),
		attribute.String("world_version", req.WorldVersion),
	)
	defer func() {
		if err == nil {
			span.SetAttributes(attribute.String("chunk_status", string(res.Status)))
			c.metrics.IncChunkRequest(string(res.Status))
		} else {
			c.metrics.IncChunkRequest("error")
		}
		observability.EndSpan(span, err)
	}()

	req, wv, err := c.normalize(req)
	if err != nil {
		return ChunkResult{}, err
	}
	key := types.ChunkKey{X: req.X, Z: req.Z, Layer: req.Layer, Resolution: req.Resolution, WorldVersionID: wv.ID}

	existing, err := c.chunks.GetByKey(dbctx.New(ctx), key)
	if err != nil {
		return ChunkResult{}, err
	}
	if existing != nil {
		return ChunkResult{Status: types.ChunkStatusReady, Record: existing}, nil
	}

	// The shared build is detached from the caller that started it; every
	// caller waits on its own ctx.
	ch := c.flight.DoChan(key.String(), func() (interface{}, error) {
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.BuildTimeout)
		defer cancel()
		return c.build(bctx, wv, key)
	})
	select {
	case <-ctx.Done():
		return ChunkResult{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return ChunkResult{}, r.Err
		}
		return r.Val.(ChunkResult), nil
	}
}

func (c *Coordinator) build(ctx context.Context, wv types.WorldVersion, key types.ChunkKey) (ChunkResult, error) {
	// A previous flight may have stored it since the caller looked.
	existing, err := c.chunks.GetByKey(dbctx.New(ctx), key)
	if err != nil {
		return ChunkResult{}, err
	}
	if existing != nil {
		return ChunkResult{Status: types.ChunkStatusReady, Record: existing}, nil
	}

	var rasters chunkgen.Rasters
	var tileKeys []string
	if c.cfg.Mode == ModeDEM {
		var pending, failed []string
		rasters, tileKeys, pending, failed, err = c.resolveTiles(ctx, wv.ID, key.X, key.Z)
		if err != nil {
			return ChunkResult{}, err
		}
		if len(failed) > 0 {
			return ChunkResult{Status: types.ChunkStatusFailed, PendingTiles: pending, FailedTiles: failed}, nil
		}
		if len(pending) > 0 {
			return ChunkResult{Status: types.ChunkStatusPending, PendingTiles: pending}, nil
		}
	}

	start := time.Now()
	hm, err := c.gen.Generate(key.X, key.Z, key.Resolution, rasters)
	if err != nil {
		return ChunkResult{}, err
	}
	payload, err := chunkgen.Encode(hm)
	if err != nil {
		return ChunkResult{}, err
	}
	c.metrics.ObserveChunkGenerate(time.Since(start))

	checksum := chunkgen.Checksum(payload)
	compressed := chunkgen.Compress(payload)
	blobKey := blob.ChunkKey(wv.Version, key.Layer, key.Resolution, key.X, key.Z, checksum)
	if err := c.store.Put(ctx, blobKey, compressed); err != nil {
		return ChunkResult{}, err
	}

	meta, err := json.Marshal(chunkMeta{
		Tiles:           tileKeys,
		Codec:           "zstd",
		PayloadBytes:    len(payload),
		CompressedBytes: len(compressed),
		ChunkSizeMeters: c.mapper.ChunkSizeMeters(),
	})
	if err != nil {
		return ChunkResult{}, err
	}
	record := &types.WorldChunk{
		ChunkX:         key.X,
		ChunkZ:         key.Z,
		Layer:          key.Layer,
		Resolution:     key.Resolution,
		WorldVersionID: wv.ID,
		Status:         types.ChunkStatusReady,
		S3Key:          blobKey,
		Checksum:       checksum,
		Source:         hm.Source,
		MinHeight:      float64(hm.Min),
		MaxHeight:      float64(hm.Max),
		Meta:           meta,
	}

	stored, created, err := c.writeRecord(ctx, record)
	if err != nil {
		return ChunkResult{}, err
	}
	c.log.Info("Chunk stored",
		"chunk", key.String(),
		"created", created,
		"source", hm.Source,
		"checksum", checksum,
		"elapsed", time.Since(start),
	)
	return ChunkResult{Status: types.ChunkStatusReady, Record: stored}, nil
}

type chunkMeta struct {
	Tiles           []string `json:"tiles,omitempty"`
	Codec           string   `json:"codec"`
	PayloadBytes    int      `json:"payload_bytes"`
	CompressedBytes int      `json:"compressed_bytes"`
	ChunkSizeMeters float64  `json:"chunk_size_meters"`
}

// writeRecord upserts under the metadata write limiter. Waiters are served
// in arrival order.
func (c *Coordinator) writeRecord(ctx context.Context, record *types.WorldChunk) (*types.WorldChunk, bool, error) {
	waitStart := time.Now()
	if err := c.writes.Acquire(ctx, 1); err != nil {
		return nil, false, apperr.Transient("chunk metadata wait", err)
	}
	c.metrics.MetadataWriteStarted(time.Since(waitStart))
	defer func() {
		c.writes.Release(1)
		c.metrics.MetadataWriteDone()
	}()

	stored, created, err := c.chunks.Upsert(dbctx.New(ctx), record)
	if err != nil {
		if errors.Is(err, apperr.ErrInvariant) || errors.Is(err, apperr.ErrTransientIO) {
			return stored, false, err
		}
		return nil, false, apperr.Transient("chunk metadata", err)
	}
	return stored, created, nil
}

// resolveTiles resolves every tile the chunk touches, so each one is
// tracked even when an earlier one is already known to be pending.
func (c *Coordinator) resolveTiles(ctx context.Context, worldVersionID uuid.UUID, x, z int) (chunkgen.Rasters, []string, []string, []string, error) {
	needed := c.mapper.TilesForChunk(x, z)
	rasters := make(chunkgen.Rasters, len(needed))
	keys := make([]string, 0, len(needed))
	var pending, failed []string
	for _, tk := range needed {
		k := tk.String()
		keys = append(keys, k)
		r, err := c.resolver.Resolve(ctx, worldVersionID, k)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		switch {
		case r.Ready:
			rasters[k] = r.Raster
		case r.Status == types.TileStatusFailed:
			failed = append(failed, k)
		default:
			pending = append(pending, k)
		}
	}
	sort.Strings(pending)
	sort.Strings(failed)
	return rasters, keys, pending, failed, nil
}

// LoadHeightmap reads and decodes a stored chunk, checking its checksum.
func (c *Coordinator) LoadHeightmap(ctx context.Context, record *types.WorldChunk) (*chunkgen.Heightmap, error) {
	raw, err := c.store.Get(ctx, record.S3Key)
	if err != nil {
		return nil, err
	}
	payload, err := chunkgen.Decompress(raw)
	if err != nil {
		return nil, err
	}
	if sum := chunkgen.Checksum(payload); sum != record.Checksum {
		return nil, fmt.Errorf("chunk %s: blob checksum %s != recorded %s: %w", record.Key(), sum, record.Checksum, apperr.ErrInvariant)
	}
	return chunkgen.Decode(payload)
}

type VerifyResult struct {
	Record           *types.WorldChunk
	RecordedChecksum string
	BlobChecksum     string
	DerivedChecksum  string
}

func (v VerifyResult) OK() bool {
	return v.RecordedChecksum == v.BlobChecksum && v.RecordedChecksum == v.DerivedChecksum
}

// VerifyChunk regenerates a stored chunk from its inputs and compares the
// result with both the record and the stored blob.
func (c *Coordinator) VerifyChunk(ctx context.Context, req ChunkRequest) (VerifyResult, error) {
	req, wv, err := c.normalize(req)
	if err != nil {
		return VerifyResult{}, err
	}
	key := types.ChunkKey{X: req.X, Z: req.Z, Layer: req.Layer, Resolution: req.Resolution, WorldVersionID: wv.ID}
	record, err := c.chunks.GetByKey(dbctx.New(ctx), key)
	if err != nil {
		return VerifyResult{}, err
	}
	if record == nil {
		return VerifyResult{}, fmt.Errorf("chunk %s: %w", key, apperr.ErrNotFound)
	}
	out := VerifyResult{Record: record, RecordedChecksum: record.Checksum}

	raw, err := c.store.Get(ctx, record.S3Key)
	if err != nil {
		return out, err
	}
	payload, err := chunkgen.Decompress(raw)
	if err != nil {
		return out, err
	}
	out.BlobChecksum = chunkgen.Checksum(payload)

	var rasters chunkgen.Rasters
	if record.Source == types.ChunkSourceDEM {
		var pending, failed []string
		rasters, _, pending, failed, err = c.resolveTiles(ctx, wv.ID, key.X, key.Z)
		if err != nil {
			return out, err
		}
		if len(pending)+len(failed) > 0 {
			return out, apperr.Transient("verify chunk", fmt.Errorf("tiles not ready: %v", append(pending, failed...)))
		}
	}
	hm, err := c.gen.Generate(key.X, key.Z, key.Resolution, rasters)
	if err != nil {
		return out, err
	}
	derived, err := chunkgen.Encode(hm)
	if err != nil {
		return out, err
	}
	out.DerivedChecksum = chunkgen.Checksum(derived)
	if !out.OK() {
		c.log.Error("Chunk verification mismatch",
			"chunk", key.String(),
			"recorded", out.RecordedChecksum,
			"blob", out.BlobChecksum,
			"derived", out.DerivedChecksum,
		)
		return out, fmt.Errorf("chunk %s: %w", key, apperr.ErrInvariant)
	}
	return out, nil
}
