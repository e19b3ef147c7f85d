package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	terrainrepo "github.com/yungbote/terrain-backend/internal/data/repos/terrain"
	"github.com/yungbote/terrain-backend/internal/data/repos/testutil"
	types "github.com/yungbote/terrain-backend/internal/domain"
	apperr "github.com/yungbote/terrain-backend/internal/pkg/errors"
	"github.com/yungbote/terrain-backend/internal/pkg/dbctx"
	"github.com/yungbote/terrain-backend/internal/platform/blob"
	"github.com/yungbote/terrain-backend/internal/platform/localblob"
	"github.com/yungbote/terrain-backend/internal/platform/logger"
	"github.com/yungbote/terrain-backend/internal/terrain/chunkgen"
	"github.com/yungbote/terrain-backend/internal/terrain/geo"
	"github.com/yungbote/terrain-backend/internal/terrain/resolver"
	"github.com/yungbote/terrain-backend/internal/terrain/tileindex"
	"github.com/yungbote/terrain-backend/internal/terrain/tilequeue"
	"github.com/yungbote/terrain-backend/internal/terrain/worlds"
)

// Covers lat 40..41, lon -105..-104.
const tileASC = "ncols 4\nnrows 4\nxllcorner -105\nyllcorner 40\ncellsize 0.25\n" +
	"1600 1610 1620 1630\n" +
	"1640 1650 1660 1670\n" +
	"1680 1690 1700 1710\n" +
	"1720 1730 1740 1750\n"

type env struct {
	db     *gorm.DB
	world  *types.WorldVersion
	tiles  terrainrepo.DemTileRepo
	chunks terrainrepo.WorldChunkRepo
	store  *localblob.Store
	index  *tileindex.Index
	queue  *tilequeue.Queue
	snap   *worlds.Snapshot
	mapper *geo.Mapper
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	db := testutil.DB(t)
	store, err := localblob.Open("", logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	// Chunk (0,0) lies entirely inside N40W105.
	mapper, err := geo.New(geo.Config{OriginLat: 40.5, OriginLon: -104.5, ChunkSizeMeters: 500})
	require.NoError(t, err)

	world := testutil.SeedWorldVersion(t, ctx, db, "v1", true)
	return &env{
		db:     db,
		world:  world,
		tiles:  terrainrepo.NewDemTileRepo(db, testutil.Logger(t)),
		chunks: terrainrepo.NewWorldChunkRepo(db, testutil.Logger(t)),
		store:  store,
		index:  tileindex.New(),
		queue:  tilequeue.New(16),
		snap:   worlds.NewSnapshot([]*types.WorldVersion{world}),
		mapper: mapper,
	}
}

func (e *env) coordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	res, err := resolver.New(testutil.Logger(t), e.tiles, e.store, e.index, e.queue, nil, resolver.Config{})
	require.NoError(t, err)
	return e.coordinatorWith(t, e.chunks, res, cfg)
}

func (e *env) coordinatorWith(t *testing.T, chunks terrainrepo.WorldChunkRepo, res TileResolver, cfg Config) *Coordinator {
	t.Helper()
	return New(testutil.Logger(t), e.snap, chunks, res, e.mapper, e.store, nil, cfg)
}

func (e *env) req(x, z int) ChunkRequest {
	return ChunkRequest{X: x, Z: z, Layer: "terrain", Resolution: 16, WorldVersion: e.world.Version}
}

func (e *env) storeTile(t *testing.T, tileKey string) {
	t.Helper()
	require.NoError(t, e.store.Put(context.Background(), blob.DEMKey(tileKey), []byte(tileASC)))
	e.index.Add(tileKey)
}

func TestGetOrCreateChunkPendingTracksTileOnce(t *testing.T) {
	e := newEnv(t)
	c := e.coordinator(t, Config{})
	ctx := context.Background()

	const callers = 8
	results := make([]ChunkResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrCreateChunk(ctx, e.req(0, 0))
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, types.ChunkStatusPending, results[i].Status)
		assert.Equal(t, []string{"N40W105"}, results[i].PendingTiles)
		assert.Nil(t, results[i].Record)
	}

	counts, err := e.tiles.CountByStatus(dbctx.New(ctx), e.world.ID)
	require.NoError(t, err)
	assert.Equal(t, map[types.TileStatus]int64{types.TileStatusMissing: 1}, counts)
	assert.Equal(t, 1, e.queue.Len())

	n, err := e.chunks.CountByWorld(dbctx.New(ctx), e.world.ID)
	require.NoError(t, err)
	assert.Zero(t, n, "no chunk is stored while tiles are pending")
}

func TestGetOrCreateChunkReadyAndIdempotent(t *testing.T) {
	e := newEnv(t)
	e.storeTile(t, "N40W105")
	c := e.coordinator(t, Config{})
	ctx := context.Background()

	first, err := c.GetOrCreateChunk(ctx, e.req(0, 0))
	require.NoError(t, err)
	require.Equal(t, types.ChunkStatusReady, first.Status)
	require.NotNil(t, first.Record)
	assert.Equal(t, types.ChunkSourceDEM, first.Record.Source)
	assert.Equal(t, blob.ChunkKey(e.world.Version, "terrain", 16, 0, 0, first.Record.Checksum), first.Record.S3Key)
	assert.NotEmpty(t, first.Record.Checksum)
	assert.GreaterOrEqual(t, first.Record.MinHeight, 1600.0)
	assert.LessOrEqual(t, first.Record.MaxHeight, 1750.0)

	hm, err := c.LoadHeightmap(ctx, first.Record)
	require.NoError(t, err)
	assert.Equal(t, 16, hm.Resolution)
	assert.Len(t, hm.Heights, 16*16)

	second, err := c.GetOrCreateChunk(ctx, e.req(0, 0))
	require.NoError(t, err)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.Equal(t, first.Record.Checksum, second.Record.Checksum)

	verify, err := c.VerifyChunk(ctx, e.req(0, 0))
	require.NoError(t, err)
	assert.True(t, verify.OK())
}

func TestGetOrCreateChunkFailedTile(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	dbc := dbctx.New(ctx)
	_, _, err := e.tiles.EnsureTracked(dbc, e.world.ID, "N40W105")
	require.NoError(t, err)
	claim, ok, err := e.tiles.MarkDownloading(dbc, e.world.ID, "N40W105", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, e.tiles.MarkFailed(dbc, claim, "status 404"))

	res, err := e.coordinator(t, Config{}).GetOrCreateChunk(ctx, e.req(0, 0))
	require.NoError(t, err)
	assert.Equal(t, types.ChunkStatusFailed, res.Status)
	assert.Equal(t, []string{"N40W105"}, res.FailedTiles)
}

func TestGetOrCreateChunkUnknownWorld(t *testing.T) {
	e := newEnv(t)
	req := e.req(0, 0)
	req.WorldVersion = "nope"
	_, err := e.coordinator(t, Config{}).GetOrCreateChunk(context.Background(), req)
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "got %v", err)
}

func TestGetOrCreateChunkRejectsResolution(t *testing.T) {
	e := newEnv(t)
	req := e.req(0, 0)
	req.Resolution = 1
	_, err := e.coordinator(t, Config{}).GetOrCreateChunk(context.Background(), req)
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument), "got %v", err)
}

func TestSyntheticModeNeverTouchesTiles(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.coordinator(t, Config{Mode: ModeSynthetic})

	res, err := c.GetOrCreateChunk(ctx, e.req(3, -2))
	require.NoError(t, err)
	require.Equal(t, types.ChunkStatusReady, res.Status)
	assert.Equal(t, types.ChunkSourceSynthetic, res.Record.Source)

	counts, err := e.tiles.CountByStatus(dbctx.New(ctx), e.world.ID)
	require.NoError(t, err)
	assert.Empty(t, counts)

	verify, err := c.VerifyChunk(ctx, e.req(3, -2))
	require.NoError(t, err)
	assert.True(t, verify.OK())
}

func TestIndependentCoordinatorsConverge(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.coordinator(t, Config{Mode: ModeSynthetic})
	b := e.coordinator(t, Config{Mode: ModeSynthetic})

	var ra, rb ChunkResult
	var ea, eb error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); ra, ea = a.GetOrCreateChunk(ctx, e.req(1, 1)) }()
	go func() { defer wg.Done(); rb, eb = b.GetOrCreateChunk(ctx, e.req(1, 1)) }()
	wg.Wait()
	require.NoError(t, ea)
	require.NoError(t, eb)
	assert.Equal(t, ra.Record.ID, rb.Record.ID)
	assert.Equal(t, ra.Record.Checksum, rb.Record.Checksum)

	n, err := e.chunks.CountByWorld(dbctx.New(ctx), e.world.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// trackingChunks records how many Upserts overlap.
type trackingChunks struct {
	terrainrepo.WorldChunkRepo
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (r *trackingChunks) Upsert(dbc dbctx.Context, chunk *types.WorldChunk) (*types.WorldChunk, bool, error) {
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return r.WorldChunkRepo.Upsert(dbc, chunk)
}

func TestMetadataWritesAreBounded(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tracked := &trackingChunks{WorldChunkRepo: e.chunks}
	c := e.coordinatorWith(t, tracked, nil, Config{Mode: ModeSynthetic})

	const chunks = 12
	var wg sync.WaitGroup
	errs := make([]error, chunks)
	for i := 0; i < chunks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetOrCreateChunk(ctx, e.req(i, 0))
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, tracked.peak.Load(), int32(3))
	assert.GreaterOrEqual(t, tracked.peak.Load(), int32(1))
}

func TestVerifyChunkDetectsMismatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.coordinator(t, Config{Mode: ModeSynthetic})

	// A record whose blob and checksum disagree with what the inputs derive.
	hm, err := chunkgen.New(e.mapper).Generate(5, 5, 16, nil)
	require.NoError(t, err)
	hm.Heights[0] += 1
	payload, err := chunkgen.Encode(hm)
	require.NoError(t, err)
	key := blob.ChunkKey(e.world.Version, "terrain", 16, 5, 5, chunkgen.Checksum(payload))
	require.NoError(t, e.store.Put(ctx, key, chunkgen.Compress(payload)))
	_, _, err = e.chunks.Upsert(dbctx.New(ctx), &types.WorldChunk{
		ChunkX: 5, ChunkZ: 5, Layer: "terrain", Resolution: 16, WorldVersionID: e.world.ID,
		Status: types.ChunkStatusReady, S3Key: key, Checksum: chunkgen.Checksum(payload),
		Source: types.ChunkSourceSynthetic,
	})
	require.NoError(t, err)

	res, err := c.GetOrCreateChunk(ctx, e.req(5, 5))
	require.NoError(t, err)
	assert.Equal(t, chunkgen.Checksum(payload), res.Record.Checksum, "an existing record is returned as stored")

	verify, err := c.VerifyChunk(ctx, e.req(5, 5))
	assert.True(t, errors.Is(err, apperr.ErrInvariant), "got %v", err)
	assert.False(t, verify.OK())
	assert.Equal(t, verify.RecordedChecksum, verify.BlobChecksum)
}

func TestBootstrapAnchorsSynthetic(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.coordinator(t, Config{Mode: ModeSynthetic, DefaultResolution: 8})

	results := c.BootstrapAnchors(ctx)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, types.ChunkStatusReady, results[0].Status)

	rec, err := e.chunks.GetByKey(dbctx.New(ctx), types.ChunkKey{Layer: "terrain", Resolution: 8, WorldVersionID: e.world.ID})
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestBootstrapAnchorsTimesOutWhilePending(t *testing.T) {
	e := newEnv(t)
	c := e.coordinator(t, Config{AnchorTimeout: 50 * time.Millisecond, AnchorPollInterval: 10 * time.Millisecond})

	results := c.BootstrapAnchors(context.Background())
	require.Len(t, results, 1)
	assert.NotEqual(t, types.ChunkStatusReady, results[0].Status)
}

func TestGetChunkOriginLatLon(t *testing.T) {
	e := newEnv(t)
	c := e.coordinator(t, Config{})
	p := c.GetChunkOriginLatLon(0, 0)
	assert.Equal(t, 40.5, p.Lat)
	assert.Equal(t, -104.5, p.Lon)
}

// gatedResolver holds every Resolve until release is closed.
type gatedResolver struct {
	TileResolver
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *gatedResolver) Resolve(ctx context.Context, worldVersionID uuid.UUID, tileKey string) (resolver.Resolution, error) {
	r.once.Do(func() { close(r.entered) })
	select {
	case <-r.release:
	case <-ctx.Done():
		return resolver.Resolution{}, ctx.Err()
	}
	return r.TileResolver.Resolve(ctx, worldVersionID, tileKey)
}

func TestSharedBuildSurvivesCallerCancel(t *testing.T) {
	e := newEnv(t)
	inner, err := resolver.New(testutil.Logger(t), e.tiles, e.store, e.index, e.queue, nil, resolver.Config{})
	require.NoError(t, err)
	gated := &gatedResolver{TileResolver: inner, entered: make(chan struct{}), release: make(chan struct{})}
	c := e.coordinatorWith(t, e.chunks, gated, Config{})

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.GetOrCreateChunk(ctxA, e.req(0, 0))
		errA <- err
	}()
	<-gated.entered

	type outcome struct {
		res ChunkResult
		err error
	}
	outB := make(chan outcome, 1)
	go func() {
		res, err := c.GetOrCreateChunk(context.Background(), e.req(0, 0))
		outB <- outcome{res, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(gated.release)
	b := <-outB
	require.NoError(t, b.err)
	assert.Equal(t, types.ChunkStatusPending, b.res.Status)
	assert.Equal(t, []string{"N40W105"}, b.res.PendingTiles)
}

// blindChunks never sees existing rows, so every build reaches Upsert as a
// late competing writer would.
type blindChunks struct {
	terrainrepo.WorldChunkRepo
}

func (blindChunks) GetByKey(dbctx.Context, types.ChunkKey) (*types.WorldChunk, error) {
	return nil, nil
}

func TestLosingWriterLeavesStoredBlobIntact(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// The stored row holds bytes that differ from what this coordinator derives.
	hm, err := chunkgen.New(e.mapper).Generate(2, 2, 16, nil)
	require.NoError(t, err)
	hm.Heights[0] += 1
	payload, err := chunkgen.Encode(hm)
	require.NoError(t, err)
	sum := chunkgen.Checksum(payload)
	key := blob.ChunkKey(e.world.Version, "terrain", 16, 2, 2, sum)
	require.NoError(t, e.store.Put(ctx, key, chunkgen.Compress(payload)))
	stored, _, err := e.chunks.Upsert(dbctx.New(ctx), &types.WorldChunk{
		ChunkX: 2, ChunkZ: 2, Layer: "terrain", Resolution: 16, WorldVersionID: e.world.ID,
		Status: types.ChunkStatusReady, S3Key: key, Checksum: sum,
		Source: types.ChunkSourceSynthetic,
	})
	require.NoError(t, err)

	c := e.coordinatorWith(t, blindChunks{e.chunks}, nil, Config{Mode: ModeSynthetic})
	_, err = c.GetOrCreateChunk(ctx, e.req(2, 2))
	assert.True(t, errors.Is(err, apperr.ErrInvariant), "got %v", err)

	loaded, err := c.LoadHeightmap(ctx, stored)
	require.NoError(t, err)
	assert.Equal(t, hm.Heights, loaded.Heights)
}
