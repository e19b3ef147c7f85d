package terrain

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/yungbote/terrain-backend/internal/data/repos/testutil"
	types "github.com/yungbote/terrain-backend/internal/domain"
	apperr "github.com/yungbote/terrain-backend/internal/pkg/errors"
	"github.com/yungbote/terrain-backend/internal/pkg/dbctx"
)

func TestWorldChunkRepoUpsert(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	dbc := dbctx.New(ctx)
	repo := NewWorldChunkRepo(db, testutil.Logger(t))
	wv := testutil.SeedWorldVersion(t, ctx, db, "v1", true)

	key := types.ChunkKey{X: 3, Z: -2, Layer: "terrain", Resolution: 64, WorldVersionID: wv.ID}
	if got, err := repo.GetByKey(dbc, key); err != nil || got != nil {
		t.Fatalf("GetByKey absent: got=%v err=%v", got, err)
	}

	mk := func(checksum string) *types.WorldChunk {
		return &types.WorldChunk{
			ChunkX:         key.X,
			ChunkZ:         key.Z,
			Layer:          key.Layer,
			Resolution:     key.Resolution,
			WorldVersionID: wv.ID,
			Status:         types.ChunkStatusReady,
			S3Key:          "chunks/v1/terrain/64/3_-2.bin.zst",
			Checksum:       checksum,
			Source:         types.ChunkSourceDEM,
			MinHeight:      10,
			MaxHeight:      20,
		}
	}

	stored, created, err := repo.Upsert(dbc, mk("abc"))
	if err != nil || !created {
		t.Fatalf("Upsert: created=%v err=%v", created, err)
	}

	again, created, err := repo.Upsert(dbc, mk("abc"))
	if err != nil {
		t.Fatalf("Upsert same checksum: %v", err)
	}
	if created || again.ID != stored.ID {
		t.Fatalf("Upsert same checksum: expected existing row, created=%v id=%s want %s", created, again.ID, stored.ID)
	}

	if _, _, err := repo.Upsert(dbc, mk("def")); !errors.Is(err, apperr.ErrInvariant) {
		t.Fatalf("Upsert different checksum: expected ErrInvariant, got %v", err)
	}

	got, err := repo.GetByKey(dbc, key)
	if err != nil || got == nil {
		t.Fatalf("GetByKey: got=%v err=%v", got, err)
	}
	if got.Checksum != "abc" || got.Key() != key {
		t.Fatalf("GetByKey: unexpected row %+v", got)
	}

	n, err := repo.CountByWorld(dbc, wv.ID)
	if err != nil || n != 1 {
		t.Fatalf("CountByWorld: n=%d err=%v", n, err)
	}
	rows, err := repo.ListByWorld(dbc, wv.ID, 0)
	if err != nil || len(rows) != 1 {
		t.Fatalf("ListByWorld: len=%d err=%v", len(rows), err)
	}
}

func TestWorldChunkRepoRejectsIncompleteRecord(t *testing.T) {
	db := testutil.DB(t)
	repo := NewWorldChunkRepo(db, testutil.Logger(t))
	_, _, err := repo.Upsert(dbctx.New(context.Background()), &types.WorldChunk{WorldVersionID: uuid.New()})
	if !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestWorldVersionRepo(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	dbc := dbctx.New(ctx)
	repo := NewWorldVersionRepo(db, testutil.Logger(t))

	active := testutil.SeedWorldVersion(t, ctx, db, "v1", true)
	inactive := testutil.SeedWorldVersion(t, ctx, db, "v0", false)

	rows, err := repo.ListActive(dbc)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	var sawActive, sawInactive bool
	for _, r := range rows {
		sawActive = sawActive || r.ID == active.ID
		sawInactive = sawInactive || r.ID == inactive.ID
	}
	if !sawActive || sawInactive {
		t.Fatalf("ListActive: active=%v inactive=%v", sawActive, sawInactive)
	}

	got, err := repo.GetByVersion(dbc, inactive.Version)
	if err != nil || got == nil || got.ID != inactive.ID {
		t.Fatalf("GetByVersion: got=%v err=%v", got, err)
	}
	if got, err := repo.GetByVersion(dbc, "nope"); err != nil || got != nil {
		t.Fatalf("GetByVersion absent: got=%v err=%v", got, err)
	}
}
