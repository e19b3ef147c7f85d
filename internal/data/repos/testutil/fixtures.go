package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/terrain-backend/internal/domain"
)

// SeedWorldVersion inserts a world version with a unique suffix so tests can
// share a Postgres database.
func SeedWorldVersion(tb testing.TB, ctx context.Context, gdb *gorm.DB, version string, active bool) *types.WorldVersion {
	tb.Helper()
	wv := &types.WorldVersion{
		ID:        uuid.New(),
		Version:   version + "-" + uuid.NewString()[:8],
		IsActive:  active,
		CreatedAt: time.Now().UTC(),
	}
	if err := gdb.WithContext(ctx).Create(wv).Error; err != nil {
		tb.Fatalf("seed world version: %v", err)
	}
	Cleanup(tb, gdb, wv)
	return wv
}

// SeedDemTile inserts a tile row in the given status last touched at updatedAt.
func SeedDemTile(tb testing.TB, ctx context.Context, gdb *gorm.DB, wvID uuid.UUID, tileKey string, status types.TileStatus, updatedAt time.Time) *types.DemTile {
	tb.Helper()
	row := &types.DemTile{
		ID:             uuid.New(),
		WorldVersionID: wvID,
		TileKey:        tileKey,
		Status:         status,
		CreatedAt:      updatedAt.UTC(),
		UpdatedAt:      updatedAt.UTC(),
	}
	switch status {
	case types.TileStatusReady:
		row.S3Key = PtrString("dem/" + tileKey + ".asc")
	case types.TileStatusFailed:
		row.LastError = PtrString("seeded failure")
	}
	if err := gdb.WithContext(ctx).Create(row).Error; err != nil {
		tb.Fatalf("seed dem tile: %v", err)
	}
	return row
}

func PtrString(v string) *string { return &v }

func PtrTime(v time.Time) *time.Time { return &v }
