package terrain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/terrain-backend/internal/domain"
	apperr "github.com/yungbote/terrain-backend/internal/pkg/errors"
	"github.com/yungbote/terrain-backend/internal/pkg/dbctx"
	"github.com/yungbote/terrain-backend/internal/platform/logger"
)

// Claim is a live downloading lease. LeasedAt is the row's updated_at as
// written by the claim and fences MarkReady/MarkFailed against newer claims.
type Claim struct {
	WorldVersionID uuid.UUID
	TileKey        string
	LeasedAt       time.Time
}

type ClaimableQuery struct {
	Limit int
	// StaleBefore makes downloading rows last touched before it claimable.
	StaleBefore time.Time
	// FailedBefore, when set, makes failed rows last touched before it claimable.
	FailedBefore *time.Time
}

type DemTileRepo interface {
	Get(dbc dbctx.Context, worldVersionID uuid.UUID, tileKey string) (*types.DemTile, error)
	EnsureTracked(dbc dbctx.Context, worldVersionID uuid.UUID, tileKey string) (*types.DemTile, bool, error)
	MarkDownloading(dbc dbctx.Context, worldVersionID uuid.UUID, tileKey string, staleAfter time.Duration) (*Claim, bool, error)
	MarkReady(dbc dbctx.Context, claim *Claim, blobKey string) error
	MarkFailed(dbc dbctx.Context, claim *Claim, cause string) error
	ListClaimable(dbc dbctx.Context, q ClaimableQuery) ([]*types.DemTile, error)
	CountByStatus(dbc dbctx.Context, worldVersionID uuid.UUID) (map[types.TileStatus]int64, error)
}

type demTileRepo struct {
	db  *gorm.DB
	log *logger.Logger
	now func() time.Time
}

func NewDemTileRepo(db *gorm.DB, baseLog *logger.Logger) DemTileRepo {
	return &demTileRepo{
		db:  db,
		log: baseLog.With("repo", "DemTileRepo"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (r *demTileRepo) Get(dbc dbctx.Context, worldVersionID uuid.UUID, tileKey string) (*types.DemTile, error) {
	if worldVersionID == uuid.Nil || tileKey == "" {
		return nil, nil
	}
	var row types.DemTile
	err := dbc.DB(r.db).
		Where("world_version_id = ? AND tile_key = ?", worldVersionID, tileKey).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("dem_tiles get", err)
	}
	return &row, nil
}

// EnsureTracked inserts a missing row unless one exists and returns the
// current row. created is true only for the caller whose insert won.
func (r *demTileRepo) EnsureTracked(dbc dbctx.Context, worldVersionID uuid.UUID, tileKey string) (*types.DemTile, bool, error) {
	if worldVersionID == uuid.Nil || tileKey == "" {
		return nil, false, fmt.Errorf("%w: world version and tile key required", apperr.ErrInvalidArgument)
	}
	now := r.now()
	row := &types.DemTile{
		ID:             uuid.New(),
		WorldVersionID: worldVersionID,
		TileKey:        tileKey,
		Status:         types.TileStatusMissing,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	res := dbc.DB(r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "world_version_id"}, {Name: "tile_key"}},
			DoNothing: true,
		}).
		Create(row)
	if res.Error != nil {
		return nil, false, dbError("dem_tiles ensure", res.Error)
	}
	created := res.RowsAffected == 1

	current, err := r.Get(dbc, worldVersionID, tileKey)
	if err != nil {
		return nil, false, err
	}
	if current == nil {
		return nil, false, fmt.Errorf("dem_tiles ensure %s: %w", tileKey, apperr.ErrNotFound)
	}
	if created {
		r.log.Debug("Tile tracked", "world_version_id", worldVersionID, "tile_key", tileKey)
	}
	return current, created, nil
}

// MarkDownloading takes the lease with one conditional update. It succeeds
// from missing, failed, or a downloading row older than staleAfter.
func (r *demTileRepo) MarkDownloading(dbc dbctx.Context, worldVersionID uuid.UUID, tileKey string, staleAfter time.Duration) (*Claim, bool, error) {
	now := r.now()
	staleCutoff := now.Add(-staleAfter)
	var claim *Claim
	err := dbc.DB(r.db).Transaction(func(txx *gorm.DB) error {
		res := txx.Model(&types.DemTile{}).
			Where("world_version_id = ? AND tile_key = ?", worldVersionID, tileKey).
			Where("(status IN ?) OR (status = ? AND updated_at < ?)",
				[]string{string(types.TileStatusMissing), string(types.TileStatusFailed)},
				string(types.TileStatusDownloading), staleCutoff,
			).
			Updates(map[string]interface{}{
				"status":     string(types.TileStatusDownloading),
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		// updated_at may have been rewritten by a trigger; read back the
		// stored value so the fence matches exactly.
		var row types.DemTile
		if err := txx.Select("updated_at").
			Where("world_version_id = ? AND tile_key = ?", worldVersionID, tileKey).
			Take(&row).Error; err != nil {
			return err
		}
		claim = &Claim{WorldVersionID: worldVersionID, TileKey: tileKey, LeasedAt: row.UpdatedAt}
		return nil
	})
	if err != nil {
		return nil, false, dbError("dem_tiles claim", err)
	}
	return claim, claim != nil, nil
}

func (r *demTileRepo) MarkReady(dbc dbctx.Context, claim *Claim, blobKey string) error {
	if claim == nil {
		return fmt.Errorf("%w: nil claim", apperr.ErrInvalidArgument)
	}
	if blobKey == "" {
		return fmt.Errorf("%w: ready requires a blob key", apperr.ErrInvalidArgument)
	}
	return r.finish(dbc, claim, map[string]interface{}{
		"status":     string(types.TileStatusReady),
		"s3_key":     blobKey,
		"last_error": nil,
		"updated_at": r.now(),
	})
}

func (r *demTileRepo) MarkFailed(dbc dbctx.Context, claim *Claim, cause string) error {
	if claim == nil {
		return fmt.Errorf("%w: nil claim", apperr.ErrInvalidArgument)
	}
	if cause == "" {
		cause = "unknown error"
	}
	return r.finish(dbc, claim, map[string]interface{}{
		"status":     string(types.TileStatusFailed),
		"last_error": cause,
		"updated_at": r.now(),
	})
}

func (r *demTileRepo) finish(dbc dbctx.Context, claim *Claim, updates map[string]interface{}) error {
	res := dbc.DB(r.db).Model(&types.DemTile{}).
		Where("world_version_id = ? AND tile_key = ? AND status = ? AND updated_at = ?",
			claim.WorldVersionID, claim.TileKey, string(types.TileStatusDownloading), claim.LeasedAt,
		).
		Updates(updates)
	if res.Error != nil {
		return dbError("dem_tiles finish", res.Error)
	}
	if res.RowsAffected == 0 {
		r.log.Warn("Rejected commit from stale claim",
			"world_version_id", claim.WorldVersionID,
			"tile_key", claim.TileKey,
			"leased_at", claim.LeasedAt,
			"target_status", updates["status"],
		)
		return fmt.Errorf("dem_tiles %s: lease no longer held: %w", claim.TileKey, apperr.ErrConflict)
	}
	return nil
}

func (r *demTileRepo) ListClaimable(dbc dbctx.Context, q ClaimableQuery) ([]*types.DemTile, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	cond := "(status = ?) OR (status = ? AND updated_at < ?)"
	args := []interface{}{
		string(types.TileStatusMissing),
		string(types.TileStatusDownloading), q.StaleBefore,
	}
	if q.FailedBefore != nil {
		cond += " OR (status = ? AND updated_at < ?)"
		args = append(args, string(types.TileStatusFailed), *q.FailedBefore)
	}
	var out []*types.DemTile
	err := dbc.DB(r.db).
		Where(cond, args...).
		Order("updated_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, dbError("dem_tiles list claimable", err)
	}
	return out, nil
}

func (r *demTileRepo) CountByStatus(dbc dbctx.Context, worldVersionID uuid.UUID) (map[types.TileStatus]int64, error) {
	var rows []struct {
		Status string
		N      int64
	}
	err := dbc.DB(r.db).Model(&types.DemTile{}).
		Select("status, count(*) AS n").
		Where("world_version_id = ?", worldVersionID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, dbError("dem_tiles count", err)
	}
	out := make(map[types.TileStatus]int64, len(rows))
	for _, row := range rows {
		out[types.TileStatus(row.Status)] = row.N
	}
	return out, nil
}
