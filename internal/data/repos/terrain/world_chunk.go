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

type WorldChunkRepo interface {
	GetByKey(dbc dbctx.Context, key types.ChunkKey) (*types.WorldChunk, error)
	// Upsert inserts chunk unless a row with the same key exists. An existing
	// row with a different checksum is reported as ErrInvariant.
	Upsert(dbc dbctx.Context, chunk *types.WorldChunk) (*types.WorldChunk, bool, error)
	ListByWorld(dbc dbctx.Context, worldVersionID uuid.UUID, limit int) ([]*types.WorldChunk, error)
	CountByWorld(dbc dbctx.Context, worldVersionID uuid.UUID) (int64, error)
}

type worldChunkRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWorldChunkRepo(db *gorm.DB, baseLog *logger.Logger) WorldChunkRepo {
	return &worldChunkRepo{db: db, log: baseLog.With("repo", "WorldChunkRepo")}
}

func (r *worldChunkRepo) GetByKey(dbc dbctx.Context, key types.ChunkKey) (*types.WorldChunk, error) {
	var row types.WorldChunk
	err := dbc.DB(r.db).
		Where("chunk_x = ? AND chunk_z = ? AND layer = ? AND resolution = ? AND world_version_id = ?",
			key.X, key.Z, key.Layer, key.Resolution, key.WorldVersionID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("world_chunks get", err)
	}
	return &row, nil
}

func (r *worldChunkRepo) Upsert(dbc dbctx.Context, chunk *types.WorldChunk) (*types.WorldChunk, bool, error) {
	if chunk == nil {
		return nil, false, fmt.Errorf("%w: nil chunk", apperr.ErrInvalidArgument)
	}
	if chunk.WorldVersionID == uuid.Nil || chunk.S3Key == "" || chunk.Checksum == "" {
		return nil, false, fmt.Errorf("%w: chunk requires world version, key and checksum", apperr.ErrInvalidArgument)
	}
	if chunk.ID == uuid.Nil {
		chunk.ID = uuid.New()
	}
	now := time.Now().UTC()
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = now
	}
	chunk.UpdatedAt = now

	res := dbc.DB(r.db).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "chunk_x"}, {Name: "chunk_z"}, {Name: "layer"}, {Name: "resolution"}, {Name: "world_version_id"},
			},
			DoNothing: true,
		}).
		Create(chunk)
	if res.Error != nil {
		return nil, false, dbError("world_chunks upsert", res.Error)
	}
	if res.RowsAffected == 1 {
		return chunk, true, nil
	}

	existing, err := r.GetByKey(dbc, chunk.Key())
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, apperr.Transient("world_chunks upsert", fmt.Errorf("row for %s vanished after conflict", chunk.Key()))
	}
	if existing.Checksum != chunk.Checksum {
		r.log.Error("Chunk checksum mismatch",
			"chunk", chunk.Key().String(),
			"stored_checksum", existing.Checksum,
			"computed_checksum", chunk.Checksum,
		)
		return existing, false, fmt.Errorf("world_chunks %s: stored checksum %s != computed %s: %w",
			chunk.Key(), existing.Checksum, chunk.Checksum, apperr.ErrInvariant)
	}
	return existing, false, nil
}

func (r *worldChunkRepo) ListByWorld(dbc dbctx.Context, worldVersionID uuid.UUID, limit int) ([]*types.WorldChunk, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*types.WorldChunk
	err := dbc.DB(r.db).
		Where("world_version_id = ?", worldVersionID).
		Order("chunk_x ASC, chunk_z ASC, layer ASC, resolution ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, dbError("world_chunks list", err)
	}
	return out, nil
}

func (r *worldChunkRepo) CountByWorld(dbc dbctx.Context, worldVersionID uuid.UUID) (int64, error) {
	var n int64
	if err := dbc.DB(r.db).Model(&types.WorldChunk{}).
		Where("world_version_id = ?", worldVersionID).
		Count(&n).Error; err != nil {
		return 0, dbError("world_chunks count", err)
	}
	return n, nil
}
