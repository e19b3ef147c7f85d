package terrain

import (
	"errors"

	"gorm.io/gorm"

	types "github.com/yungbote/terrain-backend/internal/domain"
	"github.com/yungbote/terrain-backend/internal/pkg/dbctx"
	"github.com/yungbote/terrain-backend/internal/platform/logger"
)

type WorldVersionRepo interface {
	ListAll(dbc dbctx.Context) ([]*types.WorldVersion, error)
	ListActive(dbc dbctx.Context) ([]*types.WorldVersion, error)
	GetByVersion(dbc dbctx.Context, version string) (*types.WorldVersion, error)
}

type worldVersionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWorldVersionRepo(db *gorm.DB, baseLog *logger.Logger) WorldVersionRepo {
	return &worldVersionRepo{db: db, log: baseLog.With("repo", "WorldVersionRepo")}
}

func (r *worldVersionRepo) ListAll(dbc dbctx.Context) ([]*types.WorldVersion, error) {
	var out []*types.WorldVersion
	if err := dbc.DB(r.db).Order("version ASC").Find(&out).Error; err != nil {
		return nil, dbError("world_versions list", err)
	}
	return out, nil
}

func (r *worldVersionRepo) ListActive(dbc dbctx.Context) ([]*types.WorldVersion, error) {
	var out []*types.WorldVersion
	if err := dbc.DB(r.db).Where("is_active = ?", true).Order("version ASC").Find(&out).Error; err != nil {
		return nil, dbError("world_versions list active", err)
	}
	return out, nil
}

func (r *worldVersionRepo) GetByVersion(dbc dbctx.Context, version string) (*types.WorldVersion, error) {
	var row types.WorldVersion
	err := dbc.DB(r.db).Where("version = ?", version).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("world_versions get", err)
	}
	return &row, nil
}
