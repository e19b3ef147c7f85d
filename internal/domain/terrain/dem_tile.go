package terrain

import (
	"time"

	"github.com/google/uuid"
)

type TileStatus string

const (
	TileStatusMissing     TileStatus = "missing"
	TileStatusDownloading TileStatus = "downloading"
	TileStatusReady       TileStatus = "ready"
	TileStatusFailed      TileStatus = "failed"
)

// DemTile tracks acquisition of one DEM tile for one world version.
//
// ready implies S3Key is set; failed implies LastError is set; downloading is
// a lease whose deadline is UpdatedAt plus the configured staleness window.
type DemTile struct {
	ID             uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	WorldVersionID uuid.UUID     `gorm:"type:uuid;column:world_version_id;not null;uniqueIndex:idx_dem_tiles_world_tile,priority:1" json:"world_version_id"`
	WorldVersion   *WorldVersion `gorm:"foreignKey:WorldVersionID;constraint:OnDelete:CASCADE" json:"-"`
	TileKey        string        `gorm:"column:tile_key;not null;uniqueIndex:idx_dem_tiles_world_tile,priority:2" json:"tile_key"`
	Status         TileStatus    `gorm:"column:status;type:varchar(16);not null;index;check:chk_dem_tiles_status,status IN ('missing','downloading','ready','failed')" json:"status"`
	S3Key          *string       `gorm:"column:s3_key" json:"s3_key,omitempty"`
	LastError      *string       `gorm:"column:last_error;type:text" json:"last_error,omitempty"`
	CreatedAt      time.Time     `gorm:"column:created_at;not null;autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time     `gorm:"column:updated_at;not null;autoUpdateTime;index" json:"updated_at"`
}

func (DemTile) TableName() string { return "dem_tiles" }

func (t *DemTile) IsReady() bool {
	return t != nil && t.Status == TileStatusReady && t.S3Key != nil && *t.S3Key != ""
}

// BlobKey returns the stored object key, or "" when none is recorded.
func (t *DemTile) BlobKey() string {
	if t == nil || t.S3Key == nil {
		return ""
	}
	return *t.S3Key
}

func (t *DemTile) Error() string {
	if t == nil || t.LastError == nil {
		return ""
	}
	return *t.LastError
}
