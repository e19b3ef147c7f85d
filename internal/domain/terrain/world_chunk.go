package terrain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ChunkStatus string

const (
	ChunkStatusReady   ChunkStatus = "ready"
	ChunkStatusPending ChunkStatus = "pending"
	ChunkStatusFailed  ChunkStatus = "failed"
)

// ChunkSource records what a stored heightmap was derived from.
type ChunkSource string

const (
	ChunkSourceDEM       ChunkSource = "dem"
	ChunkSourceSynthetic ChunkSource = "synthetic"
)

// ChunkKey identifies one chunk globally.
type ChunkKey struct {
	X              int
	Z              int
	Layer          string
	Resolution     int
	WorldVersionID uuid.UUID
}

func (k ChunkKey) String() string {
	return fmt.Sprintf("%s/%s/%d/%d_%d", k.WorldVersionID, k.Layer, k.Resolution, k.X, k.Z)
}

type WorldChunk struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ChunkX         int            `gorm:"column:chunk_x;not null;uniqueIndex:idx_world_chunks_key,priority:1" json:"chunk_x"`
	ChunkZ         int            `gorm:"column:chunk_z;not null;uniqueIndex:idx_world_chunks_key,priority:2" json:"chunk_z"`
	Layer          string         `gorm:"column:layer;not null;uniqueIndex:idx_world_chunks_key,priority:3" json:"layer"`
	Resolution     int            `gorm:"column:resolution;not null;uniqueIndex:idx_world_chunks_key,priority:4" json:"resolution"`
	WorldVersionID uuid.UUID      `gorm:"type:uuid;column:world_version_id;not null;uniqueIndex:idx_world_chunks_key,priority:5;index" json:"world_version_id"`
	WorldVersion   *WorldVersion  `gorm:"foreignKey:WorldVersionID;constraint:OnDelete:RESTRICT" json:"-"`
	Status         ChunkStatus    `gorm:"column:status;type:varchar(16);not null" json:"status"`
	S3Key          string         `gorm:"column:s3_key;not null" json:"s3_key"`
	Checksum       string         `gorm:"column:checksum;not null" json:"checksum"`
	Source         ChunkSource    `gorm:"column:source;type:varchar(16);not null" json:"source"`
	MinHeight      float64        `gorm:"column:min_height;not null" json:"min_height"`
	MaxHeight      float64        `gorm:"column:max_height;not null" json:"max_height"`
	Meta           datatypes.JSON `gorm:"column:meta" json:"meta,omitempty"`
	CreatedAt      time.Time      `gorm:"column:created_at;not null;autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;not null;autoUpdateTime" json:"updated_at"`
}

func (WorldChunk) TableName() string { return "world_chunks" }

func (c *WorldChunk) Key() ChunkKey {
	return ChunkKey{X: c.ChunkX, Z: c.ChunkZ, Layer: c.Layer, Resolution: c.Resolution, WorldVersionID: c.WorldVersionID}
}
