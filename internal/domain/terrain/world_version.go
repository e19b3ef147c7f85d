package terrain

import (
	"time"

	"github.com/google/uuid"
)

// WorldVersion is one generation of the served world. Rows are read once at
// startup; activation changes need a restart.
type WorldVersion struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Version     string    `gorm:"column:version;not null;uniqueIndex" json:"version"`
	IsActive    bool      `gorm:"column:is_active;not null;default:false;index" json:"is_active"`
	Description string    `gorm:"column:description;type:text" json:"description,omitempty"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;autoCreateTime" json:"created_at"`
}

func (WorldVersion) TableName() string { return "world_versions" }
