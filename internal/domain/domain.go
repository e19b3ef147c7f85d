package domain

import "github.com/yungbote/terrain-backend/internal/domain/terrain"

type (
	WorldVersion = terrain.WorldVersion
	DemTile      = terrain.DemTile
	TileStatus   = terrain.TileStatus
	WorldChunk   = terrain.WorldChunk
	ChunkKey     = terrain.ChunkKey
	ChunkStatus  = terrain.ChunkStatus
	ChunkSource  = terrain.ChunkSource
)

const (
	TileStatusMissing     = terrain.TileStatusMissing
	TileStatusDownloading = terrain.TileStatusDownloading
	TileStatusReady       = terrain.TileStatusReady
	TileStatusFailed      = terrain.TileStatusFailed

	ChunkStatusReady   = terrain.ChunkStatusReady
	ChunkStatusPending = terrain.ChunkStatusPending
	ChunkStatusFailed  = terrain.ChunkStatusFailed

	ChunkSourceDEM       = terrain.ChunkSourceDEM
	ChunkSourceSynthetic = terrain.ChunkSourceSynthetic
)

// AllModels lists the persisted tables in dependency order.
func AllModels() []interface{} {
	return []interface{}{
		&terrain.WorldVersion{},
		&terrain.DemTile{},
		&terrain.WorldChunk{},
	}
}
