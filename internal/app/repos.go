package app

import (
	"gorm.io/gorm"

	terrainrepo "github.com/yungbote/terrain-backend/internal/data/repos/terrain"
	"github.com/yungbote/terrain-backend/internal/platform/logger"
)

type Repos struct {
	WorldVersions terrainrepo.WorldVersionRepo
	DemTiles      terrainrepo.DemTileRepo
	WorldChunks   terrainrepo.WorldChunkRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		WorldVersions: terrainrepo.NewWorldVersionRepo(db, log),
		DemTiles:      terrainrepo.NewDemTileRepo(db, log),
		WorldChunks:   terrainrepo.NewWorldChunkRepo(db, log),
	}
}
