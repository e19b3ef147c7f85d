// Package worlds holds the world versions loaded at startup. The snapshot
// is never mutated after construction; activation changes need a restart.
package worlds

import (
	"sort"

	"github.com/google/uuid"

	terrainrepo "github.com/yungbote/terrain-backend/internal/data/repos/terrain"
	types "github.com/yungbote/terrain-backend/internal/domain"
	apperr "github.com/yungbote/terrain-backend/internal/pkg/errors"
	"github.com/yungbote/terrain-backend/internal/pkg/dbctx"
	"github.com/yungbote/terrain-backend/internal/platform/logger"
)

type Snapshot struct {
	byVersion map[string]types.WorldVersion
	byID      map[uuid.UUID]types.WorldVersion
	active    []types.WorldVersion
}

func NewSnapshot(rows []*types.WorldVersion) *Snapshot {
	s := &Snapshot{
		byVersion: make(map[string]types.WorldVersion, len(rows)),
		byID:      make(map[uuid.UUID]types.WorldVersion, len(rows)),
	}
	for _, row := range rows {
		if row == nil {
			continue
		}
		wv := *row
		s.byVersion[wv.Version] = wv
		s.byID[wv.ID] = wv
		if wv.IsActive {
			s.active = append(s.active, wv)
		}
	}
	sort.Slice(s.active, func(i, j int) bool { return s.active[i].Version < s.active[j].Version })
	return s
}

// Load reads every world version once. Zero active versions is fatal.
func Load(dbc dbctx.Context, repo terrainrepo.WorldVersionRepo, log *logger.Logger) (*Snapshot, error) {
	rows, err := repo.ListAll(dbc)
	if err != nil {
		return nil, err
	}
	s := NewSnapshot(rows)
	if len(s.active) == 0 {
		return nil, apperr.Configuration("no active world versions (%d total)", len(rows))
	}
	versions := make([]string, 0, len(s.active))
	for _, wv := range s.active {
		versions = append(versions, wv.Version)
	}
	log.Info("World versions loaded", "total", len(rows), "active", versions)
	return s, nil
}

// Lookup finds a world version by its version string.
func (s *Snapshot) Lookup(version string) (types.WorldVersion, bool) {
	wv, ok := s.byVersion[version]
	return wv, ok
}

func (s *Snapshot) ByID(id uuid.UUID) (types.WorldVersion, bool) {
	wv, ok := s.byID[id]
	return wv, ok
}

// Active returns a copy sorted by version.
func (s *Snapshot) Active() []types.WorldVersion {
	return append([]types.WorldVersion(nil), s.active...)
}
