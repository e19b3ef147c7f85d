package worlds

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/terrain-backend/internal/data/repos/terrain"
	"github.com/yungbote/terrain-backend/internal/data/repos/testutil"
	types "github.com/yungbote/terrain-backend/internal/domain"
	apperr "github.com/yungbote/terrain-backend/internal/pkg/errors"
	"github.com/yungbote/terrain-backend/internal/pkg/dbctx"
)

func TestSnapshotLookup(t *testing.T) {
	rows := []*types.WorldVersion{
		{Version: "v2", IsActive: true},
		{Version: "v1", IsActive: true},
		{Version: "v0", IsActive: false},
	}
	s := NewSnapshot(rows)

	wv, ok := s.Lookup("v0")
	require.True(t, ok)
	assert.False(t, wv.IsActive)
	_, ok = s.Lookup("v9")
	assert.False(t, ok)

	active := s.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "v1", active[0].Version)

	// Mutating inputs or returned slices does not leak into the snapshot.
	rows[0].IsActive = false
	active[0].Version = "changed"
	again := s.Active()
	assert.Equal(t, "v1", again[0].Version)
	wv, _ = s.Lookup("v2")
	assert.True(t, wv.IsActive)
}

func TestLoadRequiresActiveWorld(t *testing.T) {
	db := testutil.SQLite(t)
	ctx := context.Background()
	repo := terrain.NewWorldVersionRepo(db, testutil.Logger(t))

	testutil.SeedWorldVersion(t, ctx, db, "old", false)
	_, err := Load(dbctx.New(ctx), repo, testutil.Logger(t))
	assert.True(t, errors.Is(err, apperr.ErrConfiguration), "got %v", err)

	live := testutil.SeedWorldVersion(t, ctx, db, "live", true)
	s, err := Load(dbctx.New(ctx), repo, testutil.Logger(t))
	require.NoError(t, err)
	got, ok := s.ByID(live.ID)
	require.True(t, ok)
	assert.Equal(t, live.Version, got.Version)
}
