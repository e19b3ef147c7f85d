package app

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperr "github.com/yungbote/terrain-backend/internal/pkg/errors"
	"github.com/yungbote/terrain-backend/internal/platform/blob"
	"github.com/yungbote/terrain-backend/internal/terrain/coordinator"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TERRAIN_ORIGIN_LAT", "40")
	t.Setenv("TERRAIN_ORIGIN_LON", "-105")
	t.Setenv("TERRAIN_DB_USER", "terrain")
	t.Setenv("TERRAIN_DB_NAME", "terrain")
	t.Setenv("TERRAIN_BUCKET", "terrain-dem")
	t.Setenv("TERRAIN_DEM_API_KEY", "secret")
}

func TestLoadConfigFromEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TERRAIN_STALE_AFTER", "3m")
	t.Setenv("TERRAIN_WRITE_CONCURRENCY", "5")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NotNil(t, cfg.OriginLat)
	assert.Equal(t, 40.0, *cfg.OriginLat)
	assert.Equal(t, -105.0, *cfg.OriginLon)
	assert.Equal(t, 3*time.Minute, cfg.StaleAfter)
	assert.Equal(t, int64(5), cfg.WriteConcurrency)
	assert.Equal(t, 64, cfg.DefaultResolution)

	storage, err := cfg.ObjectStorage()
	require.NoError(t, err)
	assert.Equal(t, blob.ObjectStorageModeGCS, storage.Mode)
	assert.Equal(t, coordinator.ModeDEM, cfg.Coordinator().Mode)
	assert.Equal(t, 3*time.Minute, cfg.Worker().StaleAfter)
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "terrain.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
origin_lat: 46.5
origin_lon: 7.9
chunk_size_meters: 250
source: synthetic
storage_mode: local
db_user: yaml-user
db_name: terrain
poll_interval: 30s
`), 0o600))
	t.Setenv(ConfigFileEnv, path)
	t.Setenv("TERRAIN_DB_USER", "env-user")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 46.5, *cfg.OriginLat)
	assert.Equal(t, 250.0, cfg.ChunkSizeMeters)
	assert.Equal(t, "env-user", cfg.DBUser, "environment overrides the file")
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, coordinator.ModeSynthetic, cfg.Coordinator().Mode)
}

func TestValidateMissingSettings(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConfiguration))
	assert.Contains(t, err.Error(), "TERRAIN_ORIGIN_LAT")
	assert.Contains(t, err.Error(), "TERRAIN_BUCKET")
	assert.Contains(t, err.Error(), "TERRAIN_DEM_API_KEY")
}

func TestValidateRejectsBadValues(t *testing.T) {
	lat, lon := 95.0, 0.0
	cfg := Defaults()
	cfg.OriginLat, cfg.OriginLon = &lat, &lon
	cfg.DBUser, cfg.DBName = "u", "d"
	cfg.StorageMode = string(blob.ObjectStorageModeLocal)
	cfg.Source = "lidar"
	cfg.DefaultResolution = 1

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConfiguration))
	assert.Contains(t, err.Error(), "origin latitude")
	assert.Contains(t, err.Error(), "lidar")
	assert.Contains(t, err.Error(), "resolution")
}

func TestConfigStringOmitsSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.DBPassword = "hunter2"
	cfg.DEMAPIKey = "abc123"
	s := cfg.String()
	assert.NotContains(t, s, "hunter2")
	assert.NotContains(t, s, "abc123")
}
