package blob

import (
	"context"
	"fmt"
	"strings"
)

// Store is the object storage surface used for DEM rasters and chunk blobs.
// Get on an absent key returns an error wrapping errors.ErrNotFound.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

const (
	DEMPrefix   = "dem/"
	ChunkPrefix = "chunks/"

	demSuffix = ".asc"
)

// DEMKey is the object key of a tile raster. Rasters are shared by every
// world version.
func DEMKey(tileKey string) string {
	return DEMPrefix + tileKey + demSuffix
}

// TileKeyFromDEMKey reverses DEMKey.
func TileKeyFromDEMKey(key string) (string, bool) {
	if !strings.HasPrefix(key, DEMPrefix) || !strings.HasSuffix(key, demSuffix) {
		return "", false
	}
	tk := strings.TrimSuffix(strings.TrimPrefix(key, DEMPrefix), demSuffix)
	if tk == "" || strings.Contains(tk, "/") {
		return "", false
	}
	return tk, true
}

const chunkSumLen = 16

// ChunkKey is the object key of an encoded chunk heightmap. The key carries
// a checksum prefix, so writers with different bytes never share an object.
func ChunkKey(worldVersion, layer string, resolution, x, z int, checksum string) string {
	if len(checksum) > chunkSumLen {
		checksum = checksum[:chunkSumLen]
	}
	return fmt.Sprintf("%s%s/%s/%d/%d_%d.%s.bin.zst", ChunkPrefix, worldVersion, layer, resolution, x, z, checksum)
}

// ContentType guesses a content type from the key suffix.
func ContentType(key string) string {
	s := strings.ToLower(strings.TrimSpace(key))
	switch {
	case strings.HasSuffix(s, ".asc"):
		return "text/plain"
	case strings.HasSuffix(s, ".zst"):
		return "application/zstd"
	case strings.HasSuffix(s, ".json"):
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
