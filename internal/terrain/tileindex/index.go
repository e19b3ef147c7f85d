// Package tileindex keeps the set of DEM tiles known to be present in blob
// storage. It is a cache: rebuilding it from a listing is always safe.
package tileindex

import (
	"context"
	"sort"
	"sync"

	"github.com/yungbote/terrain-backend/internal/platform/blob"
	"github.com/yungbote/terrain-backend/internal/platform/logger"
)

type Index struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

func New(keys ...string) *Index {
	idx := &Index{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		idx.keys[k] = struct{}{}
	}
	return idx
}

// Build lists the DEM prefix and replaces the index contents. Keys that do
// not look like raster objects are skipped.
func (i *Index) Build(ctx context.Context, store blob.Store, log *logger.Logger) (int, error) {
	objects, err := store.List(ctx, blob.DEMPrefix)
	if err != nil {
		return 0, err
	}
	next := make(map[string]struct{}, len(objects))
	skipped := 0
	for _, obj := range objects {
		tk, ok := blob.TileKeyFromDEMKey(obj)
		if !ok {
			skipped++
			continue
		}
		next[tk] = struct{}{}
	}

	i.mu.Lock()
	i.keys = next
	i.mu.Unlock()

	if log != nil {
		log.Info("Tile index built", "tiles", len(next), "skipped_objects", skipped)
	}
	return len(next), nil
}

func (i *Index) Has(tileKey string) bool {
	i.mu.RLock()
	_, ok := i.keys[tileKey]
	i.mu.RUnlock()
	return ok
}

func (i *Index) Add(tileKey string) {
	if tileKey == "" {
		return
	}
	i.mu.Lock()
	i.keys[tileKey] = struct{}{}
	i.mu.Unlock()
}

func (i *Index) Remove(tileKey string) {
	i.mu.Lock()
	delete(i.keys, tileKey)
	i.mu.Unlock()
}

func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.keys)
}

// Keys returns a sorted copy.
func (i *Index) Keys() []string {
	i.mu.RLock()
	out := make([]string, 0, len(i.keys))
	for k := range i.keys {
		out = append(out, k)
	}
	i.mu.RUnlock()
	sort.Strings(out)
	return out
}
