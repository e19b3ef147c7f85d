// Package chunkgen turns chunk coordinates and DEM rasters into heightmaps.
// Everything here is pure: no I/O, no clocks, no shared mutable state.
package chunkgen

import (
	"fmt"
	"math"

	types "github.com/yungbote/terrain-backend/internal/domain"
	apperr "github.com/yungbote/terrain-backend/internal/pkg/errors"
	"github.com/yungbote/terrain-backend/internal/terrain/geo"
	"github.com/yungbote/terrain-backend/internal/terrain/raster"
)

const (
	MinResolution = 2
	MaxResolution = 4096
)

// Heightmap holds Resolution×Resolution samples, row-major with z as the
// major axis. Edge samples sit on the chunk boundary, so neighbouring chunks
// share them.
type Heightmap struct {
	Resolution int
	Heights    []float32
	Min        float32
	Max        float32
	Source     types.ChunkSource
}

func (h *Heightmap) At(x, z int) float32 { return h.Heights[z*h.Resolution+x] }

// Rasters maps tile keys to loaded grids. A nil map selects the fallback
// terrain for every sample.
type Rasters map[string]*raster.Grid

type Generator struct {
	mapper   *geo.Mapper
	fallback *Fallback
}

func New(mapper *geo.Mapper) *Generator {
	return &Generator{mapper: mapper, fallback: NewFallback()}
}

func ValidateResolution(resolution int) error {
	if resolution < MinResolution || resolution > MaxResolution {
		return fmt.Errorf("%w: resolution %d outside [%d, %d]", apperr.ErrInvalidArgument, resolution, MinResolution, MaxResolution)
	}
	return nil
}

// Generate builds the heightmap for chunk (x, z). With rasters, each sample
// reads the tile covering it and falls back only where the raster has no
// data; every tile the chunk touches must be present.
func (g *Generator) Generate(x, z, resolution int, rasters Rasters) (*Heightmap, error) {
	if err := ValidateResolution(resolution); err != nil {
		return nil, err
	}
	size := g.mapper.ChunkSizeMeters()
	step := size / float64(resolution-1)
	baseX := float64(float64(x) * size)
	baseZ := float64(float64(z) * size)

	h := &Heightmap{
		Resolution: resolution,
		Heights:    make([]float32, resolution*resolution),
		Min:        float32(math.Inf(1)),
		Max:        float32(math.Inf(-1)),
		Source:     types.ChunkSourceSynthetic,
	}
	if rasters != nil {
		h.Source = types.ChunkSourceDEM
	}

	for j := 0; j < resolution; j++ {
		wz := baseZ + float64(float64(j)*step)
		for i := 0; i < resolution; i++ {
			wx := baseX + float64(float64(i)*step)
			v, err := g.sample(wx, wz, rasters)
			if err != nil {
				return nil, err
			}
			f := float32(v)
			h.Heights[j*resolution+i] = f
			if f < h.Min {
				h.Min = f
			}
			if f > h.Max {
				h.Max = f
			}
		}
	}
	return h, nil
}

func (g *Generator) sample(wx, wz float64, rasters Rasters) (float64, error) {
	if rasters == nil {
		return g.fallback.Height(wx, wz), nil
	}
	p := g.mapper.WorldToLatLon(wx, wz)
	key := geo.TileKeyFor(p).String()
	grid, ok := rasters[key]
	if !ok || grid == nil {
		return 0, fmt.Errorf("%w: raster for tile %s not supplied", apperr.ErrInvalidArgument, key)
	}
	if v, ok := grid.Sample(p.Lat, p.Lon); ok {
		return v, nil
	}
	return g.fallback.Height(wx, wz), nil
}
