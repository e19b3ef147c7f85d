package chunkgen

import (
	"math"

	"github.com/aquilax/go-perlin"
)

const (
	perlinAlpha = 2.0
	perlinBeta  = 2.0
	perlinN     = 3
	perlinSeed  = 20240611
)

// Fallback is deterministic terrain defined over world-space meters. It
// stands in where no DEM data exists and is identical across processes.
type Fallback struct {
	noise *perlin.Perlin
}

func NewFallback() *Fallback {
	return &Fallback{noise: perlin.NewPerlin(perlinAlpha, perlinBeta, perlinN, perlinSeed)}
}

// Height at world position (x east, z north) in meters.
func (f *Fallback) Height(x, z float64) float64 {
	h := 120.0
	h += float64(40 * math.Sin(x/1500))
	h += float64(25 * math.Cos(z/1100))
	h += float64(10 * math.Sin((x+z)/700))
	h += float64(8 * f.noise.Noise2D(x/900, z/900))
	return h
}
