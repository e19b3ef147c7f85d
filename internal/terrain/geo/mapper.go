// Package geo maps the chunk grid onto geographic coordinates using a
// flat-earth approximation anchored at a configured origin.
package geo

import (
	"fmt"
	"math"

	apperr "github.com/yungbote/terrain-backend/internal/pkg/errors"
)

// MetersPerDegree is the length of one degree of latitude, and of longitude
// at the equator.
const MetersPerDegree = 111320.0

type Config struct {
	OriginLat       float64
	OriginLon       float64
	ChunkSizeMeters float64
	// MetersPerDegreeLat defaults to MetersPerDegree when zero.
	MetersPerDegreeLat float64
}

type LatLon struct {
	Lat float64
	Lon float64
}

// Bounds is a geographic rectangle. South/West are inclusive.
type Bounds struct {
	South float64
	West  float64
	North float64
	East  float64
}

// Mapper is immutable after New and safe for concurrent use.
type Mapper struct {
	origin     LatLon
	chunkSize  float64
	mPerDegLat float64
	mPerDegLon float64
}

func New(cfg Config) (*Mapper, error) {
	if math.IsNaN(cfg.OriginLat) || cfg.OriginLat <= -90 || cfg.OriginLat >= 90 {
		return nil, apperr.Configuration("origin latitude %v out of range (-90, 90)", cfg.OriginLat)
	}
	if math.IsNaN(cfg.OriginLon) || cfg.OriginLon < -180 || cfg.OriginLon > 180 {
		return nil, apperr.Configuration("origin longitude %v out of range [-180, 180]", cfg.OriginLon)
	}
	if !(cfg.ChunkSizeMeters > 0) || math.IsInf(cfg.ChunkSizeMeters, 0) {
		return nil, apperr.Configuration("chunk size %v must be positive", cfg.ChunkSizeMeters)
	}
	perDeg := cfg.MetersPerDegreeLat
	if perDeg == 0 {
		perDeg = MetersPerDegree
	}
	if perDeg < 0 || math.IsNaN(perDeg) {
		return nil, apperr.Configuration("meters per degree %v must be positive", perDeg)
	}
	return &Mapper{
		origin:     LatLon{Lat: cfg.OriginLat, Lon: cfg.OriginLon},
		chunkSize:  cfg.ChunkSizeMeters,
		mPerDegLat: perDeg,
		mPerDegLon: perDeg * math.Cos(cfg.OriginLat*math.Pi/180),
	}, nil
}

func (m *Mapper) Origin() LatLon { return m.origin }

func (m *Mapper) ChunkSizeMeters() float64 { return m.chunkSize }

func (m *Mapper) MetersPerDegreeLon() float64 { return m.mPerDegLon }

// WorldToLatLon converts meter offsets from the origin (x east, z north).
func (m *Mapper) WorldToLatLon(xMeters, zMeters float64) LatLon {
	// Explicit conversions keep the compiler from fusing multiply-adds, so
	// results are identical on every architecture.
	return LatLon{
		Lat: m.origin.Lat + float64(zMeters/m.mPerDegLat),
		Lon: m.origin.Lon + float64(xMeters/m.mPerDegLon),
	}
}

// ChunkOrigin is the south-west corner of chunk (x, z).
func (m *Mapper) ChunkOrigin(x, z int) LatLon {
	return m.WorldToLatLon(float64(float64(x)*m.chunkSize), float64(float64(z)*m.chunkSize))
}

func (m *Mapper) ChunkBounds(x, z int) Bounds {
	sw := m.ChunkOrigin(x, z)
	ne := m.ChunkOrigin(x+1, z+1)
	return Bounds{South: sw.Lat, West: sw.Lon, North: ne.Lat, East: ne.Lon}
}

// TilesForChunk lists the 1° tiles touching the chunk, edges included.
func (m *Mapper) TilesForChunk(x, z int) []TileKey {
	return TilesForBounds(m.ChunkBounds(x, z))
}

func TilesForBounds(b Bounds) []TileKey {
	south := int(math.Floor(b.South))
	north := int(math.Floor(b.North))
	west := int(math.Floor(b.West))
	east := int(math.Floor(b.East))
	out := make([]TileKey, 0, (north-south+1)*(east-west+1))
	for lat := south; lat <= north; lat++ {
		for lon := west; lon <= east; lon++ {
			out = append(out, TileKeyAt(lat, lon))
		}
	}
	return out
}

func (l LatLon) String() string {
	return fmt.Sprintf("(%.6f, %.6f)", l.Lat, l.Lon)
}
