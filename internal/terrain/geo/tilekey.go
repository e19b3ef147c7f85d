package geo

import (
	"fmt"
	"math"
	"strconv"
)

// TileKey names the 1°×1° DEM cell whose south-west corner is (Lat, Lon),
// formatted SRTM style: N40W105, S01E010.
type TileKey struct {
	Lat int
	Lon int
}

// TileKeyAt normalizes latitude into [-90, 89] and longitude into [-180, 179].
func TileKeyAt(lat, lon int) TileKey {
	if lat < -90 {
		lat = -90
	}
	if lat > 89 {
		lat = 89
	}
	lon = ((lon+180)%360+360)%360 - 180
	return TileKey{Lat: lat, Lon: lon}
}

func TileKeyFor(p LatLon) TileKey {
	return TileKeyAt(int(math.Floor(p.Lat)), int(math.Floor(p.Lon)))
}

func (k TileKey) String() string {
	ns, lat := 'N', k.Lat
	if lat < 0 {
		ns, lat = 'S', -lat
	}
	ew, lon := 'E', k.Lon
	if lon < 0 {
		ew, lon = 'W', -lon
	}
	return fmt.Sprintf("%c%02d%c%03d", ns, lat, ew, lon)
}

func (k TileKey) Bounds() Bounds {
	return Bounds{
		South: float64(k.Lat),
		West:  float64(k.Lon),
		North: float64(k.Lat + 1),
		East:  float64(k.Lon + 1),
	}
}

func ParseTileKey(s string) (TileKey, error) {
	if len(s) != 7 {
		return TileKey{}, fmt.Errorf("tile key %q: want 7 characters", s)
	}
	lat, err := strconv.Atoi(s[1:3])
	if err != nil {
		return TileKey{}, fmt.Errorf("tile key %q: latitude: %w", s, err)
	}
	lon, err := strconv.Atoi(s[4:7])
	if err != nil {
		return TileKey{}, fmt.Errorf("tile key %q: longitude: %w", s, err)
	}
	switch s[0] {
	case 'N':
	case 'S':
		lat = -lat
	default:
		return TileKey{}, fmt.Errorf("tile key %q: bad hemisphere %q", s, s[0])
	}
	switch s[3] {
	case 'E':
	case 'W':
		lon = -lon
	default:
		return TileKey{}, fmt.Errorf("tile key %q: bad hemisphere %q", s, s[3])
	}
	if lat < -90 || lat > 89 || lon < -180 || lon > 179 {
		return TileKey{}, fmt.Errorf("tile key %q: out of range", s)
	}
	return TileKey{Lat: lat, Lon: lon}, nil
}
