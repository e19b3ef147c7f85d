package geo

import "testing"

func TestTileKeyRoundTrip(t *testing.T) {
	tests := []struct {
		key string
		lat int
		lon int
	}{
		{"N40W105", 40, -105},
		{"S01E010", -1, 10},
		{"N00E000", 0, 0},
		{"S90W180", -90, -180},
	}
	for _, tc := range tests {
		k, err := ParseTileKey(tc.key)
		if err != nil {
			t.Fatalf("ParseTileKey(%q): %v", tc.key, err)
		}
		if k.Lat != tc.lat || k.Lon != tc.lon {
			t.Fatalf("ParseTileKey(%q) = %+v", tc.key, k)
		}
		if got := k.String(); got != tc.key {
			t.Fatalf("String() = %q, want %q", got, tc.key)
		}
	}
}

func TestParseTileKeyRejects(t *testing.T) {
	for _, bad := range []string{"", "N40W10", "X40W105", "N40Q105", "N9aW105", "N95W105"} {
		if _, err := ParseTileKey(bad); err == nil {
			t.Fatalf("ParseTileKey(%q): expected error", bad)
		}
	}
}

func TestTileKeyFor(t *testing.T) {
	tests := []struct {
		p    LatLon
		want string
	}{
		{LatLon{Lat: 40.2, Lon: -104.9}, "N40W105"},
		{LatLon{Lat: -0.5, Lon: 10.0}, "S01E010"},
		{LatLon{Lat: 0, Lon: 180.5}, "N00W180"},
	}
	for _, tc := range tests {
		if got := TileKeyFor(tc.p).String(); got != tc.want {
			t.Fatalf("TileKeyFor(%v) = %s, want %s", tc.p, got, tc.want)
		}
	}
}
