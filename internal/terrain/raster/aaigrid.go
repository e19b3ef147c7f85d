// Package raster parses DEM rasters delivered as ESRI ASCII grids and
// samples them by geographic coordinate.
package raster

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	apperr "github.com/yungbote/terrain-backend/internal/pkg/errors"
)

// Grid is an elevation raster in geographic coordinates. Values are stored
// row-major with row 0 at the north edge.
type Grid struct {
	NCols     int
	NRows     int
	West      float64
	South     float64
	CellSize  float64
	NoData    float32
	HasNoData bool
	Values    []float32
}

func (g *Grid) North() float64 { return g.South + float64(g.NRows)*g.CellSize }

func (g *Grid) East() float64 { return g.West + float64(g.NCols)*g.CellSize }

// SizeBytes approximates the memory held by the grid.
func (g *Grid) SizeBytes() int { return len(g.Values) * 4 }

// Parse reads an ESRI ASCII grid. Both the corner and center forms of the
// origin header are accepted.
func Parse(data []byte) (*Grid, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 1<<20), 1<<26)
	sc.Split(bufio.ScanWords)

	g := &Grid{}
	var (
		haveX, haveY, centerX, centerY bool
		x, y                           float64
	)
	header := map[string]bool{}
	var first string
	for sc.Scan() {
		tok := sc.Text()
		key := strings.ToLower(tok)
		if !isHeaderKey(key) {
			first = tok
			break
		}
		if !sc.Scan() {
			return nil, malformed("header %s has no value", tok)
		}
		val := sc.Text()
		header[key] = true
		var err error
		switch key {
		case "ncols":
			g.NCols, err = strconv.Atoi(val)
		case "nrows":
			g.NRows, err = strconv.Atoi(val)
		case "xllcorner", "xllcenter":
			x, err = strconv.ParseFloat(val, 64)
			haveX, centerX = true, key == "xllcenter"
		case "yllcorner", "yllcenter":
			y, err = strconv.ParseFloat(val, 64)
			haveY, centerY = true, key == "yllcenter"
		case "cellsize":
			g.CellSize, err = strconv.ParseFloat(val, 64)
		case "nodata_value":
			var nd float64
			nd, err = strconv.ParseFloat(val, 64)
			g.NoData, g.HasNoData = float32(nd), true
		}
		if err != nil {
			return nil, malformed("header %s=%q: %v", tok, val, err)
		}
	}
	if g.NCols <= 0 || g.NRows <= 0 || !(g.CellSize > 0) || !haveX || !haveY {
		return nil, malformed("incomplete header (ncols=%d nrows=%d cellsize=%v)", g.NCols, g.NRows, g.CellSize)
	}
	g.West, g.South = x, y
	if centerX {
		g.West -= g.CellSize / 2
	}
	if centerY {
		g.South -= g.CellSize / 2
	}

	n := g.NCols * g.NRows
	g.Values = make([]float32, 0, n)
	appendVal := func(tok string) error {
		v, err := strconv.ParseFloat(tok, 32)
		if err != nil {
			return malformed("value %d %q: %v", len(g.Values), tok, err)
		}
		g.Values = append(g.Values, float32(v))
		return nil
	}
	if first != "" {
		if err := appendVal(first); err != nil {
			return nil, err
		}
	}
	for len(g.Values) < n && sc.Scan() {
		if err := appendVal(sc.Text()); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, malformed("scan: %v", err)
	}
	if len(g.Values) != n {
		return nil, malformed("expected %d values, got %d", n, len(g.Values))
	}
	return g, nil
}

func isHeaderKey(k string) bool {
	switch k {
	case "ncols", "nrows", "xllcorner", "xllcenter", "yllcorner", "yllcenter", "cellsize", "nodata_value":
		return true
	}
	return false
}

func malformed(format string, args ...any) error {
	return apperr.Permanent("parse aaigrid", fmt.Errorf(format, args...))
}

func (g *Grid) at(row, col int) (float32, bool) {
	v := g.Values[row*g.NCols+col]
	if g.HasNoData && v == g.NoData {
		return 0, false
	}
	return v, true
}

// Sample interpolates bilinearly between cell centers. It reports false
// outside the grid or when a contributing cell is NODATA.
func (g *Grid) Sample(lat, lon float64) (float64, bool) {
	if lat < g.South || lat > g.North() || lon < g.West || lon > g.East() {
		return 0, false
	}
	fc := (lon-g.West)/g.CellSize - 0.5
	fr := (g.North()-lat)/g.CellSize - 0.5
	fc = clamp(fc, 0, float64(g.NCols-1))
	fr = clamp(fr, 0, float64(g.NRows-1))

	c0, r0 := int(math.Floor(fc)), int(math.Floor(fr))
	c1, r1 := min(c0+1, g.NCols-1), min(r0+1, g.NRows-1)
	tx, ty := fc-float64(c0), fr-float64(r0)

	v00, ok00 := g.at(r0, c0)
	v01, ok01 := g.at(r0, c1)
	v10, ok10 := g.at(r1, c0)
	v11, ok11 := g.at(r1, c1)
	if !(ok00 && ok01 && ok10 && ok11) {
		return 0, false
	}
	top := float64(float64(v00)*(1-tx)) + float64(float64(v01)*tx)
	bottom := float64(float64(v10)*(1-tx)) + float64(float64(v11)*tx)
	return float64(top*(1-ty)) + float64(bottom*ty), true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
