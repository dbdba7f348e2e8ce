// Package tilemath implements Web Mercator (EPSG:3857) slippy-map tile
// arithmetic: conversions between WGS84 coordinates and the XYZ tile
// pyramid, tile grids for bounding boxes, and zoom selection.
// Reference: https://wiki.openstreetmap.org/wiki/Slippy_map_tilenames
package tilemath

import (
	"fmt"
	"math"
)

const (
	// TileSize is the standard tile edge length in pixels.
	TileSize = 256

	// MaxLatitude is the Web Mercator latitude limit. Latitudes beyond it
	// are clamped before any projection.
	MaxLatitude = 85.05112878

	MinZoom = 1
	MaxZoom = 20

	// EarthCircumference is the equatorial circumference in meters.
	EarthCircumference = 40075016.686
)

// TileCoord addresses one tile in the pyramid at zoom Z.
type TileCoord struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// GeoBounds is a geographic bounding box in degrees.
type GeoBounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// Validate checks the bounding box invariants. Boxes that straddle the
// antimeridian (west > east) are rejected rather than wrapped.
func (b GeoBounds) Validate() error {
	if b.South > b.North {
		return fmt.Errorf("south (%f) must not exceed north (%f)", b.South, b.North)
	}
	if b.West > b.East {
		return fmt.Errorf("west (%f) must not exceed east (%f): antimeridian-crossing boxes are not supported", b.West, b.East)
	}
	if b.South < -90 || b.North > 90 {
		return fmt.Errorf("latitude out of range [-90, 90]: south=%f, north=%f", b.South, b.North)
	}
	if b.West < -180 || b.East > 180 {
		return fmt.Errorf("longitude out of range [-180, 180]: west=%f, east=%f", b.West, b.East)
	}
	return nil
}

// ValidateZoom checks a zoom level against the supported range.
func ValidateZoom(zoom int) error {
	if zoom < MinZoom || zoom > MaxZoom {
		return fmt.Errorf("zoom level %d out of range [%d, %d]", zoom, MinZoom, MaxZoom)
	}
	return nil
}

// TileGrid is the inclusive tile index range covering a bounding box at
// one zoom level.
type TileGrid struct {
	XMin int `json:"xMin"`
	YMin int `json:"yMin"`
	XMax int `json:"xMax"`
	YMax int `json:"yMax"`
	Cols int `json:"cols"`
	Rows int `json:"rows"`
	Zoom int `json:"zoom"`
}

// Tiles enumerates every tile coordinate in the grid.
func (g TileGrid) Tiles() []TileCoord {
	tiles := make([]TileCoord, 0, g.Cols*g.Rows)
	for x := g.XMin; x <= g.XMax; x++ {
		for y := g.YMin; y <= g.YMax; y++ {
			tiles = append(tiles, TileCoord{X: x, Y: y, Z: g.Zoom})
		}
	}
	return tiles
}

func clampLat(lat float64) float64 {
	return math.Max(-MaxLatitude, math.Min(MaxLatitude, lat))
}

// ToTileFraction converts a coordinate to fractional tile coordinates at
// the given zoom. The fractional part carries the sub-tile pixel position
// needed for exact cropping.
func ToTileFraction(lat, lng float64, zoom int) (fx, fy float64) {
	lat = clampLat(lat)
	n := math.Exp2(float64(zoom))
	fx = (lng + 180.0) / 360.0 * n
	fy = (1.0 - math.Asinh(math.Tan(lat*math.Pi/180.0))/math.Pi) / 2.0 * n
	return fx, fy
}

// ToTileIndex converts a coordinate to the containing tile, clamped to the
// valid index range for the zoom level.
func ToTileIndex(lat, lng float64, zoom int) TileCoord {
	fx, fy := ToTileFraction(lat, lng, zoom)
	max := (1 << zoom) - 1
	x := clampInt(int(math.Floor(fx)), 0, max)
	y := clampInt(int(math.Floor(fy)), 0, max)
	return TileCoord{X: x, Y: y, Z: zoom}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// TileToBounds returns the geographic bounds of a tile (its NW and SE
// corners under the inverse Web Mercator projection).
func TileToBounds(t TileCoord) GeoBounds {
	n := math.Exp2(float64(t.Z))
	west := float64(t.X)/n*360.0 - 180.0
	east := float64(t.X+1)/n*360.0 - 180.0
	north := math.Atan(math.Sinh(math.Pi*(1-2*float64(t.Y)/n))) * 180.0 / math.Pi
	south := math.Atan(math.Sinh(math.Pi*(1-2*float64(t.Y+1)/n))) * 180.0 / math.Pi
	return GeoBounds{North: north, South: south, East: east, West: west}
}

// GridForBounds computes the inclusive tile range covering a bounding box.
// The NW corner gives (XMin, YMin), the SE corner gives (XMax, YMax).
func GridForBounds(b GeoBounds, zoom int) TileGrid {
	nw := ToTileIndex(b.North, b.West, zoom)
	se := ToTileIndex(b.South, b.East, zoom)
	return TileGrid{
		XMin: nw.X,
		YMin: nw.Y,
		XMax: se.X,
		YMax: se.Y,
		Cols: se.X - nw.X + 1,
		Rows: se.Y - nw.Y + 1,
		Zoom: zoom,
	}
}

// MergedBounds returns the geographic bounds of the full tile grid, i.e.
// the area a mosaic assembled from the grid covers before cropping.
func MergedBounds(g TileGrid) GeoBounds {
	nw := TileToBounds(TileCoord{X: g.XMin, Y: g.YMin, Z: g.Zoom})
	se := TileToBounds(TileCoord{X: g.XMax, Y: g.YMax, Z: g.Zoom})
	return GeoBounds{
		North: nw.North,
		South: se.South,
		East:  se.East,
		West:  nw.West,
	}
}

// EstimateTileCount returns the number of tiles a bounding box covers at
// the given zoom.
func EstimateTileCount(b GeoBounds, zoom int) int {
	g := GridForBounds(b, zoom)
	return g.Cols * g.Rows
}

// OptimalZoom returns the highest zoom level whose tile count for the
// bounding box does not exceed maxTiles. It never fails: when even the
// minimum zoom exceeds the budget, the minimum zoom is returned.
func OptimalZoom(b GeoBounds, maxTiles int) int {
	for zoom := MaxZoom; zoom > MinZoom; zoom-- {
		if EstimateTileCount(b, zoom) <= maxTiles {
			return zoom
		}
	}
	return MinZoom
}

// MetersPerPixel returns the ground resolution at a latitude and zoom.
func MetersPerPixel(lat float64, zoom int) float64 {
	return EarthCircumference * math.Cos(clampLat(lat)*math.Pi/180.0) / (TileSize * math.Exp2(float64(zoom)))
}
