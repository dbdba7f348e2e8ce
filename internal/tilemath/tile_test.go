package tilemath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Central Beijing, a 0.02 degree box around the Forbidden City.
var beijing = GeoBounds{North: 39.92, South: 39.90, East: 116.40, West: 116.38}

func TestGridForBounds(t *testing.T) {
	grid := GridForBounds(beijing, 15)

	assert.Equal(t, 26977, grid.XMin)
	assert.Equal(t, 26978, grid.XMax)
	assert.Equal(t, 12414, grid.YMin)
	assert.Equal(t, 12417, grid.YMax)
	assert.Equal(t, 2, grid.Cols)
	assert.Equal(t, 4, grid.Rows)
	assert.Equal(t, 15, grid.Zoom)
}

func TestGridTiles(t *testing.T) {
	grid := GridForBounds(beijing, 15)
	tiles := grid.Tiles()

	require.Len(t, tiles, 8)
	seen := make(map[TileCoord]bool)
	for _, tile := range tiles {
		assert.GreaterOrEqual(t, tile.X, grid.XMin)
		assert.LessOrEqual(t, tile.X, grid.XMax)
		assert.GreaterOrEqual(t, tile.Y, grid.YMin)
		assert.LessOrEqual(t, tile.Y, grid.YMax)
		assert.Equal(t, 15, tile.Z)
		seen[tile] = true
	}
	assert.Len(t, seen, 8, "tiles must be unique")
}

func TestToTileIndexClamping(t *testing.T) {
	// Polar latitudes clamp to the Web Mercator limit instead of
	// producing out-of-range rows.
	tile := ToTileIndex(89.9, 0, 3)
	assert.Equal(t, 0, tile.Y)

	tile = ToTileIndex(-89.9, 0, 3)
	assert.Equal(t, 7, tile.Y)

	// The eastern edge maps to the last column, not one past it.
	tile = ToTileIndex(0, 180, 1)
	assert.Equal(t, 1, tile.X)

	tile = ToTileIndex(0, -180, 1)
	assert.Equal(t, 0, tile.X)
}

func TestTileToBounds(t *testing.T) {
	b := TileToBounds(TileCoord{X: 0, Y: 0, Z: 1})
	assert.InDelta(t, -180.0, b.West, 1e-9)
	assert.InDelta(t, 0.0, b.East, 1e-9)
	assert.InDelta(t, MaxLatitude, b.North, 1e-6)
	assert.InDelta(t, 0.0, b.South, 1e-9)
}

func TestTileToBoundsRoundTrip(t *testing.T) {
	tile := TileCoord{X: 26977, Y: 12415, Z: 15}
	b := TileToBounds(tile)

	// The tile's own NW corner must map back to the same tile.
	back := ToTileIndex(b.North, b.West, 15)
	assert.Equal(t, tile, back)
}

func TestMergedBoundsCoversRequest(t *testing.T) {
	grid := GridForBounds(beijing, 15)
	merged := MergedBounds(grid)

	assert.GreaterOrEqual(t, merged.North, beijing.North)
	assert.LessOrEqual(t, merged.South, beijing.South)
	assert.GreaterOrEqual(t, merged.East, beijing.East)
	assert.LessOrEqual(t, merged.West, beijing.West)
}

func TestEstimateTileCount(t *testing.T) {
	assert.Equal(t, 8, EstimateTileCount(beijing, 15))
	assert.Equal(t, 1, EstimateTileCount(beijing, 5))
}

func TestOptimalZoom(t *testing.T) {
	// A small box fits the default budget even at the deepest zoom.
	assert.Equal(t, MaxZoom, OptimalZoom(beijing, 1000000))

	world := GeoBounds{North: 85, South: -85, East: 179, West: -179}
	assert.Equal(t, 1, OptimalZoom(world, 4))

	// An impossible budget still yields the minimum zoom.
	assert.Equal(t, MinZoom, OptimalZoom(world, 1))
}

func TestBoundsValidate(t *testing.T) {
	assert.NoError(t, beijing.Validate())

	err := GeoBounds{North: 10, South: 20, East: 30, West: 20}.Validate()
	assert.Error(t, err)

	err = GeoBounds{North: 10, South: 0, East: -170, West: 170}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "antimeridian")

	err = GeoBounds{North: 95, South: 0, East: 10, West: 0}.Validate()
	assert.Error(t, err)

	err = GeoBounds{North: 10, South: 0, East: 185, West: 0}.Validate()
	assert.Error(t, err)
}

func TestValidateZoom(t *testing.T) {
	assert.NoError(t, ValidateZoom(1))
	assert.NoError(t, ValidateZoom(20))
	assert.Error(t, ValidateZoom(0))
	assert.Error(t, ValidateZoom(21))
}

func TestMetersPerPixel(t *testing.T) {
	// Equator at zoom 1: the earth spans 512 pixels.
	assert.InDelta(t, EarthCircumference/512, MetersPerPixel(0, 1), 0.01)

	// Resolution shrinks with latitude.
	assert.Less(t, MetersPerPixel(60, 10), MetersPerPixel(0, 10))
}

func TestToTileFraction(t *testing.T) {
	fx, fy := ToTileFraction(0, 0, 1)
	assert.InDelta(t, 1.0, fx, 1e-9)
	assert.InDelta(t, 1.0, fy, 1e-9)

	fx, fy = ToTileFraction(beijing.North, beijing.West, 15)
	assert.InDelta(t, 26977.2, fx, 0.1)
	assert.InDelta(t, 12414.75, fy, 0.1)
}
