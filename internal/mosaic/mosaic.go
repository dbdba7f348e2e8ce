// Package mosaic stitches downloaded tile bitmaps into a single canvas,
// crops it to the exact requested bounds, and optionally masks it by a
// polygon.
package mosaic

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"sort"

	"github.com/paulmach/orb"
	xdraw "golang.org/x/image/draw"

	"maptile-export/internal/tilemath"
)

// blankFill is the color of grid cells no tile was fetched for.
var blankFill = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// Assemble pastes every available tile onto a canvas covering the grid.
// Cells missing from the mapping stay white. Tiles whose dimensions do not
// match the standard tile size are resampled before pasting, which guards
// against sources that serve retina or non-square tiles.
func Assemble(tiles map[tilemath.TileCoord]image.Image, grid tilemath.TileGrid) *image.RGBA {
	width := grid.Cols * tilemath.TileSize
	height := grid.Rows * tilemath.TileSize

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(blankFill), image.Point{}, draw.Src)

	for x := grid.XMin; x <= grid.XMax; x++ {
		for y := grid.YMin; y <= grid.YMax; y++ {
			tile, ok := tiles[tilemath.TileCoord{X: x, Y: y, Z: grid.Zoom}]
			if !ok {
				continue
			}

			xOff := (x - grid.XMin) * tilemath.TileSize
			yOff := (y - grid.YMin) * tilemath.TileSize
			dst := image.Rect(xOff, yOff, xOff+tilemath.TileSize, yOff+tilemath.TileSize)

			size := tile.Bounds().Size()
			if size.X != tilemath.TileSize || size.Y != tilemath.TileSize {
				xdraw.CatmullRom.Scale(canvas, dst, tile, tile.Bounds(), xdraw.Src, nil)
				continue
			}
			draw.Draw(canvas, dst, tile, tile.Bounds().Min, draw.Src)
		}
	}

	return canvas
}

// CropToBounds crops the assembled canvas to the exact requested bounding
// box using fractional tile coordinates, so the cut is sub-tile accurate.
// Degenerate crop windows (empty after clamping) leave the canvas
// untouched rather than producing a zero-size image.
func CropToBounds(canvas *image.RGBA, grid tilemath.TileGrid, bounds tilemath.GeoBounds) *image.RGBA {
	nwX, nwY := tilemath.ToTileFraction(bounds.North, bounds.West, grid.Zoom)
	seX, seY := tilemath.ToTileFraction(bounds.South, bounds.East, grid.Zoom)

	width := canvas.Bounds().Dx()
	height := canvas.Bounds().Dy()

	left := clamp(int((nwX-float64(grid.XMin))*tilemath.TileSize), 0, width)
	top := clamp(int((nwY-float64(grid.YMin))*tilemath.TileSize), 0, height)
	right := clamp(int((seX-float64(grid.XMin))*tilemath.TileSize), 0, width)
	bottom := clamp(int((seY-float64(grid.YMin))*tilemath.TileSize), 0, height)

	if right <= left || bottom <= top {
		return canvas
	}

	cropped := image.NewRGBA(image.Rect(0, 0, right-left, bottom-top))
	draw.Draw(cropped, cropped.Bounds(), canvas, image.Point{X: left, Y: top}, draw.Src)
	return cropped
}

// MaskPolygon makes every pixel outside the polygon fully transparent.
// Polygon vertices are mapped to pixels by linear interpolation against
// the image's geographic bounds, so the image and bounds must describe the
// same reference frame (the cropped canvas and the requested bbox).
func MaskPolygon(img *image.RGBA, polygon orb.Ring, bounds tilemath.GeoBounds) *image.RGBA {
	if len(polygon) < 3 {
		return img
	}

	width := img.Bounds().Dx()
	height := img.Bounds().Dy()
	latSpan := bounds.North - bounds.South
	lngSpan := bounds.East - bounds.West
	if width == 0 || height == 0 || latSpan <= 0 || lngSpan <= 0 {
		return img
	}

	vertices := make([]vertex, len(polygon))
	for i, p := range polygon {
		vertices[i] = vertex{
			x: (p.Lon() - bounds.West) / lngSpan * float64(width),
			y: (bounds.North - p.Lat()) / latSpan * float64(height),
		}
	}

	mask := rasterize(vertices, width, height)

	out := image.NewRGBA(img.Bounds())
	draw.DrawMask(out, out.Bounds(), img, img.Bounds().Min, mask, image.Point{}, draw.Over)
	return out
}

type vertex struct {
	x, y float64
}

// rasterize fills the polygon into an alpha mask with an even-odd
// scanline sweep, sampling each row at its pixel center.
func rasterize(vertices []vertex, width, height int) *image.Alpha {
	mask := image.NewAlpha(image.Rect(0, 0, width, height))

	for row := 0; row < height; row++ {
		y := float64(row) + 0.5

		var crossings []float64
		for i := range vertices {
			a := vertices[i]
			b := vertices[(i+1)%len(vertices)]
			if (a.y <= y && b.y > y) || (b.y <= y && a.y > y) {
				t := (y - a.y) / (b.y - a.y)
				crossings = append(crossings, a.x+t*(b.x-a.x))
			}
		}
		if len(crossings) < 2 {
			continue
		}
		sort.Float64s(crossings)

		for i := 0; i+1 < len(crossings); i += 2 {
			start := clamp(int(math.Ceil(crossings[i]-0.5)), 0, width)
			end := clamp(int(math.Ceil(crossings[i+1]-0.5)), 0, width)
			for col := start; col < end; col++ {
				mask.SetAlpha(col, row, color.Alpha{A: 255})
			}
		}
	}

	return mask
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
