package task

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"

	"maptile-export/internal/export"
	"maptile-export/internal/sources"
	"maptile-export/internal/tilemath"
)

// ErrTooManyTiles is returned when a request would exceed the tile budget.
// It fires before any network activity.
var ErrTooManyTiles = errors.New("tile count exceeds the allowed maximum")

// LatLng is one polygon vertex.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Request is a map export request as submitted by a client. Either Bounds
// or a Polygon of at least three vertices must be given; a polygon implies
// its bounding box.
type Request struct {
	Bounds      *tilemath.GeoBounds `json:"bounds,omitempty"`
	Polygon     []LatLng            `json:"polygon,omitempty"`
	Zoom        int                 `json:"zoom"`
	Source      string              `json:"source"`
	Format      string              `json:"format"`
	CropToShape bool                `json:"cropToShape"`

	// Per-request overrides for the configured defaults.
	Proxy         string `json:"proxy,omitempty"`
	TiandituToken string `json:"tiandituToken,omitempty"`
}

// Plan is a validated, fully resolved request ready for the pipeline.
type Plan struct {
	Bounds  tilemath.GeoBounds
	Polygon orb.Ring // nil when the request had no polygon
	Grid    tilemath.TileGrid
	Source  sources.Source
	Format  export.Format
}

// Resolve validates the request against the source registry and tile
// budget and computes the tile grid. All rejections happen here, before
// the first tile request goes out.
func (req *Request) Resolve(reg *sources.Registry, maxTiles int) (*Plan, error) {
	plan := &Plan{}

	bounds, err := ResolveBounds(req.Bounds, req.Polygon)
	if err != nil {
		return nil, err
	}
	plan.Bounds = bounds

	if len(req.Polygon) >= 3 {
		plan.Polygon = make(orb.Ring, len(req.Polygon))
		for i, p := range req.Polygon {
			plan.Polygon[i] = orb.Point{p.Lng, p.Lat}
		}
	}

	if err := tilemath.ValidateZoom(req.Zoom); err != nil {
		return nil, err
	}

	src, err := reg.WithToken(req.TiandituToken).Get(req.Source)
	if err != nil {
		return nil, err
	}
	if req.Zoom > src.MaxZoom {
		return nil, fmt.Errorf("zoom %d exceeds max zoom %d of source %q", req.Zoom, src.MaxZoom, src.Key)
	}
	plan.Source = src

	plan.Format, err = export.ParseFormat(req.Format)
	if err != nil {
		return nil, err
	}

	plan.Grid = tilemath.GridForBounds(plan.Bounds, req.Zoom)
	if count := plan.Grid.Cols * plan.Grid.Rows; count > maxTiles {
		return nil, fmt.Errorf("%w: %d > %d (reduce the area or zoom level)", ErrTooManyTiles, count, maxTiles)
	}

	return plan, nil
}

// ResolveBounds determines the effective bounding box of a request:
// explicit bounds win, otherwise the polygon's bounding box is used. The
// result is validated.
func ResolveBounds(bounds *tilemath.GeoBounds, polygon []LatLng) (tilemath.GeoBounds, error) {
	var b tilemath.GeoBounds
	switch {
	case bounds != nil:
		b = *bounds
	case len(polygon) >= 3:
		b = polygonBounds(polygon)
	case len(polygon) > 0:
		return b, fmt.Errorf("polygon needs at least 3 vertices, got %d", len(polygon))
	default:
		return b, errors.New("either bounds or a polygon is required")
	}
	if err := b.Validate(); err != nil {
		return b, err
	}
	return b, nil
}

func polygonBounds(polygon []LatLng) tilemath.GeoBounds {
	b := tilemath.GeoBounds{
		North: polygon[0].Lat, South: polygon[0].Lat,
		East: polygon[0].Lng, West: polygon[0].Lng,
	}
	for _, p := range polygon[1:] {
		if p.Lat > b.North {
			b.North = p.Lat
		}
		if p.Lat < b.South {
			b.South = p.Lat
		}
		if p.Lng > b.East {
			b.East = p.Lng
		}
		if p.Lng < b.West {
			b.West = p.Lng
		}
	}
	return b
}
