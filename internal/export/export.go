// Package export serializes a mosaic and its geographic bounds into an
// output byte stream. Encoders declare the formats they can produce;
// the exporter picks by capability and degrades GeoTIFF to PNG rather
// than failing the task when no GeoTIFF encoder is available.
package export

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"
	"log"
	"strings"

	"maptile-export/internal/tilemath"
	"maptile-export/pkg/geotiff"
)

// Format is an output raster format.
type Format string

const (
	FormatGeoTIFF Format = "geotiff"
	FormatPNG     Format = "png"
	FormatJPEG    Format = "jpeg"
)

// Formats lists the supported output formats.
func Formats() []Format {
	return []Format{FormatGeoTIFF, FormatPNG, FormatJPEG}
}

// ParseFormat normalizes a user-supplied format string.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "geotiff":
		return FormatGeoTIFF, nil
	case "png":
		return FormatPNG, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	}
	return "", fmt.Errorf("unsupported format: %q (supported: geotiff, png, jpeg)", s)
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatGeoTIFF:
		return "image/tiff"
	case FormatJPEG:
		return "image/jpeg"
	default:
		return "image/png"
	}
}

// Extension returns the filename extension for the format.
func (f Format) Extension() string {
	switch f {
	case FormatGeoTIFF:
		return ".tif"
	case FormatJPEG:
		return ".jpg"
	default:
		return ".png"
	}
}

// Encoder serializes an image for the formats it declares.
type Encoder interface {
	Formats() []Format
	Encode(w io.Writer, img image.Image, bounds tilemath.GeoBounds) error
}

// Exporter routes an export request to a capable encoder.
type Exporter struct {
	encoders map[Format]Encoder
}

// NewExporter builds an exporter from the given encoders, registered under
// every format each one declares.
func NewExporter(encoders ...Encoder) *Exporter {
	e := &Exporter{encoders: make(map[Format]Encoder)}
	for _, enc := range encoders {
		for _, f := range enc.Formats() {
			e.encoders[f] = enc
		}
	}
	return e
}

// Default returns an exporter with the full encoder set.
func Default(jpegQuality int) *Exporter {
	return NewExporter(
		PNGEncoder{},
		JPEGEncoder{Quality: jpegQuality},
		GeoTIFFEncoder{},
	)
}

// Supports reports whether a format has a registered encoder.
func (e *Exporter) Supports(f Format) bool {
	_, ok := e.encoders[f]
	return ok
}

// Export serializes the image in the requested format. It returns the
// encoded bytes together with the format actually produced: a GeoTIFF
// request falls back to PNG when no GeoTIFF encoder is registered or the
// encoder fails, so the caller still gets a usable image.
func (e *Exporter) Export(img image.Image, bounds tilemath.GeoBounds, format Format) ([]byte, Format, error) {
	enc, ok := e.encoders[format]
	if !ok {
		if format == FormatGeoTIFF {
			log.Printf("[Export] no GeoTIFF encoder available, falling back to PNG")
			return e.Export(img, bounds, FormatPNG)
		}
		return nil, "", fmt.Errorf("no encoder registered for format %q", format)
	}

	var buf bytes.Buffer
	if err := enc.Encode(&buf, img, bounds); err != nil {
		if format == FormatGeoTIFF {
			log.Printf("[Export] GeoTIFF encode failed: %v, falling back to PNG", err)
			return e.Export(img, bounds, FormatPNG)
		}
		return nil, "", fmt.Errorf("failed to encode %s: %w", format, err)
	}
	return buf.Bytes(), format, nil
}

// PNGEncoder writes lossless PNG, preserving alpha from masked mosaics.
type PNGEncoder struct{}

func (PNGEncoder) Formats() []Format { return []Format{FormatPNG} }

func (PNGEncoder) Encode(w io.Writer, img image.Image, _ tilemath.GeoBounds) error {
	return png.Encode(w, img)
}

// JPEGEncoder writes lossy JPEG. Images carrying alpha are flattened onto
// a white background first, since JPEG has no transparency.
type JPEGEncoder struct {
	Quality int
}

func (JPEGEncoder) Formats() []Format { return []Format{FormatJPEG} }

func (e JPEGEncoder) Encode(w io.Writer, img image.Image, _ tilemath.GeoBounds) error {
	quality := e.Quality
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	return jpeg.Encode(w, flatten(img), &jpeg.Options{Quality: quality})
}

// GeoTIFFEncoder writes a Deflate-compressed GeoTIFF tagged EPSG:4326,
// with the affine transform derived from the image bounds.
type GeoTIFFEncoder struct{}

func (GeoTIFFEncoder) Formats() []Format { return []Format{FormatGeoTIFF} }

func (GeoTIFFEncoder) Encode(w io.Writer, img image.Image, bounds tilemath.GeoBounds) error {
	geo := geotiff.WGS84(bounds.West, bounds.South, bounds.East, bounds.North,
		img.Bounds().Dx(), img.Bounds().Dy())
	return geotiff.Encode(w, img, geo)
}

func flatten(img image.Image) image.Image {
	if opaquer, ok := img.(interface{ Opaque() bool }); ok && opaquer.Opaque() {
		return img
	}
	flat := image.NewRGBA(img.Bounds())
	draw.Draw(flat, flat.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), img, img.Bounds().Min, draw.Over)
	return flat
}
