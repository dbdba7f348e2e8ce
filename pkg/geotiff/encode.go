// Package geotiff writes georeferenced TIFF rasters. The encoder emits a
// single-strip, Deflate-compressed baseline TIFF plus the GeoTIFF tags
// (model tiepoint, pixel scale, geokey directory) that tie the raster to a
// coordinate reference system.
package geotiff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"math"
	"sort"
)

// TIFF field types.
const (
	typeShort  = 3
	typeLong   = 4
	typeDouble = 12
)

// Baseline TIFF tags.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagExtraSamples    = 338
)

// GeoTIFF tags.
const (
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGeoKeyDirectory = 34735
)

const (
	compressionDeflate  = 8
	photometricRGB      = 2
	extraSampleUnassoc  = 2
	epsgWGS84           = 4326
	rasterPixelIsArea   = 1
	modelTypeProjected  = 1
	modelTypeGeographic = 2
	angularUnitDegree   = 9102
	linearUnitMeter     = 9001
)

var le = binary.LittleEndian

// Georeference ties raster pixel (0,0) to a world coordinate and gives the
// per-pixel scale. EPSG selects the CRS written into the geokey directory;
// geographic systems (EPSG:4326) get angular units, projected ones meters.
type Georeference struct {
	OriginX     float64 // world X (longitude or easting) of pixel (0,0)
	OriginY     float64 // world Y (latitude or northing) of pixel (0,0)
	PixelWidth  float64 // world units per pixel, X axis
	PixelHeight float64 // world units per pixel, Y axis (positive; rows go south)
	EPSG        uint16
}

// WGS84 builds a Georeference for a raster spanning the given geographic
// bounds, mapping pixel (0,0) to (west, north).
func WGS84(west, south, east, north float64, width, height int) Georeference {
	return Georeference{
		OriginX:     west,
		OriginY:     north,
		PixelWidth:  (east - west) / float64(width),
		PixelHeight: (north - south) / float64(height),
		EPSG:        epsgWGS84,
	}
}

type field struct {
	tag      uint16
	fieldTyp uint16
	count    uint32
	data     []byte
}

// Encode writes m as a georeferenced TIFF. Opaque images are written as
// 8-bit RGB, others as RGBA with an unassociated alpha channel.
func Encode(w io.Writer, m image.Image, geo Georeference) error {
	bounds := m.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return fmt.Errorf("geotiff: cannot encode empty image %dx%d", width, height)
	}

	samples := 4
	if opaquer, ok := m.(interface{ Opaque() bool }); ok && opaquer.Opaque() {
		samples = 3
	}

	strip, err := compressPixels(m, samples)
	if err != nil {
		return err
	}

	fields := baselineFields(width, height, samples)
	fields = append(fields, geoFields(geo)...)
	sort.Slice(fields, func(i, j int) bool { return fields[i].tag < fields[j].tag })

	// Layout: 8-byte header, IFD, out-of-line values, pixel strip.
	ifdSize := 2 + 12*len(fields) + 4
	valueOffset := uint32(8 + ifdSize)

	var values bytes.Buffer
	for i := range fields {
		f := &fields[i]
		if len(f.data) <= 4 {
			continue
		}
		offset := valueOffset + uint32(values.Len())
		values.Write(f.data)
		f.data = encLong(offset)
	}

	stripOffset := valueOffset + uint32(values.Len())
	for i := range fields {
		switch fields[i].tag {
		case tagStripOffsets:
			fields[i].data = encLong(stripOffset)
		case tagStripByteCounts:
			fields[i].data = encLong(uint32(len(strip)))
		}
	}

	// Header: little-endian magic, version 42, first IFD at byte 8.
	if _, err := w.Write([]byte{'I', 'I', 0x2A, 0x00, 0x08, 0x00, 0x00, 0x00}); err != nil {
		return err
	}
	if err := binary.Write(w, le, uint16(len(fields))); err != nil {
		return err
	}
	for _, f := range fields {
		if err := binary.Write(w, le, f.tag); err != nil {
			return err
		}
		if err := binary.Write(w, le, f.fieldTyp); err != nil {
			return err
		}
		if err := binary.Write(w, le, f.count); err != nil {
			return err
		}
		var inline [4]byte
		copy(inline[:], f.data)
		if _, err := w.Write(inline[:]); err != nil {
			return err
		}
	}
	if err := binary.Write(w, le, uint32(0)); err != nil { // no next IFD
		return err
	}
	if _, err := values.WriteTo(w); err != nil {
		return err
	}
	if _, err := w.Write(strip); err != nil {
		return err
	}
	return nil
}

// compressPixels serializes the image as interleaved 8-bit samples in one
// strip and Deflate-compresses it.
func compressPixels(m image.Image, samples int) ([]byte, error) {
	bounds := m.Bounds()

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	row := make([]byte, bounds.Dx()*samples)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		i := 0
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, a := m.At(x, y).RGBA()
			row[i+0] = uint8(r >> 8)
			row[i+1] = uint8(g >> 8)
			row[i+2] = uint8(b >> 8)
			if samples == 4 {
				row[i+3] = uint8(a >> 8)
			}
			i += samples
		}
		if _, err := zw.Write(row); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func baselineFields(width, height, samples int) []field {
	bits := make([]uint16, samples)
	for i := range bits {
		bits[i] = 8
	}

	fields := []field{
		{tagImageWidth, typeLong, 1, encLong(uint32(width))},
		{tagImageLength, typeLong, 1, encLong(uint32(height))},
		{tagBitsPerSample, typeShort, uint32(samples), encShorts(bits)},
		{tagCompression, typeShort, 1, encShort(compressionDeflate)},
		{tagPhotometric, typeShort, 1, encShort(photometricRGB)},
		{tagStripOffsets, typeLong, 1, make([]byte, 4)}, // patched after layout
		{tagSamplesPerPixel, typeShort, 1, encShort(uint16(samples))},
		{tagRowsPerStrip, typeLong, 1, encLong(uint32(height))},
		{tagStripByteCounts, typeLong, 1, make([]byte, 4)}, // patched after layout
	}
	if samples == 4 {
		fields = append(fields, field{tagExtraSamples, typeShort, 1, encShort(extraSampleUnassoc)})
	}
	return fields
}

func geoFields(geo Georeference) []field {
	tiepoint := []float64{0, 0, 0, geo.OriginX, geo.OriginY, 0}
	pixelScale := []float64{geo.PixelWidth, geo.PixelHeight, 0}

	var keys []uint16
	if geo.EPSG == epsgWGS84 {
		keys = []uint16{
			1, 1, 0, 4,
			1024, 0, 1, modelTypeGeographic,
			1025, 0, 1, rasterPixelIsArea,
			2048, 0, 1, epsgWGS84,
			2054, 0, 1, angularUnitDegree,
		}
	} else {
		keys = []uint16{
			1, 1, 0, 4,
			1024, 0, 1, modelTypeProjected,
			1025, 0, 1, rasterPixelIsArea,
			3072, 0, 1, geo.EPSG,
			3076, 0, 1, linearUnitMeter,
		}
	}

	return []field{
		{tagModelPixelScale, typeDouble, 3, encDoubles(pixelScale)},
		{tagModelTiepoint, typeDouble, 6, encDoubles(tiepoint)},
		{tagGeoKeyDirectory, typeShort, uint32(len(keys)), encShorts(keys)},
	}
}

func encShort(v uint16) []byte {
	b := make([]byte, 2)
	le.PutUint16(b, v)
	return b
}

func encLong(v uint32) []byte {
	b := make([]byte, 4)
	le.PutUint32(b, v)
	return b
}

func encShorts(vs []uint16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		le.PutUint16(b[i*2:], v)
	}
	return b
}

func encDoubles(vs []float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		le.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return b
}
