package task

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maptile-export/internal/config"
	"maptile-export/internal/sources"
	"maptile-export/internal/tilemath"
)

// newTileServer serves a solid opaque tile for every request.
func newTileServer(t *testing.T) *httptest.Server {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, tilemath.TileSize, tilemath.TileSize))
	for y := 0; y < tilemath.TileSize; y++ {
		for x := 0; x < tilemath.TileSize; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 10, G: 200, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	data := buf.Bytes()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
}

func newTestRunner(t *testing.T, serverURL string) *Runner {
	t.Helper()
	settings := config.DefaultSettings()
	settings.MaxConcurrent = 4
	settings.RetryCount = 0
	settings.RequestDelay = 0
	settings.Timeout = 5 * time.Second

	reg, err := sources.NewRegistry(sources.Source{
		Key:         "test",
		Name:        "Test",
		URLTemplate: serverURL + "/{z}/{x}/{y}.png",
		MaxZoom:     20,
	})
	require.NoError(t, err)

	return NewRunner(settings, reg, NewRegistry(settings.MaxTasksHeld, settings.TaskTTL))
}

func TestExecutePipeline(t *testing.T) {
	srv := newTileServer(t)
	defer srv.Close()
	runner := newTestRunner(t, srv.URL)

	req := &Request{Bounds: &beijing, Zoom: 15, Source: "test", Format: "png"}
	plan, err := runner.Resolve(req)
	require.NoError(t, err)

	res, err := runner.Execute(context.Background(), req, plan)
	require.NoError(t, err)

	assert.Equal(t, "image/png", res.ContentType)
	assert.True(t, strings.HasPrefix(res.Filename, "map_"), res.Filename)
	assert.True(t, strings.HasSuffix(res.Filename, ".png"), res.Filename)

	decoded, err := png.Decode(bytes.NewReader(res.Data))
	require.NoError(t, err)

	// The crop keeps the image within the grid's canvas and non-empty.
	assert.Greater(t, decoded.Bounds().Dx(), 0)
	assert.Greater(t, decoded.Bounds().Dy(), 0)
	assert.LessOrEqual(t, decoded.Bounds().Dx(), plan.Grid.Cols*tilemath.TileSize)
	assert.LessOrEqual(t, decoded.Bounds().Dy(), plan.Grid.Rows*tilemath.TileSize)
}

func TestExecuteWithPolygonMask(t *testing.T) {
	srv := newTileServer(t)
	defer srv.Close()
	runner := newTestRunner(t, srv.URL)

	// Lower-left triangle of the Beijing box.
	req := &Request{
		Polygon: []LatLng{
			{Lat: 39.90, Lng: 116.38},
			{Lat: 39.90, Lng: 116.40},
			{Lat: 39.92, Lng: 116.38},
		},
		Zoom:        15,
		Source:      "test",
		Format:      "png",
		CropToShape: true,
	}
	plan, err := runner.Resolve(req)
	require.NoError(t, err)

	res, err := runner.Execute(context.Background(), req, plan)
	require.NoError(t, err)

	decoded, err := png.Decode(bytes.NewReader(res.Data))
	require.NoError(t, err)
	w := decoded.Bounds().Dx()
	h := decoded.Bounds().Dy()

	// Outside the triangle (top-right corner) is transparent, inside
	// (bottom-left) shows the tile color.
	_, _, _, a := decoded.At(w-1, 0).RGBA()
	assert.Equal(t, uint32(0), a)
	_, _, _, a = decoded.At(0, h-1).RGBA()
	assert.NotEqual(t, uint32(0), a)
}

func TestStartRunsAsync(t *testing.T) {
	srv := newTileServer(t)
	defer srv.Close()
	runner := newTestRunner(t, srv.URL)

	req := &Request{Bounds: &beijing, Zoom: 15, Source: "test", Format: "png"}
	plan, err := runner.Resolve(req)
	require.NoError(t, err)

	tk := runner.Start(context.Background(), req, plan)

	// The task is registered and pollable immediately.
	got, ok := runner.Tasks().Get(tk.ID)
	require.True(t, ok)
	assert.Same(t, tk, got)

	deadline := time.After(10 * time.Second)
	for !tk.Snapshot().Status.Terminal() {
		select {
		case <-deadline:
			t.Fatalf("task did not finish, status %s", tk.Snapshot().Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	snapshot := tk.Snapshot()
	require.Equal(t, StatusCompleted, snapshot.Status)
	assert.Equal(t, 8, snapshot.Total)
	assert.Equal(t, 8, snapshot.Completed)
	assert.InDelta(t, 100.0, snapshot.Percent, 0.01)

	res, ok := tk.Result()
	require.True(t, ok)
	assert.NotEmpty(t, res.Data)
}

func TestExecuteFailsWhenAllTilesFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	runner := newTestRunner(t, srv.URL)

	req := &Request{Bounds: &beijing, Zoom: 15, Source: "test", Format: "png"}
	plan, err := runner.Resolve(req)
	require.NoError(t, err)

	_, err = runner.Execute(context.Background(), req, plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "download failed")
}

func TestExecuteGeoTIFF(t *testing.T) {
	srv := newTileServer(t)
	defer srv.Close()
	runner := newTestRunner(t, srv.URL)

	req := &Request{Bounds: &beijing, Zoom: 15, Source: "test", Format: "geotiff"}
	plan, err := runner.Resolve(req)
	require.NoError(t, err)

	res, err := runner.Execute(context.Background(), req, plan)
	require.NoError(t, err)
	assert.Equal(t, "image/tiff", res.ContentType)
	assert.True(t, strings.HasSuffix(res.Filename, ".tif"), res.Filename)
}
