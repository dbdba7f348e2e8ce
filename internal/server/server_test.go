package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maptile-export/internal/config"
	"maptile-export/internal/sources"
	"maptile-export/internal/task"
	"maptile-export/internal/tilemath"
)

var beijing = tilemath.GeoBounds{North: 39.92, South: 39.90, East: 116.40, West: 116.38}

func tileData(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, tilemath.TileSize, tilemath.TileSize))
	for y := 0; y < tilemath.TileSize; y++ {
		for x := 0; x < tilemath.TileSize; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 60, G: 60, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// newTestAPI wires a full API server against a fake tile service. The
// returned registry holds one source named "test" plus the built-ins.
func newTestAPI(t *testing.T, tileHandler http.HandlerFunc) *httptest.Server {
	t.Helper()
	tileSrv := httptest.NewServer(tileHandler)
	t.Cleanup(tileSrv.Close)

	settings := config.DefaultSettings()
	settings.MaxConcurrent = 4
	settings.RetryCount = 0
	settings.RequestDelay = 0
	settings.Timeout = 5 * time.Second

	reg, err := sources.BuiltIn().WithCustom(sources.Source{
		Key:         "test",
		Name:        "Test",
		URLTemplate: tileSrv.URL + "/{z}/{x}/{y}.png",
		MaxZoom:     20,
	})
	require.NoError(t, err)

	runner := task.NewRunner(settings, reg, task.NewRegistry(settings.MaxTasksHeld, settings.TaskTTL))
	api := httptest.NewServer(New(runner).Routes())
	t.Cleanup(api.Close)
	return api
}

func newWorkingAPI(t *testing.T) *httptest.Server {
	data := tileData(t)
	return newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	})
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func postJSON(t *testing.T, url string, body any) (*http.Response, []byte) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealth(t *testing.T) {
	api := newWorkingAPI(t)

	var out map[string]string
	resp := getJSON(t, api.URL+"/health", &out)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["status"])
}

func TestListSources(t *testing.T) {
	api := newWorkingAPI(t)

	var out struct {
		Sources []sources.Source `json:"sources"`
	}
	resp := getJSON(t, api.URL+"/sources", &out)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, out.Sources)

	keys := make([]string, 0, len(out.Sources))
	for _, s := range out.Sources {
		keys = append(keys, s.Key)
	}
	assert.Contains(t, keys, "osm")
	assert.Contains(t, keys, "test")
}

func TestListSourcesWithToken(t *testing.T) {
	api := newWorkingAPI(t)

	var out struct {
		Sources []sources.Source `json:"sources"`
	}
	getJSON(t, api.URL+"/sources?tianditu_token=abc123", &out)

	var tianditu *sources.Source
	for i := range out.Sources {
		if out.Sources[i].Key == "tianditu_satellite" {
			tianditu = &out.Sources[i]
		}
	}
	require.NotNil(t, tianditu)
	assert.Contains(t, tianditu.URLTemplate, "tk=abc123")
}

func TestListFormats(t *testing.T) {
	api := newWorkingAPI(t)

	var out struct {
		Formats []formatInfo `json:"formats"`
	}
	resp := getJSON(t, api.URL+"/formats", &out)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out.Formats, 3)
	assert.Equal(t, "geotiff", out.Formats[0].ID)
	assert.Equal(t, ".tif", out.Formats[0].Extension)
}

func TestEstimate(t *testing.T) {
	api := newWorkingAPI(t)

	resp, body := postJSON(t, api.URL+"/estimate", map[string]any{
		"bounds": beijing,
		"zoom":   15,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var out estimateResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 8, out.TileCount)
	assert.True(t, out.Allowed)
	assert.Greater(t, out.EstimatedSizeMB, 0.0)
}

func TestEstimateOverBudget(t *testing.T) {
	api := newWorkingAPI(t)

	world := tilemath.GeoBounds{North: 85, South: -85, East: 179, West: -179}
	resp, body := postJSON(t, api.URL+"/estimate", map[string]any{
		"bounds": world,
		"zoom":   15,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out estimateResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.False(t, out.Allowed)
	assert.Greater(t, out.TileCount, out.MaxTiles)
}

func TestEstimateValidation(t *testing.T) {
	api := newWorkingAPI(t)

	resp, _ := postJSON(t, api.URL+"/estimate", map[string]any{"zoom": 15})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = postJSON(t, api.URL+"/estimate", map[string]any{"bounds": beijing, "zoom": 42})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSyncDownload(t *testing.T) {
	api := newWorkingAPI(t)

	resp, body := postJSON(t, api.URL+"/download", map[string]any{
		"bounds": beijing,
		"zoom":   15,
		"source": "test",
		"format": "png",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "map_")

	decoded, err := png.Decode(bytes.NewReader(body))
	require.NoError(t, err)
	assert.Greater(t, decoded.Bounds().Dx(), 0)
}

func TestDownloadValidation(t *testing.T) {
	api := newWorkingAPI(t)

	// Unknown source.
	resp, body := postJSON(t, api.URL+"/download", map[string]any{
		"bounds": beijing, "zoom": 15, "source": "nope", "format": "png",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.Unmarshal(body, &out))
	assert.NotEmpty(t, out["error"])

	// Missing area.
	resp, _ = postJSON(t, api.URL+"/download", map[string]any{
		"zoom": 15, "source": "test", "format": "png",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Malformed body.
	raw, err := http.Post(api.URL+"/download", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestAsyncDownloadFlow(t *testing.T) {
	api := newWorkingAPI(t)

	resp, body := postJSON(t, api.URL+"/download_with_progress", map[string]any{
		"bounds": beijing,
		"zoom":   15,
		"source": "test",
		"format": "png",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var started struct {
		TaskID     string `json:"taskId"`
		TotalTiles int    `json:"totalTiles"`
	}
	require.NoError(t, json.Unmarshal(body, &started))
	require.NotEmpty(t, started.TaskID)
	assert.Equal(t, 8, started.TotalTiles)

	// The SSE stream ends once the task reaches a terminal state.
	sseResp, err := http.Get(api.URL + "/download_progress/" + started.TaskID)
	require.NoError(t, err)
	sseBody, err := io.ReadAll(sseResp.Body)
	sseResp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", sseResp.Header.Get("Content-Type"))
	assert.Contains(t, string(sseBody), "data: ")
	assert.Contains(t, string(sseBody), `"status":"completed"`)

	// Collect the result.
	res, err := http.Get(api.URL + "/download_result/" + started.TaskID)
	require.NoError(t, err)
	data, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "image/png", res.Header.Get("Content-Type"))
	_, err = png.Decode(bytes.NewReader(data))
	assert.NoError(t, err)

	// Delivery removes the task.
	gone, err := http.Get(api.URL + "/download_result/" + started.TaskID)
	require.NoError(t, err)
	gone.Body.Close()
	assert.Equal(t, http.StatusNotFound, gone.StatusCode)
}

func TestResultBeforeCompletion(t *testing.T) {
	data := tileData(t)
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write(data)
	})

	resp, body := postJSON(t, api.URL+"/download_with_progress", map[string]any{
		"bounds": beijing, "zoom": 15, "source": "test", "format": "png",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var started struct {
		TaskID string `json:"taskId"`
	}
	require.NoError(t, json.Unmarshal(body, &started))

	res, err := http.Get(api.URL + "/download_result/" + started.TaskID)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestUnknownTask(t *testing.T) {
	api := newWorkingAPI(t)

	resp, err := http.Get(api.URL + "/download_progress/does-not-exist")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(api.URL + "/download_result/does-not-exist")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSyncDownloadUpstreamFailure(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	resp, body := postJSON(t, api.URL+"/download", map[string]any{
		"bounds": beijing, "zoom": 15, "source": "test", "format": "png",
	})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Contains(t, out["error"], "download failed")
}
