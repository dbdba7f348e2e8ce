// Package server exposes the map export pipeline over HTTP: source and
// format discovery, tile count estimation, synchronous downloads, and
// asynchronous downloads with SSE progress streaming.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"maptile-export/internal/export"
	"maptile-export/internal/task"
	"maptile-export/internal/tilemath"
)

// estimatedTileBytes is the size assumption used for pre-download
// estimates, roughly one compressed 256x256 imagery tile.
const estimatedTileBytes = 20 * 1024

// progressInterval is the SSE snapshot cadence.
const progressInterval = 300 * time.Millisecond

// Server holds the HTTP handlers around a pipeline runner.
type Server struct {
	runner *task.Runner
}

// New creates a server for the given runner.
func New(runner *task.Runner) *Server {
	return &Server{runner: runner}
}

// Routes returns the API router. The caller mounts it and wraps it with
// whatever middleware the deployment needs.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/sources", s.handleSources)
	r.Get("/formats", s.handleFormats)
	r.Post("/estimate", s.handleEstimate)
	r.Post("/download", s.handleDownload)
	r.Post("/download_with_progress", s.handleDownloadWithProgress)
	r.Get("/download_progress/{id}", s.handleProgress)
	r.Get("/download_result/{id}", s.handleResult)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSources lists the available tile sources. A tianditu_token query
// parameter substitutes the caller's Tianditu API key into the listing.
func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	reg := s.runner.Sources().WithToken(r.URL.Query().Get("tianditu_token"))
	writeJSON(w, http.StatusOK, map[string]any{"sources": reg.All()})
}

type formatInfo struct {
	ID          string `json:"id"`
	ContentType string `json:"contentType"`
	Extension   string `json:"extension"`
}

func (s *Server) handleFormats(w http.ResponseWriter, r *http.Request) {
	formats := make([]formatInfo, 0, 3)
	for _, f := range export.Formats() {
		formats = append(formats, formatInfo{
			ID:          string(f),
			ContentType: f.ContentType(),
			Extension:   f.Extension(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"formats": formats})
}

type estimateRequest struct {
	Bounds  *tilemath.GeoBounds `json:"bounds,omitempty"`
	Polygon []task.LatLng       `json:"polygon,omitempty"`
	Zoom    int                 `json:"zoom"`
}

type estimateResponse struct {
	TileCount       int     `json:"tileCount"`
	EstimatedSizeMB float64 `json:"estimatedSizeMb"`
	MaxTiles        int     `json:"maxTiles"`
	Allowed         bool    `json:"allowed"`
}

// handleEstimate reports the tile count and rough download size for a
// request before any tile is fetched, plus whether the configured budget
// allows it.
func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	bounds, err := task.ResolveBounds(req.Bounds, req.Polygon)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := tilemath.ValidateZoom(req.Zoom); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// Oversized requests still get a count so the client can suggest a
	// lower zoom; Allowed carries the verdict.
	count := tilemath.EstimateTileCount(bounds, req.Zoom)
	writeJSON(w, http.StatusOK, estimateResponse{
		TileCount:       count,
		EstimatedSizeMB: float64(int(float64(count)*estimatedTileBytes/1024/1024*100)) / 100,
		MaxTiles:        s.runner.MaxTiles(),
		Allowed:         count <= s.runner.MaxTiles(),
	})
}

// handleDownload runs the pipeline synchronously and streams the export
// back as a file attachment.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	req, plan, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	res, err := s.runner.Execute(r.Context(), req, plan)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	serveResult(w, res)
}

// handleDownloadWithProgress starts the pipeline in the background and
// returns a task ID for progress polling and result collection.
func (s *Server) handleDownloadWithProgress(w http.ResponseWriter, r *http.Request) {
	req, plan, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	// The pipeline outlives this request, so it cannot run under r.Context().
	t := s.runner.Start(context.Background(), req, plan)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"taskId":     t.ID,
		"totalTiles": plan.Grid.Cols * plan.Grid.Rows,
	})
}

// handleProgress streams task progress as server-sent events until the
// task reaches a terminal state or the client disconnects.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	t, ok := s.runner.Tasks().Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown task %q", chi.URLParam(r, "id")))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		snapshot := t.Snapshot()
		data, err := json.Marshal(snapshot)
		if err != nil {
			log.Printf("[Server] failed to marshal progress for task %s: %v", t.ID, err)
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()

		if snapshot.Status.Terminal() {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// handleResult delivers the finished export and drops the task from the
// registry. Unknown tasks get 404, unfinished or failed ones 400.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := s.runner.Tasks().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown task %q", id))
		return
	}

	res, ok := t.Result()
	if !ok {
		snapshot := t.Snapshot()
		if snapshot.Status == task.StatusFailed {
			writeError(w, http.StatusBadRequest, fmt.Errorf("task failed: %s", snapshot.Error))
		} else {
			writeError(w, http.StatusBadRequest, fmt.Errorf("task not completed (status %s)", snapshot.Status))
		}
		return
	}

	serveResult(w, res)
	s.runner.Tasks().Remove(id)
}

// decodeRequest parses and resolves an export request, answering the
// request itself on validation failure.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (*task.Request, *task.Plan, bool) {
	var req task.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return nil, nil, false
	}
	plan, err := s.runner.Resolve(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return nil, nil, false
	}
	return &req, plan, true
}

func serveResult(w http.ResponseWriter, res *task.Result) {
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(res.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Data); err != nil {
		log.Printf("[Server] failed to write result: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Server] failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
