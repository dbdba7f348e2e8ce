package task

import (
	"context"
	"fmt"
	"image"
	"log"
	"time"

	"maptile-export/internal/config"
	"maptile-export/internal/downloader"
	"maptile-export/internal/export"
	"maptile-export/internal/mosaic"
	"maptile-export/internal/naming"
	"maptile-export/internal/sources"
)

// Runner executes export requests through the full pipeline: download the
// tile grid, assemble and crop the mosaic, apply the polygon mask, and
// encode the output.
type Runner struct {
	settings *config.Settings
	sources  *sources.Registry
	exporter *export.Exporter
	tasks    *Registry
}

// NewRunner wires a runner from the loaded settings.
func NewRunner(settings *config.Settings, reg *sources.Registry, tasks *Registry) *Runner {
	return &Runner{
		settings: settings,
		sources:  reg,
		exporter: export.Default(settings.JPEGQuality),
		tasks:    tasks,
	}
}

// Tasks exposes the task registry for progress and result lookups.
func (r *Runner) Tasks() *Registry { return r.tasks }

// Sources exposes the source registry for request resolution.
func (r *Runner) Sources() *sources.Registry { return r.sources }

// MaxTiles returns the configured tile budget per request.
func (r *Runner) MaxTiles() int { return r.settings.MaxTiles }

// Resolve validates a request against the configured registry and budget.
func (r *Runner) Resolve(req *Request) (*Plan, error) {
	return req.Resolve(r.sources, r.settings.MaxTiles)
}

// Execute runs a resolved request synchronously and returns the export
// payload.
func (r *Runner) Execute(ctx context.Context, req *Request, plan *Plan) (*Result, error) {
	t := New(plan.Grid.Cols * plan.Grid.Rows)
	r.run(ctx, t, req, plan)

	if res, ok := t.Result(); ok {
		return res, nil
	}
	return nil, t.Snapshot().errOrUnknown()
}

// Start registers a task for a resolved request and runs the pipeline in
// the background. The returned task is immediately pollable.
func (r *Runner) Start(ctx context.Context, req *Request, plan *Plan) *Task {
	t := New(plan.Grid.Cols * plan.Grid.Rows)
	r.tasks.Add(t)

	go r.run(ctx, t, req, plan)
	return t
}

func (r *Runner) run(ctx context.Context, t *Task, req *Request, plan *Plan) {
	started := time.Now()
	grid := plan.Grid
	log.Printf("[Task] %s started: source=%s zoom=%d tiles=%dx%d", t.ID, plan.Source.Key, grid.Zoom, grid.Cols, grid.Rows)

	proxy := r.settings.Proxy
	if req.Proxy != "" {
		proxy = req.Proxy
	}

	dl, err := downloader.New(plan.Source, downloader.Options{
		MaxConcurrent: r.settings.MaxConcurrent,
		RetryCount:    r.settings.RetryCount,
		Timeout:       r.settings.Timeout,
		Delay:         r.settings.RequestDelay,
		Proxy:         proxy,
	})
	if err != nil {
		r.fail(t, err)
		return
	}

	t.SetStatus(StatusDownloading)
	tiles, _, err := dl.Download(ctx, grid.Tiles(), func(p downloader.Progress) {
		t.SetTiles(p.Completed, p.Failed)
	})
	if err != nil {
		r.fail(t, fmt.Errorf("download failed: %w", err))
		return
	}

	t.SetStatus(StatusMerging)
	canvas := mosaic.Assemble(tiles, grid)
	canvas = mosaic.CropToBounds(canvas, grid, plan.Bounds)

	var img image.Image = canvas
	if req.CropToShape && plan.Polygon != nil {
		img = mosaic.MaskPolygon(canvas, plan.Polygon, plan.Bounds)
	}

	t.SetStatus(StatusExporting)
	data, actual, err := r.exporter.Export(img, plan.Bounds, plan.Format)
	if err != nil {
		r.fail(t, fmt.Errorf("export failed: %w", err))
		return
	}

	t.Complete(&Result{
		Data:        data,
		ContentType: actual.ContentType(),
		Filename:    naming.ExportFilename(time.Now(), grid.Zoom, actual.Extension()),
	})
	log.Printf("[Task] %s completed in %s: %d bytes (%s)", t.ID, time.Since(started).Round(time.Millisecond), len(data), actual)
}

func (r *Runner) fail(t *Task, err error) {
	t.Fail(err)
	log.Printf("[Task] %s failed: %v", t.ID, err)
}

func (p Progress) errOrUnknown() error {
	if p.Error != "" {
		return fmt.Errorf("task failed: %s", p.Error)
	}
	return fmt.Errorf("task finished without a result (status %s)", p.Status)
}
