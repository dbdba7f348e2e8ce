// Package downloader fetches batches of map tiles under bounded
// concurrency, with per-tile retry and progress reporting. Tile failures
// are non-fatal: a batch only fails when no tile at all could be fetched.
package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/sync/semaphore"

	"maptile-export/internal/sources"
	"maptile-export/internal/tilemath"
)

// ErrNoTiles is returned when a batch finishes with zero successful tiles.
var ErrNoTiles = errors.New("no tiles downloaded successfully")

// Status describes where a batch is in its lifecycle.
type Status string

const (
	StatusPending             Status = "pending"
	StatusDownloading         Status = "downloading"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
)

// Progress is a snapshot of a running batch. Completed and Failed are
// monotonic and their sum never exceeds Total.
type Progress struct {
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Status    Status `json:"status"`
}

// Percent returns the completion percentage rounded to one decimal.
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(int(float64(p.Completed)/float64(p.Total)*1000)) / 10
}

// Observer receives a progress snapshot after every tile resolves, whether
// it succeeded or exhausted its retries. Snapshots arrive in completion
// order, which is unordered with respect to tile coordinates.
type Observer func(Progress)

// Options configures a batch download.
type Options struct {
	MaxConcurrent int
	RetryCount    int           // extra attempts after the first
	Timeout       time.Duration // per request
	Delay         time.Duration // base inter-request delay, jittered per attempt
	RetryBackoff  time.Duration // linear backoff unit between attempts
	Proxy         string        // optional proxy URL; domestic sources bypass it
}

func (o *Options) normalize() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 10
	}
	if o.RetryCount < 0 {
		o.RetryCount = 0
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
}

// Downloader fetches tiles from one source.
type Downloader struct {
	source sources.Source
	opts   Options
	sem    *semaphore.Weighted
	client *http.Client
}

// New creates a downloader for a source. The HTTP connection pool is sized
// to the concurrency limit; the proxy is routed around for domestic hosts.
func New(source sources.Source, opts Options) (*Downloader, error) {
	opts.normalize()

	transport := &http.Transport{
		MaxIdleConns:        opts.MaxConcurrent,
		MaxIdleConnsPerHost: opts.MaxConcurrent,
	}
	if opts.Proxy != "" && !source.BypassProxy() {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", opts.Proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	} else if opts.Proxy != "" {
		log.Printf("[Downloader] %s is domestically hosted, bypassing proxy", source.Key)
	}

	return &Downloader{
		source: source,
		opts:   opts,
		sem:    semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		client: &http.Client{Transport: transport},
	}, nil
}

type tileResult struct {
	tile tilemath.TileCoord
	img  image.Image
	err  error
}

// Download fetches every tile in the batch and returns the successfully
// decoded bitmaps keyed by coordinate, plus the final progress. The
// observer, if non-nil, is invoked after each tile resolves. The batch
// runs every scheduled fetch to completion; ctx bounds admission and the
// individual requests.
func (d *Downloader) Download(ctx context.Context, tiles []tilemath.TileCoord, onProgress Observer) (map[tilemath.TileCoord]image.Image, Progress, error) {
	progress := Progress{Total: len(tiles), Status: StatusDownloading}
	images := make(map[tilemath.TileCoord]image.Image, len(tiles))
	if len(tiles) == 0 {
		progress.Status = StatusCompleted
		return images, progress, fmt.Errorf("%w: empty batch", ErrNoTiles)
	}

	workerCount := d.opts.MaxConcurrent
	if len(tiles) < workerCount {
		workerCount = len(tiles)
	}

	tileChan := make(chan tilemath.TileCoord, len(tiles))
	resultChan := make(chan tileResult, len(tiles))

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tile := range tileChan {
				img, err := d.fetchTile(ctx, tile)
				resultChan <- tileResult{tile: tile, img: img, err: err}
			}
		}()
	}

	for _, tile := range tiles {
		tileChan <- tile
	}
	close(tileChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	// Single driving loop: the only writer of progress.
	for result := range resultChan {
		if result.err != nil {
			progress.Failed++
			log.Printf("[Downloader] tile z=%d x=%d y=%d failed: %v", result.tile.Z, result.tile.X, result.tile.Y, result.err)
		} else {
			images[result.tile] = result.img
			progress.Completed++
		}
		if onProgress != nil {
			onProgress(progress)
		}
	}

	if progress.Failed == 0 {
		progress.Status = StatusCompleted
	} else {
		progress.Status = StatusCompletedWithErrors
	}

	if len(images) == 0 {
		return nil, progress, fmt.Errorf("%w (%d attempted)", ErrNoTiles, progress.Total)
	}
	return images, progress, nil
}

// fetchTile downloads one tile, retrying on transport errors, timeouts and
// non-200 responses with a linearly increasing backoff between attempts.
func (d *Downloader) fetchTile(ctx context.Context, tile tilemath.TileCoord) (image.Image, error) {
	tileURL := d.source.TileURL(tile)

	var lastErr error
	for attempt := 0; attempt <= d.opts.RetryCount; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Duration(attempt)*d.opts.RetryBackoff); err != nil {
				return nil, err
			}
		}

		if err := d.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		img, err := d.doFetch(ctx, tileURL)
		d.sem.Release(1)

		if err == nil {
			return img, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (d *Downloader) doFetch(ctx context.Context, tileURL string) (image.Image, error) {
	// Randomized pacing so concurrent workers don't burst in lockstep
	// against the tile server.
	if d.opts.Delay > 0 {
		jittered := time.Duration(float64(d.opts.Delay) * (0.5 + rand.Float64()))
		if err := sleepCtx(ctx, jittered); err != nil {
			return nil, err
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, tileURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header = d.source.Headers()

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if isRateLimitStatus(resp.StatusCode) {
			log.Printf("[Downloader] %s rate limited (HTTP %d)", d.source.Key, resp.StatusCode)
		}
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode tile: %w", err)
	}
	return img, nil
}

// isRateLimitStatus reports whether a status code indicates throttling by
// the tile server (429, or the 403/509 some providers use instead).
func isRateLimitStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusForbidden ||
		code == 509
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
