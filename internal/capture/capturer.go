package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/trenchlabs/trench/internal/archive"
	"github.com/trenchlabs/trench/internal/assetstore"
	"github.com/trenchlabs/trench/internal/hash/sha256"
)

// Result is everything one page capture produced. Assets includes the
// document itself; Errors holds per-asset failures that did not fail the
// page.
type Result struct {
	Page     archive.PageManifest
	Links    []string
	Assets   []archive.AssetRecord
	Errors   []archive.CrawlError
	Duration time.Duration
}

// Capturer turns one URL into a captured page directory plus deduplicated
// asset records. It owns no crawl policy; budgets and scheduling belong to
// the crawl engine.
type Capturer struct {
	renderer Renderer
	fetcher  Fetcher
	store    *assetstore.Store
	outDir   string
	sem      *semaphore.Weighted
	retry    RetryPolicy
	full     bool
	logger   *zap.Logger
}

// CapturerConfig wires a Capturer.
type CapturerConfig struct {
	Renderer   Renderer
	Fetcher    Fetcher
	Store      *assetstore.Store
	OutputDir  string
	FetchSlots int64
	Retry      RetryPolicy
	FullAssets bool
}

// NewCapturer builds a Capturer. FetchSlots bounds concurrent direct asset
// fetches across all pages sharing this capturer.
func NewCapturer(cfg CapturerConfig, logger *zap.Logger) (*Capturer, error) {
	if cfg.Renderer == nil {
		return nil, fmt.Errorf("capturer: renderer is required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("capturer: fetcher is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("capturer: asset store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	slots := cfg.FetchSlots
	if slots <= 0 {
		slots = 4
	}
	return &Capturer{
		renderer: cfg.Renderer,
		fetcher:  cfg.Fetcher,
		store:    cfg.Store,
		outDir:   cfg.OutputDir,
		sem:      semaphore.NewWeighted(slots),
		retry:    cfg.Retry,
		full:     cfg.FullAssets,
		logger:   logger,
	}, nil
}

// PageDir returns the directory a page's files live in, relative to the
// archive root. Derived from the normalized URL so resumed crawls reuse the
// same path.
func PageDir(normalizedURL string) string {
	return filepath.Join("pages", sha256.Short([]byte(normalizedURL)))
}

// Capture renders url, persists index.html and metadata.json under the
// page directory, stores the document and every in-scope sub-resource
// through the dedup path, and reports outbound links. A render failure
// fails the whole page; individual asset failures are recorded and the
// capture succeeds.
func (c *Capturer) Capture(ctx context.Context, rawURL string, depth int) (Result, error) {
	start := time.Now()

	res, err := c.renderWithRetry(ctx, rawURL)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrRenderFailed, rawURL, err)
	}

	pageURL := rawURL
	if norm, nerr := archive.NormalizeURL(res.FinalURL); nerr == nil && norm != "" {
		pageURL = norm
	}

	relDir := PageDir(pageURL)
	pageDir := filepath.Join(c.outDir, relDir)
	if err := os.MkdirAll(pageDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create page dir: %w", err)
	}

	html := []byte(res.HTML)
	if err := os.WriteFile(filepath.Join(pageDir, "index.html"), html, 0o644); err != nil {
		return Result{}, fmt.Errorf("write page document: %w", err)
	}
	meta, err := json.MarshalIndent(ExtractMetadata(res.HTML), "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("encode page metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(pageDir, "metadata.json"), meta, 0o644); err != nil {
		return Result{}, fmt.Errorf("write page metadata: %w", err)
	}

	out := Result{
		Page: archive.PageManifest{
			URL:   pageURL,
			Title: res.Title,
			Path:  filepath.ToSlash(relDir),
			Depth: depth,
		},
		Links: res.Links,
	}

	// The document itself goes through the dedup path too, so identical
	// pages reached via distinct URLs store one blob.
	docStatus := res.StatusCode
	if docStatus == 0 {
		docStatus = 200
	}
	docRec, err := c.store.Put(pageURL, html, "text/html", docStatus)
	if err != nil {
		return Result{}, fmt.Errorf("store page document: %w", err)
	}
	docRec.Type = archive.AssetDocument
	out.Assets = append(out.Assets, docRec)

	for _, ref := range res.Resources {
		if !c.wantAsset(ref.Type) {
			continue
		}
		rec, aerr := c.captureAsset(ctx, ref, res.Bodies)
		if aerr != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			out.Errors = append(out.Errors, archive.CrawlError{
				URL:     ref.URL,
				Phase:   archive.PhaseFetch,
				Message: aerr.Error(),
			})
			c.logger.Warn("asset fetch failed",
				zap.String("url", ref.URL),
				zap.String("page", pageURL),
				zap.Error(aerr))
			continue
		}
		out.Assets = append(out.Assets, rec)
	}

	out.Page.AssetCount = len(out.Assets)
	out.Duration = time.Since(start)
	return out, nil
}

func (c *Capturer) renderWithRetry(ctx context.Context, rawURL string) (RenderResult, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		res, err := c.renderer.Render(ctx, rawURL)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !c.retry.ShouldRetry(attempt, 0, err) {
			return RenderResult{}, lastErr
		}
		c.logger.Debug("retrying render",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if serr := c.retry.Sleep(ctx, attempt); serr != nil {
			return RenderResult{}, lastErr
		}
	}
}

// captureAsset stores one sub-resource. Bodies already observed by the
// renderer are stored as-is; anything else is fetched directly under the
// shared semaphore. Error statuses become broken-link records, not blobs.
func (c *Capturer) captureAsset(ctx context.Context, ref ResourceRef, bodies map[string]Body) (archive.AssetRecord, error) {
	body, ok := bodies[ref.URL]
	if !ok || len(body.Data) == 0 && body.StatusCode == 0 {
		var err error
		body, err = c.fetchWithRetry(ctx, ref.URL)
		if err != nil {
			return archive.AssetRecord{}, err
		}
	}

	if body.StatusCode >= 400 {
		status := body.StatusCode
		return archive.AssetRecord{
			URL:        ref.URL,
			Type:       ref.Type,
			MimeType:   body.MimeType,
			StatusCode: &status,
		}, nil
	}

	rec, err := c.store.Put(ref.URL, body.Data, body.MimeType, body.StatusCode)
	if err != nil {
		return archive.AssetRecord{}, fmt.Errorf("store asset: %w", err)
	}
	if rec.Type == archive.AssetOther && ref.Type != archive.AssetOther {
		rec.Type = ref.Type
	}
	return rec, nil
}

func (c *Capturer) fetchWithRetry(ctx context.Context, rawURL string) (Body, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return Body{}, err
	}
	defer c.sem.Release(1)

	var lastErr error
	for attempt := 0; ; attempt++ {
		body, err := c.fetcher.Fetch(ctx, rawURL)
		status := 0
		if err == nil {
			status = body.StatusCode
		}
		if !c.retry.ShouldRetry(attempt, status, err) {
			if err == nil {
				// Exhausted retries on a 5xx still return the body; the
				// caller records a broken link instead of an error.
				return body, nil
			}
			return Body{}, err
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("fetch %s: status %d", rawURL, status)
		}
		if serr := c.retry.Sleep(ctx, attempt); serr != nil {
			return Body{}, lastErr
		}
	}
}

// wantAsset applies the light-capture filter: without FullAssets, heavy
// media types are skipped.
func (c *Capturer) wantAsset(t archive.AssetType) bool {
	if c.full {
		return true
	}
	switch t {
	case archive.AssetVideo, archive.AssetAudio, archive.AssetWasm:
		return false
	default:
		return true
	}
}
