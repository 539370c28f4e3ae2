package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/trenchlabs/trench/internal/archive"
	"github.com/trenchlabs/trench/internal/ratelimit"
)

// ErrRendererDisabled indicates JS rendering has been disabled via options.
var ErrRendererDisabled = errors.New("renderer disabled")

// ChromedpConfig controls the headless browser renderer.
type ChromedpConfig struct {
	UserAgent      string
	NavTimeout     time.Duration
	MaxConcurrency int
	DomainQPS      float64
	ScrollPage     bool
}

// ChromedpRenderer renders pages with JavaScript enabled using headless
// Chrome. One shared browser hosts a tab per page; the semaphore caps how
// many render in parallel.
type ChromedpRenderer struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	logger          *zap.Logger
	sem             chan struct{}
	cfg             ChromedpConfig
	limiter         *ratelimit.Limiter
}

// NewChromedpRenderer starts the browser and verifies it responds.
func NewChromedpRenderer(cfg ChromedpConfig, logger *zap.Logger) (*ChromedpRenderer, error) {
	if cfg.MaxConcurrency <= 0 {
		return nil, ErrRendererDisabled
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.UserAgent(cfg.UserAgent),
	)
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		allocatorCancel()
		browserCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &ChromedpRenderer{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		logger:          logger,
		sem:             make(chan struct{}, cfg.MaxConcurrency),
		cfg:             cfg,
		limiter:         ratelimit.New(ratelimit.Config{DefaultQPS: cfg.DomainQPS}),
	}, nil
}

// Close tears down the chromedp allocator and browser contexts.
func (r *ChromedpRenderer) Close(context.Context) error {
	if r == nil {
		return nil
	}
	r.browserCancel()
	r.allocatorCancel()
	return nil
}

// Render loads the page in a fresh tab, captures every sub-resource
// response the network layer observed, and returns the settled DOM.
func (r *ChromedpRenderer) Render(ctx context.Context, rawURL string) (RenderResult, error) {
	if r == nil {
		return RenderResult{}, ErrRendererDisabled
	}

	release, err := r.acquireSlot(ctx)
	if err != nil {
		return RenderResult{}, err
	}
	defer release()

	if waitErr := r.waitDomainBudget(ctx, rawURL); waitErr != nil {
		return RenderResult{}, fmt.Errorf("render rate limit: %w", waitErr)
	}

	tabCtx, cancelTab := chromedp.NewContext(r.browserCtx)
	defer cancelTab()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, r.cfg.NavTimeout)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	rec := newNetworkRecorder(rawURL)
	rec.listen(tabCtx)

	var docHTML, title string
	tasks := chromedp.Tasks{
		network.Enable(),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if r.cfg.ScrollPage {
		tasks = append(tasks,
			chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
			chromedp.Sleep(500*time.Millisecond),
		)
	}
	tasks = append(tasks,
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &docHTML, chromedp.ByQuery),
		chromedp.ActionFunc(rec.fetchBodies),
	)
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		return RenderResult{}, fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}

	result := RenderResult{
		URL:        rawURL,
		FinalURL:   rec.finalURL(rawURL),
		StatusCode: rec.docStatus(),
		HTML:       docHTML,
		Title:      title,
		Resources:  rec.resources(),
		Bodies:     rec.bodies(),
		Links:      extractLinks(rec.finalURL(rawURL), docHTML),
	}
	return result, nil
}

func (r *ChromedpRenderer) acquireSlot(ctx context.Context) (func(), error) {
	select {
	case r.sem <- struct{}{}:
		return func() { <-r.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire render slot: %w", ctx.Err())
	}
}

func (r *ChromedpRenderer) waitDomainBudget(ctx context.Context, rawURL string) error {
	return r.limiter.Wait(ctx, rawURL)
}

// networkRecorder accumulates responses observed on one tab.
type networkRecorder struct {
	mu       sync.Mutex
	pageURL  string
	doc      *network.EventResponseReceived
	observed []*network.EventResponseReceived
	byURL    map[string]Body
}

func newNetworkRecorder(pageURL string) *networkRecorder {
	return &networkRecorder{
		pageURL: pageURL,
		byURL:   make(map[string]Body),
	}
}

func (rec *networkRecorder) listen(tabCtx context.Context) {
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok {
			return
		}
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if resp.Type == network.ResourceTypeDocument && rec.doc == nil {
			rec.doc = resp
			return
		}
		rec.observed = append(rec.observed, resp)
	})
}

// fetchBodies pulls every observed response body out of the browser before
// the tab closes. Individual body failures are tolerated; the capturer
// re-fetches anything missing.
func (rec *networkRecorder) fetchBodies(ctx context.Context) error {
	rec.mu.Lock()
	observed := append([]*network.EventResponseReceived(nil), rec.observed...)
	rec.mu.Unlock()

	for _, resp := range observed {
		body, err := network.GetResponseBody(resp.RequestID).Do(ctx)
		if err != nil {
			continue
		}
		norm, err := archive.NormalizeURL(resp.Response.URL)
		if err != nil {
			continue
		}
		rec.mu.Lock()
		if _, exists := rec.byURL[norm]; !exists {
			rec.byURL[norm] = Body{
				Data:       body,
				MimeType:   resp.Response.MimeType,
				StatusCode: int(resp.Response.Status),
			}
		}
		rec.mu.Unlock()
	}
	return nil
}

func (rec *networkRecorder) finalURL(raw string) string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.doc == nil || rec.doc.Response.URL == "" {
		return raw
	}
	return rec.doc.Response.URL
}

func (rec *networkRecorder) docStatus() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.doc == nil {
		return 0
	}
	return int(rec.doc.Response.Status)
}

func (rec *networkRecorder) resources() []ResourceRef {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	seen := make(map[string]struct{}, len(rec.observed))
	refs := make([]ResourceRef, 0, len(rec.observed))
	for _, resp := range rec.observed {
		norm, err := archive.NormalizeURL(resp.Response.URL)
		if err != nil {
			continue
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		refs = append(refs, ResourceRef{URL: norm, Type: resourceType(resp)})
	}
	return refs
}

func (rec *networkRecorder) bodies() map[string]Body {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make(map[string]Body, len(rec.byURL))
	for k, v := range rec.byURL {
		out[k] = v
	}
	return out
}

func resourceType(resp *network.EventResponseReceived) archive.AssetType {
	switch resp.Type {
	case network.ResourceTypeDocument:
		return archive.AssetDocument
	case network.ResourceTypeStylesheet:
		return archive.AssetStylesheet
	case network.ResourceTypeScript:
		return archive.AssetScript
	case network.ResourceTypeImage:
		return archive.AssetImage
	case network.ResourceTypeFont:
		return archive.AssetFont
	case network.ResourceTypeMedia:
		return mediaType(resp.Response.MimeType)
	case network.ResourceTypeXHR, network.ResourceTypeFetch:
		return archive.AssetXHR
	case network.ResourceTypeWebSocket:
		return archive.AssetWebSocket
	default:
		return archive.ClassifyAsset(resp.Response.URL, resp.Response.MimeType)
	}
}

func mediaType(mime string) archive.AssetType {
	if strings.HasPrefix(strings.ToLower(mime), "audio/") {
		return archive.AssetAudio
	}
	return archive.AssetVideo
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

