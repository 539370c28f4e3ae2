package capture

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// StaticConfig controls the non-JS renderer and the direct asset fetcher.
type StaticConfig struct {
	UserAgent   string
	Timeout     time.Duration
	Concurrency int
	DomainDelay time.Duration
}

// StaticRenderer satisfies the Renderer contract without executing
// JavaScript: it fetches the raw document and derives sub-resources and
// links from the markup alone. Used when headless rendering is disabled or
// unavailable.
type StaticRenderer struct {
	fetcher *CollyFetcher
}

// NewStaticRenderer builds a static renderer over a colly fetcher.
func NewStaticRenderer(cfg StaticConfig, logger *zap.Logger) (*StaticRenderer, error) {
	f, err := NewCollyFetcher(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &StaticRenderer{fetcher: f}, nil
}

// Render fetches the document and parses resource references and links out
// of the returned markup. No sub-resource bodies are pre-captured.
func (r *StaticRenderer) Render(ctx context.Context, rawURL string) (RenderResult, error) {
	body, err := r.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return RenderResult{}, err
	}
	if body.StatusCode >= 400 {
		return RenderResult{}, errRenderStatus(rawURL, body.StatusCode)
	}
	doc := string(body.Data)
	return RenderResult{
		URL:        rawURL,
		FinalURL:   rawURL,
		StatusCode: body.StatusCode,
		HTML:       doc,
		Title:      titleOf(doc),
		Resources:  extractResources(rawURL, doc),
		Links:      extractLinks(rawURL, doc),
		Bodies:     map[string]Body{},
	}, nil
}

// Close implements Renderer; the static renderer holds no browser state.
func (r *StaticRenderer) Close(context.Context) error {
	return nil
}

// CollyFetcher downloads individual resources through a tuned colly
// collector, sharing its transport across fetches.
type CollyFetcher struct {
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// NewCollyFetcher constructs a configured colly-based Fetcher.
func NewCollyFetcher(cfg StaticConfig, logger *zap.Logger) (*CollyFetcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	opts := []colly.CollectorOption{
		colly.Async(true),
		colly.UserAgent(cfg.UserAgent),
	}
	base := colly.NewCollector(opts...)
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       concurrency * 2,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(timeout)

	if err := base.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: concurrency,
		Delay:       cfg.DomainDelay,
	}); err != nil {
		return nil, err
	}

	return &CollyFetcher{
		baseCollector: base,
		logger:        logger,
	}, nil
}

// Fetch retrieves one resource. Error statuses (4xx/5xx) return a Body
// carrying the status code and a nil error, so callers can record broken
// links; transport failures return an error.
func (f *CollyFetcher) Fetch(ctx context.Context, rawURL string) (Body, error) {
	collector := f.baseCollector.Clone()
	resultCh := make(chan fetchResult, 1)
	var once sync.Once
	send := func(res fetchResult) {
		once.Do(func() {
			resultCh <- res
		})
	}

	collector.OnResponse(func(r *colly.Response) {
		send(fetchResult{body: Body{
			Data:       append([]byte{}, r.Body...),
			MimeType:   mimeOf(r),
			StatusCode: r.StatusCode,
		}})
	})

	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= 400 {
			send(fetchResult{body: Body{
				Data:       append([]byte{}, r.Body...),
				MimeType:   mimeOf(r),
				StatusCode: r.StatusCode,
			}})
			return
		}
		if err == nil {
			err = errors.New("unknown colly error")
		}
		send(fetchResult{err: err})
	})

	if err := collector.Visit(rawURL); err != nil {
		return Body{}, err
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return Body{}, err
		}
		return res.body, res.err
	default:
		return Body{}, errors.New("colly fetch produced no result")
	}
}

type fetchResult struct {
	body Body
	err  error
}

func mimeOf(r *colly.Response) string {
	if r == nil || r.Headers == nil {
		return ""
	}
	ct := r.Headers.Get("Content-Type")
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

type renderStatusError struct {
	url    string
	status int
}

func errRenderStatus(url string, status int) error {
	return &renderStatusError{url: url, status: status}
}

func (e *renderStatusError) Error() string {
	return "render " + e.url + ": status " + http.StatusText(e.status)
}

func (e *renderStatusError) Unwrap() error {
	return ErrRenderFailed
}
