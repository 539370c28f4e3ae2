// Package capture turns one URL into a page manifest plus asset records,
// using a pluggable page renderer and a direct asset fetcher.
package capture

import (
	"context"
	"errors"

	"github.com/trenchlabs/trench/internal/archive"
)

// ErrRenderFailed wraps renderer navigation and timeout failures. The
// owning page is marked failed; the crawl continues.
var ErrRenderFailed = errors.New("page render failed")

// Body is one sub-resource response observed while rendering.
type Body struct {
	Data       []byte
	MimeType   string
	StatusCode int
}

// ResourceRef names a sub-resource the rendered page depends on.
type ResourceRef struct {
	URL  string
	Type archive.AssetType
}

// RenderResult is everything a renderer learned about one page load.
type RenderResult struct {
	// URL is the requested URL; FinalURL reflects redirects.
	URL      string
	FinalURL string
	// StatusCode is the document response status (0 when unobserved).
	StatusCode int
	// HTML is the rendered DOM snapshot.
	HTML string
	// Title is the document title.
	Title string
	// Resources lists referenced sub-resource URLs in observation order.
	Resources []ResourceRef
	// Links holds absolute outbound hyperlinks found on the page.
	Links []string
	// Bodies maps resource URLs to response bodies the renderer already
	// captured; the capturer fetches anything missing directly.
	Bodies map[string]Body
}

// Renderer loads a page and reports its DOM, sub-resources, and links. Any
// implementation satisfying this contract is usable: headless browser or
// static fetcher.
type Renderer interface {
	Render(ctx context.Context, rawURL string) (RenderResult, error)
	Close(ctx context.Context) error
}

// Fetcher downloads one asset body directly, bypassing the renderer.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Body, error)
}
