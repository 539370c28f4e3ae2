// Package archive defines the core data model shared across the archival
// subsystems: asset records, page manifests, the archive manifest, and the
// options that govern a capture run.
package archive

import (
	"time"
)

// ManifestVersion is written into every manifest this build produces.
const ManifestVersion = "1"

// AssetType classifies a captured resource by how the page used it.
type AssetType string

// Supported asset classifications.
const (
	AssetDocument   AssetType = "document"
	AssetStylesheet AssetType = "stylesheet"
	AssetScript     AssetType = "script"
	AssetImage      AssetType = "image"
	AssetFont       AssetType = "font"
	AssetVideo      AssetType = "video"
	AssetAudio      AssetType = "audio"
	AssetWebGL      AssetType = "webgl"
	AssetWasm       AssetType = "wasm"
	AssetWorker     AssetType = "worker"
	AssetWebSocket  AssetType = "websocket"
	AssetXHR        AssetType = "xhr"
	AssetOther      AssetType = "other"
)

// AssetRecord is persisted for each fetched resource URL. Multiple records
// may share one ContentHash; only the first writer stores the blob.
type AssetRecord struct {
	URL          string    `json:"url"`
	ContentHash  string    `json:"content_hash"`
	Type         AssetType `json:"type"`
	MimeType     string    `json:"mime_type"`
	Size         int64     `json:"size"`
	StatusCode   *int      `json:"status_code,omitempty"`
	Deduplicated bool      `json:"deduplicated"`
}

// Broken reports whether the asset fetch came back with an error status.
func (a AssetRecord) Broken() bool {
	return a.StatusCode != nil && *a.StatusCode >= 400
}

// PageManifest is persisted for each captured page. Path is the directory
// under pages/ holding the rendered HTML and per-page metadata.
type PageManifest struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	Path       string `json:"path"`
	AssetCount int    `json:"asset_count"`
	Depth      int    `json:"depth"`
}

// CrawlError records a recovered per-page or per-asset failure.
type CrawlError struct {
	URL     string `json:"url"`
	Phase   string `json:"phase"`
	Message string `json:"message"`
}

// Error phases recorded in Stats.Errors.
const (
	PhaseRender  = "render"
	PhaseFetch   = "fetch"
	PhaseStorage = "storage"
)

// Stats aggregates capture results. TotalSize counts each unique blob once;
// deduplicated records never contribute to it.
type Stats struct {
	TotalPages         int          `json:"total_pages"`
	TotalAssets        int          `json:"total_assets"`
	UniqueAssets       int          `json:"unique_assets"`
	DeduplicatedAssets int          `json:"deduplicated_assets"`
	TotalSize          int64        `json:"total_size"`
	DurationMs         int64        `json:"duration_ms"`
	Errors             []CrawlError `json:"errors"`
}

// ArchiveManifest is the whole-archive root record written to manifest.json.
type ArchiveManifest struct {
	URL     string         `json:"url"`
	Created time.Time      `json:"created"`
	Version string         `json:"version"`
	Options Options        `json:"options"`
	Pages   []PageManifest `json:"pages"`
	Assets  []AssetRecord  `json:"assets"`
	Stats   Stats          `json:"stats"`
}

// Options captures every knob that influences an archive run. The effective
// options are persisted in the manifest so resume runs and the analyzer can
// see what produced the archive.
type Options struct {
	OutputDir        string        `json:"output_dir" mapstructure:"output_dir"`
	MaxDepth         int           `json:"max_depth" mapstructure:"max_depth"`
	MaxPages         int           `json:"max_pages" mapstructure:"max_pages"`
	Concurrency      int           `json:"concurrency" mapstructure:"concurrency"`
	Timeout          time.Duration `json:"timeout" mapstructure:"timeout"`
	FullAssets       bool          `json:"full_assets" mapstructure:"full_assets"`
	FollowPagination bool          `json:"follow_pagination" mapstructure:"follow_pagination"`
	AllowHosts       []string      `json:"allow_hosts,omitempty" mapstructure:"allow_hosts"`
	Resume           bool          `json:"resume" mapstructure:"resume"`
	RespectRobots    bool          `json:"respect_robots" mapstructure:"respect_robots"`
	UserAgent        string        `json:"user_agent" mapstructure:"user_agent"`
	RenderJS         bool          `json:"render_js" mapstructure:"render_js"`
	ScrollPage       bool          `json:"scroll_page" mapstructure:"scroll_page"`
	MaxRetries       int           `json:"max_retries" mapstructure:"max_retries"`
	DomainQPS        float64       `json:"domain_qps" mapstructure:"domain_qps"`
}

// FrontierEntry is one pending crawl target: a discovered URL, its distance
// from the seed, and the page that linked to it.
type FrontierEntry struct {
	URL      string `json:"url"`
	Depth    int    `json:"depth"`
	Referrer string `json:"referrer,omitempty"`
}

// CrawlState is the resumable frontier snapshot persisted alongside the
// manifest. Visited holds normalized URLs that must never be re-enqueued.
type CrawlState struct {
	Visited  []string        `json:"visited"`
	Pending  []FrontierEntry `json:"pending"`
	Captured int             `json:"captured"`
	Failed   int             `json:"failed"`
}
