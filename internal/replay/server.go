package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/trenchlabs/trench/internal/archive"
	"github.com/trenchlabs/trench/internal/assetstore"
	"github.com/trenchlabs/trench/internal/manifest"
)

// Server replays a finished archive over HTTP. It opens the archive
// read-only; a crawl still writing to the same directory only makes the
// replayed copy stale, never corrupt.
type Server struct {
	root     string
	man      archive.ArchiveManifest
	store    *assetstore.Store
	idx      *index
	rw       *rewriter
	router   chi.Router
	logger   *zap.Logger
	requests *prometheus.CounterVec
	latency  prometheus.Histogram

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
	stopped  bool
}

// NewServer loads the archive at root and prepares the replay routes.
// Returns manifest.ErrCorruptArchive when the directory does not hold a
// loadable archive.
func NewServer(root string, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	man, err := manifest.Load(root)
	if err != nil {
		return nil, err
	}
	store, err := assetstore.Open(root, logger)
	if err != nil {
		return nil, fmt.Errorf("open asset store: %w", err)
	}

	idx := buildIndex(man)
	s := &Server{
		root:   root,
		man:    man,
		store:  store,
		idx:    idx,
		rw:     &rewriter{idx: idx},
		logger: logger,
	}

	registry := prometheus.NewRegistry()
	s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trench_replay_requests_total",
		Help: "Replay requests served, by status class.",
	}, []string{"status"})
	s.latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "trench_replay_request_duration_seconds",
		Help:    "Replay request latency.",
		Buckets: prometheus.DefBuckets,
	})
	registry.MustRegister(s.requests, s.latency)

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/_trench/browse", s.browse)
	r.Get("/_trench/info", s.info)
	r.Get("/_trench/search", s.search)
	r.Get("/_trench/healthz", s.healthz)
	r.Method(http.MethodGet, "/_trench/metrics",
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Get("/", s.home)
	r.Get("/*", s.serveArchived)

	s.router = r
	return s, nil
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves in the background until Stop.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("replay server already started")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if serr := s.srv.Serve(ln); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			s.logger.Error("replay serve failed", zap.Error(serr))
		}
	}()
	s.logger.Info("replay server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("archive", s.root),
		zap.Int("pages", len(s.man.Pages)))
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down. Safe to call repeatedly and before Start.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.srv == nil {
		s.stopped = true
		return nil
	}
	s.stopped = true
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown replay server: %w", err)
	}
	return nil
}

// home redirects to the archived seed page.
func (s *Server) home(w http.ResponseWriter, r *http.Request) {
	if norm, err := archive.NormalizeURL(s.man.URL); err == nil {
		if s.idx.has(norm) {
			http.Redirect(w, r, s.idx.localPath(norm), http.StatusFound)
			return
		}
	}
	http.Redirect(w, r, "/_trench/browse", http.StatusFound)
}

// serveArchived resolves /<host>/<path> requests to captured pages or
// stored assets.
func (s *Server) serveArchived(w http.ResponseWriter, r *http.Request) {
	norm, ok := s.idx.original(r.URL.Path, r.URL.RawQuery)
	if !ok {
		s.notArchived(w, r)
		return
	}

	if page, found := s.idx.page(norm); found {
		s.servePage(w, page)
		return
	}
	if asset, found := s.idx.asset(norm); found {
		s.serveAsset(w, asset)
		return
	}
	s.notArchived(w, r)
}

func (s *Server) servePage(w http.ResponseWriter, page archive.PageManifest) {
	doc, err := s.pageDocument(page)
	if err != nil {
		s.logger.Error("read archived page failed",
			zap.String("url", page.URL), zap.Error(err))
		http.Error(w, "archived page unreadable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write([]byte(s.rw.RewriteHTML(page.URL, doc))); err != nil {
		s.logger.Debug("write page response", zap.Error(err))
	}
}

func (s *Server) pageDocument(page archive.PageManifest) (string, error) {
	data, err := readPageFile(s.root, page.Path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Server) serveAsset(w http.ResponseWriter, asset archive.AssetRecord) {
	data, err := s.store.Get(asset.ContentHash)
	if err != nil {
		s.logger.Error("read archived asset failed",
			zap.String("url", asset.URL), zap.Error(err))
		http.Error(w, "archived asset unreadable", http.StatusInternalServerError)
		return
	}
	if asset.Type == archive.AssetStylesheet {
		data = []byte(s.rw.RewriteCSS(asset.URL, string(data)))
	}
	mime := asset.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("write asset response", zap.Error(err))
	}
}

// notArchived answers 404 naming the URL that is not in the archive.
func (s *Server) notArchived(w http.ResponseWriter, r *http.Request) {
	missing := "https://" + strings.TrimPrefix(r.URL.Path, "/")
	if r.URL.RawQuery != "" {
		missing += "?" + r.URL.RawQuery
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, "not archived: %s\n", missing)
}

// browse lists every captured page with a link to its replayed form.
func (s *Server) browse(w http.ResponseWriter, _ *http.Request) {
	pages := make([]archive.PageManifest, len(s.man.Pages))
	copy(pages, s.man.Pages)
	sort.Slice(pages, func(i, j int) bool { return pages[i].URL < pages[j].URL })

	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html><html><head><title>Archive of ")
	sb.WriteString(html.EscapeString(s.man.URL))
	sb.WriteString("</title></head><body><h1>Captured pages</h1><ul>")
	for _, p := range pages {
		title := p.Title
		if title == "" {
			title = p.URL
		}
		fmt.Fprintf(&sb, `<li><a href="%s">%s</a> <small>(depth %d, %d assets)</small></li>`,
			html.EscapeString(s.idx.localPath(p.URL)), html.EscapeString(title), p.Depth, p.AssetCount)
	}
	sb.WriteString("</ul></body></html>")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write([]byte(sb.String())); err != nil {
		s.logger.Debug("write browse response", zap.Error(err))
	}
}

// info serves the manifest summary.
func (s *Server) info(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]any{
		"url":     s.man.URL,
		"created": s.man.Created,
		"version": s.man.Version,
		"pages":   len(s.man.Pages),
		"assets":  len(s.man.Assets),
		"stats":   s.man.Stats,
	})
}

type searchResult struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Path  string `json:"path"`
}

// search does a case-insensitive substring match over page titles and URLs.
func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	query := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))
	if query == "" {
		writeJSON(w, s.logger, http.StatusBadRequest, map[string]string{"error": "missing query parameter q"})
		return
	}
	results := []searchResult{}
	for _, p := range s.man.Pages {
		if strings.Contains(strings.ToLower(p.Title), query) ||
			strings.Contains(strings.ToLower(p.URL), query) {
			results = append(results, searchResult{
				URL:   p.URL,
				Title: p.Title,
				Path:  s.idx.localPath(p.URL),
			})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].URL < results[j].URL })
	writeJSON(w, s.logger, http.StatusOK, map[string]any{"query": query, "results": results})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		dur := time.Since(start)
		s.requests.WithLabelValues(statusClass(ww.status)).Inc()
		s.latency.Observe(dur.Seconds())
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", dur))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

// readPageFile reads a captured page's document, refusing paths that
// escape the archive root.
func readPageFile(root, pagePath string) ([]byte, error) {
	full := filepath.Join(root, filepath.FromSlash(pagePath), "index.html")
	clean := filepath.Clean(full)
	if !strings.HasPrefix(clean, filepath.Clean(root)+string(filepath.Separator)) {
		return nil, fmt.Errorf("page path escapes archive root: %s", pagePath)
	}
	return os.ReadFile(clean)
}
