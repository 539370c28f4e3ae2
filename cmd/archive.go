package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trenchlabs/trench/internal/archive"
	"github.com/trenchlabs/trench/internal/assetstore"
	"github.com/trenchlabs/trench/internal/capture"
	"github.com/trenchlabs/trench/internal/clock/system"
	"github.com/trenchlabs/trench/internal/crawl"
	"github.com/trenchlabs/trench/internal/export"
	"github.com/trenchlabs/trench/internal/frontier"
	"github.com/trenchlabs/trench/internal/manifest"
	"github.com/trenchlabs/trench/internal/progress"
	"github.com/trenchlabs/trench/internal/progress/sinks"
)

// newArchiveCmd creates and configures the 'archive' subcommand.
func newArchiveCmd() *cobra.Command {
	var (
		output      string
		fullAssets  bool
		maxDepth    int
		maxPages    int
		concurrency int
		resume      bool
		format      string
		noJS        bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "archive <url>",
		Short: "Crawl a site into a local, replayable archive",
		Long: `Crawls the site at the given seed URL breadth-first, capturing each
page and its sub-resources into a content-addressed archive on disk.
Interrupting an archive run (Ctrl-C) leaves a consistent, resumable
archive; pass --resume to continue it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "trench" && format != "warc" {
				return fmt.Errorf("unknown format %q (want trench or warc)", format)
			}

			cfg, logger, err := loadEnvironment()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			opts := cfg.Options()
			flags := cmd.Flags()
			if flags.Changed("output") {
				opts.OutputDir = output
			}
			if flags.Changed("full-assets") {
				opts.FullAssets = fullAssets
			}
			if flags.Changed("max-depth") {
				opts.MaxDepth = maxDepth
			}
			if flags.Changed("max-pages") {
				opts.MaxPages = maxPages
			}
			if flags.Changed("concurrency") {
				opts.Concurrency = concurrency
			}
			if flags.Changed("no-js") {
				opts.RenderJS = !noJS
			}
			opts.Resume = resume

			seed, err := normalizeSeed(args[0])
			if err != nil {
				return err
			}
			if opts.OutputDir == "" {
				opts.OutputDir = defaultOutputDir(seed)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runArchive(ctx, seed, opts, format, metricsAddr, logger)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "archive output directory (default <host>-archive)")
	cmd.Flags().BoolVar(&fullAssets, "full-assets", false, "also capture video, audio, and wasm assets")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "maximum link depth from the seed")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "maximum number of pages to capture")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "concurrent page captures")
	cmd.Flags().BoolVar(&resume, "resume", false, "resume an interrupted archive in the output directory")
	cmd.Flags().StringVar(&format, "format", "trench", "archive format: trench or warc")
	cmd.Flags().BoolVar(&noJS, "no-js", false, "disable JavaScript rendering and capture static markup only")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus crawl metrics on this address")

	return cmd
}

func runArchive(ctx context.Context, seed string, opts archive.Options, format, metricsAddr string, logger *zap.Logger) error {
	store, err := assetstore.Open(opts.OutputDir, logger)
	if err != nil {
		return fmt.Errorf("open asset store: %w", err)
	}

	man, err := manifest.Open(opts.OutputDir, seed, opts, time.Now().UTC(), logger)
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer func() {
		if cerr := man.Close(); cerr != nil {
			logger.Warn("Failed to close manifest store", zap.Error(cerr))
		}
	}()

	ctrl, err := buildController(seed, opts, man, logger)
	if err != nil {
		return err
	}

	renderer, err := buildRenderer(opts, logger)
	if err != nil {
		return err
	}
	defer func() { _ = renderer.Close(context.Background()) }()

	fetcher, err := capture.NewCollyFetcher(capture.StaticConfig{
		UserAgent:   opts.UserAgent,
		Timeout:     opts.Timeout,
		Concurrency: opts.Concurrency,
	}, logger)
	if err != nil {
		return fmt.Errorf("init fetcher: %w", err)
	}

	retry := capture.DefaultRetryPolicy()
	retry.MaxRetries = opts.MaxRetries

	capt, err := capture.NewCapturer(capture.CapturerConfig{
		Renderer:   renderer,
		Fetcher:    fetcher,
		Store:      store,
		OutputDir:  opts.OutputDir,
		FetchSlots: int64(opts.Concurrency),
		Retry:      retry,
		FullAssets: opts.FullAssets,
	}, logger)
	if err != nil {
		return fmt.Errorf("init capturer: %w", err)
	}

	hub, stopMetrics, err := buildHub(metricsAddr, logger)
	if err != nil {
		return err
	}
	defer stopMetrics()

	eng, err := crawl.NewEngine(crawl.EngineConfig{
		Seed:       seed,
		Options:    opts,
		Controller: ctrl,
		Capturer:   capt,
		Manifest:   man,
		Robots:     crawl.NewRobotsPolicy(opts.RespectRobots, opts.UserAgent, logger),
		Hub:        hub,
		Clock:      system.New(),
	}, logger)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	result, runErr := eng.Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := hub.Close(closeCtx); cerr != nil {
		logger.Warn("Progress hub did not drain cleanly", zap.Error(cerr))
	}

	switch {
	case runErr == nil:
		logger.Info("Archive complete",
			zap.String("output", opts.OutputDir),
			zap.Int("pages", result.Stats.TotalPages),
			zap.Int("assets", result.Stats.TotalAssets))
	case errors.Is(runErr, context.Canceled):
		logger.Info("Archive interrupted; resume with --resume",
			zap.String("output", opts.OutputDir))
	default:
		return fmt.Errorf("archive %s: %w", seed, runErr)
	}

	if format == "warc" && runErr == nil {
		if err := exportWARC(store, result, opts.OutputDir, logger); err != nil {
			return err
		}
	}
	return nil
}

// buildController creates a fresh frontier, or restores one from persisted
// crawl state when resuming.
func buildController(seed string, opts archive.Options, man *manifest.Store, logger *zap.Logger) (*frontier.Controller, error) {
	if !opts.Resume {
		return frontier.New(seed, opts.MaxDepth, opts.MaxPages, opts.AllowHosts, logger), nil
	}
	state, err := man.LoadState()
	if err != nil {
		return nil, fmt.Errorf("load crawl state: %w", err)
	}
	pages, err := man.Pages()
	if err != nil {
		return nil, fmt.Errorf("load captured pages: %w", err)
	}
	logger.Info("Resuming archive",
		zap.Int("captured", len(pages)),
		zap.Int("pending", len(state.Pending)))
	return frontier.Restore(seed, opts.MaxDepth, opts.MaxPages, opts.AllowHosts, state, pages, logger), nil
}

func buildRenderer(opts archive.Options, logger *zap.Logger) (capture.Renderer, error) {
	if opts.RenderJS {
		renderer, err := capture.NewChromedpRenderer(capture.ChromedpConfig{
			UserAgent:      opts.UserAgent,
			NavTimeout:     opts.Timeout,
			MaxConcurrency: opts.Concurrency,
			DomainQPS:      opts.DomainQPS,
			ScrollPage:     opts.ScrollPage,
		}, logger)
		switch {
		case err == nil:
			return renderer, nil
		case errors.Is(err, capture.ErrRendererDisabled):
			logger.Warn("Headless rendering unavailable; capturing static markup only")
		default:
			return nil, fmt.Errorf("init renderer: %w", err)
		}
	}
	return capture.NewStaticRenderer(capture.StaticConfig{
		UserAgent:   opts.UserAgent,
		Timeout:     opts.Timeout,
		Concurrency: opts.Concurrency,
	}, logger)
}

// buildHub assembles the progress hub. With a metrics address it also
// registers a Prometheus sink and serves its registry over HTTP.
func buildHub(metricsAddr string, logger *zap.Logger) (*progress.Hub, func(), error) {
	logSink := sinks.NewLogSink(logger)
	if metricsAddr == "" {
		return progress.NewHub(progress.Config{Logger: logger}, logSink), func() {}, nil
	}

	reg := prometheus.NewRegistry()
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, nil, fmt.Errorf("init metrics sink: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if serr := srv.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			logger.Warn("Metrics server stopped", zap.Error(serr))
		}
	}()

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return progress.NewHub(progress.Config{Logger: logger}, logSink, promSink), stop, nil
}

func exportWARC(store *assetstore.Store, man archive.ArchiveManifest, outputDir string, logger *zap.Logger) error {
	path := filepath.Join(outputDir, "archive.warc")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create warc file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := export.NewWARCWriter(store, logger).Export(f, man); err != nil {
		return fmt.Errorf("export warc: %w", err)
	}
	logger.Info("Wrote WARC export", zap.String("path", path))
	return nil
}

// normalizeSeed accepts scheme-less seeds (example.com) and canonicalizes
// the result so it matches archived URLs byte for byte.
func normalizeSeed(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	seed, err := archive.NormalizeURL(raw)
	if err != nil {
		return "", fmt.Errorf("invalid seed url: %w", err)
	}
	return seed, nil
}

func defaultOutputDir(seed string) string {
	u, err := url.Parse(seed)
	if err != nil || u.Hostname() == "" {
		return "trench-archive"
	}
	return strings.TrimPrefix(u.Hostname(), "www.") + "-archive"
}
