package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trenchlabs/trench/internal/archive"
	"github.com/trenchlabs/trench/internal/capture"
	"github.com/trenchlabs/trench/internal/frontier"
	"github.com/trenchlabs/trench/internal/manifest"
	"github.com/trenchlabs/trench/internal/progress"
)

// ErrSeedFailed reports that the seed page itself could not be captured, so
// the run produced nothing worth keeping.
var ErrSeedFailed = errors.New("seed page capture failed")

// Capturer renders one page and stores its assets.
type Capturer interface {
	Capture(ctx context.Context, rawURL string, depth int) (capture.Result, error)
}

// Clock abstracts wall time for run timestamps.
type Clock interface {
	Now() time.Time
}

// Engine runs one archive crawl end to end: pop the frontier, capture,
// record, enqueue discoveries, repeat until the frontier drains or a budget
// trips. Safe for a single Run call; the frontier controller is serialized
// behind the engine's mutex.
type Engine struct {
	opts     archive.Options
	seed     string
	capturer Capturer
	store    *manifest.Store
	robots   RobotsPolicy
	hub      progress.Emitter
	clock    Clock
	logger   *zap.Logger

	mu   sync.Mutex
	ctrl *frontier.Controller

	// wake signals the scheduler that a worker finished.
	wake chan struct{}
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	Seed       string
	Options    archive.Options
	Controller *frontier.Controller
	Capturer   Capturer
	Manifest   *manifest.Store
	Robots     RobotsPolicy
	Hub        progress.Emitter
	Clock      Clock
}

// NewEngine validates and assembles an Engine.
func NewEngine(cfg EngineConfig, logger *zap.Logger) (*Engine, error) {
	if cfg.Controller == nil {
		return nil, fmt.Errorf("engine: frontier controller is required")
	}
	if cfg.Capturer == nil {
		return nil, fmt.Errorf("engine: capturer is required")
	}
	if cfg.Manifest == nil {
		return nil, fmt.Errorf("engine: manifest store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	robots := cfg.Robots
	if robots == nil {
		robots = allowAll{}
	}
	return &Engine{
		opts:     cfg.Options,
		seed:     cfg.Seed,
		capturer: cfg.Capturer,
		store:    cfg.Manifest,
		robots:   robots,
		hub:      cfg.Hub,
		clock:    cfg.Clock,
		logger:   logger,
		ctrl:     cfg.Controller,
		wake:     make(chan struct{}, 1),
	}, nil
}

// Run drives the crawl until the frontier drains, a budget trips, or ctx
// is cancelled. It always finalizes the manifest, so even an interrupted
// run leaves a loadable, resumable archive on disk. Returns ErrSeedFailed
// when the run captured nothing because the seed itself failed.
func (e *Engine) Run(ctx context.Context) (archive.ArchiveManifest, error) {
	start := e.now()

	concurrency := e.opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	slots := make(chan struct{}, concurrency)

	// Captures run on a context that outlives cancellation by a grace
	// period, so interrupted pages finish or fail cleanly instead of
	// leaving half-written directories.
	captureCtx, cancelCapture := context.WithCancel(context.Background())
	workersDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-workersDone:
			cancelCapture()
			return
		}
		grace := e.opts.Timeout
		if grace <= 0 {
			grace = 15 * time.Second
		}
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-t.C:
		case <-workersDone:
		}
		cancelCapture()
	}()

	var (
		wg        sync.WaitGroup
		seedMu    sync.Mutex
		seedErr   error
		budgetHit bool
	)

	for ctx.Err() == nil {
		e.mu.Lock()
		entry, ok := e.ctrl.Next()
		if !ok {
			reached := e.ctrl.BudgetReached()
			idle := e.ctrl.Idle()
			e.mu.Unlock()
			if idle {
				// A failed in-flight capture returns its budget slot, so
				// the budget verdict is only final once nothing is running.
				if reached {
					budgetHit = true
					e.emit(progress.Event{
						Stage: progress.StageBudgetReached,
						Note:  "max_pages",
					})
				}
				break
			}
			select {
			case <-ctx.Done():
			case <-e.wake:
			}
			continue
		}
		e.mu.Unlock()

		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			// Left in-progress on purpose: the final snapshot persists
			// in-progress URLs as pending, so resume picks this one up.
			continue
		}

		wg.Add(1)
		go func(entry archive.FrontierEntry) {
			defer wg.Done()
			defer func() {
				<-slots
				select {
				case e.wake <- struct{}{}:
				default:
				}
			}()
			if err := e.process(captureCtx, entry); err != nil && entry.Depth == 0 {
				seedMu.Lock()
				seedErr = err
				seedMu.Unlock()
			}
		}(entry)
	}

	wg.Wait()
	close(workersDone)

	e.mu.Lock()
	state := e.ctrl.Snapshot()
	captured := e.ctrl.Captured()
	e.mu.Unlock()
	if err := e.store.SaveState(state); err != nil {
		e.logger.Warn("persist crawl state failed", zap.Error(err))
	}

	man, err := e.store.Finalize(e.now().Sub(start))
	if err != nil {
		return archive.ArchiveManifest{}, fmt.Errorf("finalize manifest: %w", err)
	}

	if captured == 0 && seedErr != nil {
		return man, fmt.Errorf("%w: %v", ErrSeedFailed, seedErr)
	}
	e.logger.Info("crawl finished",
		zap.Int("pages", captured),
		zap.Bool("budget_reached", budgetHit),
		zap.Duration("duration", e.now().Sub(start)))
	return man, nil
}

// process captures one frontier entry and records the outcome. The
// returned error is non-nil only for page-level failures.
func (e *Engine) process(ctx context.Context, entry archive.FrontierEntry) error {
	if !e.robots.Allowed(ctx, entry.URL) {
		e.logger.Info("page disallowed by robots.txt", zap.String("url", entry.URL))
		e.mu.Lock()
		e.ctrl.MarkSkipped(entry.URL)
		e.mu.Unlock()
		return nil
	}

	res, err := e.capturer.Capture(ctx, entry.URL, entry.Depth)
	if err != nil {
		e.mu.Lock()
		e.ctrl.MarkFailed(entry.URL)
		e.mu.Unlock()
		if rerr := e.store.RecordError(archive.CrawlError{
			URL:     entry.URL,
			Phase:   archive.PhaseRender,
			Message: err.Error(),
		}); rerr != nil {
			e.logger.Warn("record crawl error failed", zap.Error(rerr))
		}
		e.emit(progress.Event{
			Stage: progress.StagePageFailed,
			URL:   entry.URL,
			Depth: entry.Depth,
			Note:  err.Error(),
		})
		return err
	}

	if err := e.store.AppendPage(res.Page, res.Assets); err != nil {
		e.mu.Lock()
		e.ctrl.MarkFailed(entry.URL)
		e.mu.Unlock()
		e.logger.Error("append page to manifest failed",
			zap.String("url", res.Page.URL), zap.Error(err))
		return fmt.Errorf("append page: %w", err)
	}
	for _, ce := range res.Errors {
		if rerr := e.store.RecordError(ce); rerr != nil {
			e.logger.Warn("record asset error failed", zap.Error(rerr))
		}
	}

	e.mu.Lock()
	e.ctrl.MarkCaptured(entry.URL)
	for _, link := range res.Links {
		if e.skipLink(link) {
			continue
		}
		e.ctrl.Enqueue(link, entry.Depth+1, res.Page.URL)
	}
	state := e.ctrl.Snapshot()
	e.mu.Unlock()
	if err := e.store.SaveState(state); err != nil {
		e.logger.Warn("persist crawl state failed", zap.Error(err))
	}

	for _, rec := range res.Assets {
		if rec.Broken() {
			continue
		}
		e.emit(progress.Event{
			Stage:        progress.StageAssetStored,
			URL:          rec.URL,
			Bytes:        rec.Size,
			Deduplicated: rec.Deduplicated,
			AssetType:    rec.Type,
		})
	}
	e.emit(progress.Event{
		Stage: progress.StagePageCaptured,
		URL:   res.Page.URL,
		Depth: entry.Depth,
		Dur:   res.Duration,
	})
	return nil
}

var paginationPath = regexp.MustCompile(`/page/\d+/?$`)

// skipLink filters pagination links when FollowPagination is off.
func (e *Engine) skipLink(link string) bool {
	if e.opts.FollowPagination {
		return false
	}
	u, err := url.Parse(link)
	if err != nil {
		return true
	}
	if paginationPath.MatchString(u.Path) {
		return true
	}
	q := u.Query()
	for _, key := range []string{"page", "paged", "p"} {
		if strings.TrimSpace(q.Get(key)) != "" {
			return true
		}
	}
	return false
}

func (e *Engine) emit(evt progress.Event) {
	if e.hub == nil {
		return
	}
	evt.TS = e.now()
	e.hub.Emit(evt)
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now().UTC()
	}
	return e.clock.Now()
}
