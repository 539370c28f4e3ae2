package crawl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trenchlabs/trench/internal/archive"
	"github.com/trenchlabs/trench/internal/capture"
	"github.com/trenchlabs/trench/internal/frontier"
	"github.com/trenchlabs/trench/internal/manifest"
	"github.com/trenchlabs/trench/internal/progress"
)

type MockCapturer struct {
	mock.Mock
}

func (m *MockCapturer) Capture(ctx context.Context, rawURL string, depth int) (capture.Result, error) {
	args := m.Called(ctx, rawURL, depth)
	return args.Get(0).(capture.Result), args.Error(1)
}

type denyPolicy struct {
	deny map[string]bool
}

func (d *denyPolicy) Allowed(_ context.Context, rawURL string) bool {
	return !d.deny[rawURL]
}

// collectSink records every event it receives.
type collectSink struct {
	mu     sync.Mutex
	events []progress.Event
}

func (s *collectSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

func (s *collectSink) Close(context.Context) error { return nil }

func (s *collectSink) byStage(stage progress.Stage) []progress.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []progress.Event
	for _, e := range s.events {
		if e.Stage == stage {
			out = append(out, e)
		}
	}
	return out
}

func pageResult(url string, depth int, links ...string) capture.Result {
	return capture.Result{
		Page: archive.PageManifest{
			URL:        url,
			Title:      url,
			Path:       "pages/" + url[len(url)-1:],
			AssetCount: 1,
			Depth:      depth,
		},
		Links: links,
		Assets: []archive.AssetRecord{{
			URL:         url,
			ContentHash: "hash-of-" + url,
			Type:        archive.AssetDocument,
			MimeType:    "text/html",
			Size:        64,
		}},
		Duration: 5 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T, seed string, opts archive.Options, capt Capturer, robots RobotsPolicy, sink progress.Sink) (*Engine, *manifest.Store, func()) {
	t.Helper()
	store, err := manifest.Open(t.TempDir(), seed, opts, time.Now().UTC(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	// flush drains the hub so sink assertions observe every event.
	flush := func() {}
	var hub progress.Emitter
	if sink != nil {
		h := progress.NewHub(progress.Config{}, sink)
		flush = func() { _ = h.Close(context.Background()) }
		t.Cleanup(flush)
		hub = h
	}

	eng, err := NewEngine(EngineConfig{
		Seed:       seed,
		Options:    opts,
		Controller: frontier.New(seed, opts.MaxDepth, opts.MaxPages, opts.AllowHosts, zap.NewNop()),
		Capturer:   capt,
		Manifest:   store,
		Robots:     robots,
		Hub:        hub,
	}, zap.NewNop())
	require.NoError(t, err)
	return eng, store, flush
}

func TestRunCrawlsToDepthLimit(t *testing.T) {
	const seed = "https://example.com/"
	opts := archive.Options{MaxDepth: 1, MaxPages: 10, Concurrency: 1}

	capt := new(MockCapturer)
	capt.On("Capture", mock.Anything, seed, 0).
		Return(pageResult(seed, 0, "https://example.com/a", "https://example.com/b"), nil).Once()
	capt.On("Capture", mock.Anything, "https://example.com/a", 1).
		Return(pageResult("https://example.com/a", 1, "https://example.com/deep"), nil).Once()
	capt.On("Capture", mock.Anything, "https://example.com/b", 1).
		Return(pageResult("https://example.com/b", 1), nil).Once()

	eng, _, _ := newTestEngine(t, seed, opts, capt, nil, nil)
	man, err := eng.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, man.Pages, 3)
	require.Equal(t, 3, man.Stats.TotalPages)
	// /deep sits at depth 2, past the limit.
	capt.AssertNotCalled(t, "Capture", mock.Anything, "https://example.com/deep", mock.Anything)
	capt.AssertExpectations(t)
}

func TestRunStopsAtMaxPages(t *testing.T) {
	const seed = "https://example.com/"
	opts := archive.Options{MaxDepth: 3, MaxPages: 2, Concurrency: 1}

	capt := new(MockCapturer)
	capt.On("Capture", mock.Anything, seed, 0).
		Return(pageResult(seed, 0,
			"https://example.com/a", "https://example.com/b", "https://example.com/c"), nil).Once()
	capt.On("Capture", mock.Anything, "https://example.com/a", 1).
		Return(pageResult("https://example.com/a", 1), nil).Once()

	sink := &collectSink{}
	eng, _, flush := newTestEngine(t, seed, opts, capt, nil, sink)
	man, err := eng.Run(context.Background())
	require.NoError(t, err)
	flush()

	require.Len(t, man.Pages, 2)
	require.Len(t, sink.byStage(progress.StageBudgetReached), 1)
	require.Equal(t, "max_pages", sink.byStage(progress.StageBudgetReached)[0].Note)
	capt.AssertExpectations(t)
}

func TestRunSeedFailure(t *testing.T) {
	const seed = "https://example.com/"
	opts := archive.Options{MaxDepth: 1, MaxPages: 5, Concurrency: 1}

	capt := new(MockCapturer)
	capt.On("Capture", mock.Anything, seed, 0).
		Return(capture.Result{}, errors.New("net::ERR_NAME_NOT_RESOLVED"))

	sink := &collectSink{}
	eng, _, flush := newTestEngine(t, seed, opts, capt, nil, sink)
	man, err := eng.Run(context.Background())
	require.ErrorIs(t, err, ErrSeedFailed)
	flush()

	// Finalize still ran: the manifest is loadable and records the failure.
	require.Empty(t, man.Pages)
	require.Len(t, man.Stats.Errors, 1)
	require.Equal(t, archive.PhaseRender, man.Stats.Errors[0].Phase)
	require.Len(t, sink.byStage(progress.StagePageFailed), 1)
}

func TestRunPageFailureDoesNotStopCrawl(t *testing.T) {
	const seed = "https://example.com/"
	opts := archive.Options{MaxDepth: 1, MaxPages: 5, Concurrency: 1}

	capt := new(MockCapturer)
	capt.On("Capture", mock.Anything, seed, 0).
		Return(pageResult(seed, 0, "https://example.com/broken", "https://example.com/ok"), nil).Once()
	capt.On("Capture", mock.Anything, "https://example.com/broken", 1).
		Return(capture.Result{}, errors.New("timeout")).Once()
	capt.On("Capture", mock.Anything, "https://example.com/ok", 1).
		Return(pageResult("https://example.com/ok", 1), nil).Once()

	eng, _, _ := newTestEngine(t, seed, opts, capt, nil, nil)
	man, err := eng.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, man.Pages, 2)
	require.Len(t, man.Stats.Errors, 1)
	require.Equal(t, "https://example.com/broken", man.Stats.Errors[0].URL)
	capt.AssertExpectations(t)
}

func TestRunSkipsRobotsDisallowedPages(t *testing.T) {
	const seed = "https://example.com/"
	opts := archive.Options{MaxDepth: 1, MaxPages: 5, Concurrency: 1}

	capt := new(MockCapturer)
	capt.On("Capture", mock.Anything, seed, 0).
		Return(pageResult(seed, 0, "https://example.com/private", "https://example.com/open"), nil).Once()
	capt.On("Capture", mock.Anything, "https://example.com/open", 1).
		Return(pageResult("https://example.com/open", 1), nil).Once()

	robots := &denyPolicy{deny: map[string]bool{"https://example.com/private": true}}
	eng, _, _ := newTestEngine(t, seed, opts, capt, robots, nil)
	man, err := eng.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, man.Pages, 2)
	capt.AssertNotCalled(t, "Capture", mock.Anything, "https://example.com/private", mock.Anything)
}

func TestRunEmitsProgressEvents(t *testing.T) {
	const seed = "https://example.com/"
	opts := archive.Options{MaxDepth: 0, MaxPages: 1, Concurrency: 1}

	capt := new(MockCapturer)
	capt.On("Capture", mock.Anything, seed, 0).Return(pageResult(seed, 0), nil).Once()

	sink := &collectSink{}
	eng, _, flush := newTestEngine(t, seed, opts, capt, nil, sink)
	_, err := eng.Run(context.Background())
	require.NoError(t, err)
	flush()

	pages := sink.byStage(progress.StagePageCaptured)
	require.Len(t, pages, 1)
	require.Equal(t, seed, pages[0].URL)
	require.Equal(t, 5*time.Millisecond, pages[0].Dur)

	assets := sink.byStage(progress.StageAssetStored)
	require.Len(t, assets, 1)
	require.Equal(t, int64(64), assets[0].Bytes)
}

func TestRunResumeRecapturesNothing(t *testing.T) {
	const seed = "https://example.com/"
	opts := archive.Options{MaxDepth: 1, MaxPages: 5, Concurrency: 1}
	root := t.TempDir()

	capt := new(MockCapturer)
	capt.On("Capture", mock.Anything, seed, 0).
		Return(pageResult(seed, 0, "https://example.com/a"), nil).Once()
	capt.On("Capture", mock.Anything, "https://example.com/a", 1).
		Return(pageResult("https://example.com/a", 1), nil).Once()

	store, err := manifest.Open(root, seed, opts, time.Now().UTC(), zap.NewNop())
	require.NoError(t, err)
	eng, err := NewEngine(EngineConfig{
		Seed:       seed,
		Options:    opts,
		Controller: frontier.New(seed, opts.MaxDepth, opts.MaxPages, opts.AllowHosts, zap.NewNop()),
		Capturer:   capt,
		Manifest:   store,
	}, zap.NewNop())
	require.NoError(t, err)
	first, err := eng.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Second run restores the controller from persisted state; every page
	// is already captured, so the capturer is never invoked again.
	store2, err := manifest.Open(root, seed, opts, time.Now().UTC(), zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = store2.Close() }()
	state, err := store2.LoadState()
	require.NoError(t, err)
	pages, err := store2.Pages()
	require.NoError(t, err)

	strict := new(MockCapturer)
	eng2, err := NewEngine(EngineConfig{
		Seed:       seed,
		Options:    opts,
		Controller: frontier.Restore(seed, opts.MaxDepth, opts.MaxPages, opts.AllowHosts, state, pages, zap.NewNop()),
		Capturer:   strict,
		Manifest:   store2,
	}, zap.NewNop())
	require.NoError(t, err)
	second, err := eng2.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, first.Pages, second.Pages)
	require.Equal(t, first.Stats.TotalPages, second.Stats.TotalPages)
	strict.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything, mock.Anything)
}

func TestSkipLinkPagination(t *testing.T) {
	eng := &Engine{opts: archive.Options{FollowPagination: false}}
	require.True(t, eng.skipLink("https://example.com/blog/page/2"))
	require.True(t, eng.skipLink("https://example.com/posts?page=3"))
	require.False(t, eng.skipLink("https://example.com/pagecraft"))
	require.False(t, eng.skipLink("https://example.com/about"))

	follow := &Engine{opts: archive.Options{FollowPagination: true}}
	require.False(t, follow.skipLink("https://example.com/blog/page/2"))
}

func TestRunResumeRetriesFailedPage(t *testing.T) {
	const seed = "https://example.com/"
	opts := archive.Options{MaxDepth: 1, MaxPages: 5, Concurrency: 1}
	root := t.TempDir()

	capt := new(MockCapturer)
	capt.On("Capture", mock.Anything, seed, 0).
		Return(pageResult(seed, 0, "https://example.com/a"), nil).Once()
	capt.On("Capture", mock.Anything, "https://example.com/a", 1).
		Return(capture.Result{}, errors.New("connection reset")).Once()

	store, err := manifest.Open(root, seed, opts, time.Now().UTC(), zap.NewNop())
	require.NoError(t, err)
	eng, err := NewEngine(EngineConfig{
		Seed:       seed,
		Options:    opts,
		Controller: frontier.New(seed, opts.MaxDepth, opts.MaxPages, opts.AllowHosts, zap.NewNop()),
		Capturer:   capt,
		Manifest:   store,
	}, zap.NewNop())
	require.NoError(t, err)
	first, err := eng.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.Stats.TotalPages)
	require.NoError(t, store.Close())

	// The transient failure must not poison the resume run: the restored
	// frontier offers the page again, and this time it captures.
	store2, err := manifest.Open(root, seed, opts, time.Now().UTC(), zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = store2.Close() }()
	state, err := store2.LoadState()
	require.NoError(t, err)
	pages, err := store2.Pages()
	require.NoError(t, err)

	retry := new(MockCapturer)
	retry.On("Capture", mock.Anything, "https://example.com/a", 1).
		Return(pageResult("https://example.com/a", 1), nil).Once()
	eng2, err := NewEngine(EngineConfig{
		Seed:       seed,
		Options:    opts,
		Controller: frontier.Restore(seed, opts.MaxDepth, opts.MaxPages, opts.AllowHosts, state, pages, zap.NewNop()),
		Capturer:   retry,
		Manifest:   store2,
	}, zap.NewNop())
	require.NoError(t, err)
	second, err := eng2.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 2, second.Stats.TotalPages)
	retry.AssertExpectations(t)
	retry.AssertNotCalled(t, "Capture", mock.Anything, seed, mock.Anything)
}
