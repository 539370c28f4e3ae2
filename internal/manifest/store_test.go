package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trenchlabs/trench/internal/archive"
)

var testOpts = archive.Options{MaxDepth: 2, MaxPages: 10, Concurrency: 2}

func openTestStore(t *testing.T, root string) *Store {
	t.Helper()
	s, err := Open(root, "https://example.com/", testOpts, time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func intPtr(v int) *int { return &v }

func TestAppendPageIdempotent(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	page := archive.PageManifest{URL: "https://example.com/", Title: "Home", Path: "pages/abc", AssetCount: 1}
	assets := []archive.AssetRecord{{
		URL: "https://example.com/app.css", ContentHash: "h1",
		Type: archive.AssetStylesheet, MimeType: "text/css", Size: 10, StatusCode: intPtr(200),
	}}

	require.NoError(t, s.AppendPage(page, assets))

	// Replaying the same capture must not duplicate anything.
	dupe := page
	dupe.Title = "changed"
	require.NoError(t, s.AppendPage(dupe, assets))

	pages, err := s.Pages()
	require.NoError(t, err)
	require.Len(t, pages, 1)
	require.Equal(t, "Home", pages[0].Title)

	recorded, err := s.Assets()
	require.NoError(t, err)
	require.Len(t, recorded, 1)
}

func TestAppendSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	s := openTestStore(t, root)
	require.NoError(t, s.AppendPage(archive.PageManifest{URL: "https://example.com/", Path: "pages/a"}, nil))
	require.NoError(t, s.Close())

	reopened := openTestStore(t, root)
	require.True(t, reopened.HasPage("https://example.com/"))
	require.NoError(t, reopened.AppendPage(archive.PageManifest{URL: "https://example.com/", Path: "pages/b"}, nil))

	pages, err := reopened.Pages()
	require.NoError(t, err)
	require.Len(t, pages, 1)
	require.Equal(t, "pages/a", pages[0].Path)
}

func TestFinalizeRecomputesStats(t *testing.T) {
	root := t.TempDir()
	s := openTestStore(t, root)

	require.NoError(t, s.AppendPage(
		archive.PageManifest{URL: "https://example.com/", Path: "pages/a", Depth: 0, AssetCount: 2},
		[]archive.AssetRecord{
			{URL: "https://example.com/logo.png", ContentHash: "same", Type: archive.AssetImage, Size: 10240},
			{URL: "https://example.com/app.css", ContentHash: "css", Type: archive.AssetStylesheet, Size: 300},
		},
	))
	require.NoError(t, s.AppendPage(
		archive.PageManifest{URL: "https://example.com/about", Path: "pages/b", Depth: 1, AssetCount: 1},
		[]archive.AssetRecord{
			// Identical logo embedded by a second page: record kept, bytes not.
			{URL: "https://example.com/img/logo.png", ContentHash: "same", Type: archive.AssetImage, Size: 10240, Deduplicated: true},
		},
	))
	require.NoError(t, s.RecordError(archive.CrawlError{URL: "https://example.com/broken", Phase: archive.PhaseFetch, Message: "404"}))

	m, err := s.Finalize(3 * time.Second)
	require.NoError(t, err)

	require.Equal(t, 2, m.Stats.TotalPages)
	require.Equal(t, 3, m.Stats.TotalAssets)
	require.Equal(t, 2, m.Stats.UniqueAssets)
	require.Equal(t, 1, m.Stats.DeduplicatedAssets)
	require.Equal(t, m.Stats.TotalAssets, m.Stats.UniqueAssets+m.Stats.DeduplicatedAssets)
	require.Equal(t, int64(10240+300), m.Stats.TotalSize)
	require.Equal(t, int64(3000), m.Stats.DurationMs)
	require.Len(t, m.Stats.Errors, 1)

	// Pages sorted by depth for deterministic snapshots.
	require.Equal(t, "https://example.com/", m.Pages[0].URL)

	_, err = os.Stat(filepath.Join(root, ManifestFile))
	require.NoError(t, err)
}

func TestLoad(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		root := t.TempDir()
		s := openTestStore(t, root)
		require.NoError(t, s.AppendPage(archive.PageManifest{URL: "https://example.com/", Path: "pages/a"}, nil))
		_, err := s.Finalize(time.Second)
		require.NoError(t, err)

		m, err := Load(root)
		require.NoError(t, err)
		require.Equal(t, "https://example.com/", m.URL)
		require.Equal(t, archive.ManifestVersion, m.Version)
		require.Equal(t, testOpts.MaxPages, m.Options.MaxPages)
	})

	t.Run("missing manifest", func(t *testing.T) {
		_, err := Load(t.TempDir())
		require.ErrorIs(t, err, ErrCorruptArchive)
	})

	t.Run("schema check", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(root, ManifestFile), []byte(`{"url":"x","pages":[]}`), 0o600))
		_, err := Load(root)
		require.ErrorIs(t, err, ErrCorruptArchive)
	})

	t.Run("invalid json", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(root, ManifestFile), []byte(`{{{`), 0o600))
		_, err := Load(root)
		require.ErrorIs(t, err, ErrCorruptArchive)
	})
}

func TestCrawlStateRoundTrip(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	state, err := s.LoadState()
	require.NoError(t, err)
	require.Empty(t, state.Visited)

	in := archive.CrawlState{
		Visited:  []string{"https://example.com/"},
		Pending:  []archive.FrontierEntry{{URL: "https://example.com/a", Depth: 1, Referrer: "https://example.com/"}},
		Captured: 1,
	}
	require.NoError(t, s.SaveState(in))

	out, err := s.LoadState()
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestHeaderSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	s := openTestStore(t, root)
	require.NoError(t, s.Close())

	// Reopen with different options; the original header must win.
	later, err := Open(root, "https://example.com/", archive.Options{MaxPages: 99}, time.Now().UTC(), nil)
	require.NoError(t, err)
	defer func() { _ = later.Close() }()

	m, err := later.Finalize(0)
	require.NoError(t, err)
	require.Equal(t, 10, m.Options.MaxPages)
	require.Equal(t, time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), m.Created)
}

func TestAppendPageConcurrentSharedAsset(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	// Every page references the same stylesheet, so concurrent appends all
	// touch the asset:<url> key. None may fail and none may be lost.
	shared := archive.AssetRecord{
		URL: "https://example.com/site.css", ContentHash: "h-css",
		Type: archive.AssetStylesheet, MimeType: "text/css", Size: 40, StatusCode: intPtr(200),
	}

	const workers = 8
	const perWorker = 50
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				url := fmt.Sprintf("https://example.com/p%d-%d", w, i)
				page := archive.PageManifest{URL: url, Path: "pages/" + fmt.Sprintf("%d-%d", w, i), AssetCount: 1, Depth: 1}
				if err := s.AppendPage(page, []archive.AssetRecord{shared}); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	pages, err := s.Pages()
	require.NoError(t, err)
	require.Len(t, pages, workers*perWorker)

	assets, err := s.Assets()
	require.NoError(t, err)
	require.Len(t, assets, 1)
}

func TestRecordErrorConcurrent(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	const workers = 8
	const perWorker = 25
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ce := archive.CrawlError{
					URL:     fmt.Sprintf("https://example.com/a%d-%d", w, i),
					Phase:   archive.PhaseFetch,
					Message: "boom",
				}
				if err := s.RecordError(ce); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	recorded, err := s.errorList()
	require.NoError(t, err)
	require.Len(t, recorded, workers*perWorker)
}
