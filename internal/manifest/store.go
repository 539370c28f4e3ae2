// Package manifest implements the durable, crash-resumable archive
// manifest. Page-capture events append to an embedded Badger log keyed by
// page URL; Finalize compacts the log into manifest.json, the on-disk
// snapshot the replay server and analyzer read.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/trenchlabs/trench/internal/archive"
)

// ErrCorruptArchive marks a manifest that is unreadable or fails the
// minimal schema check. Fatal for replay, analyze, and resume.
var ErrCorruptArchive = errors.New("corrupt archive manifest")

// ManifestFile is the snapshot filename inside an archive root.
const ManifestFile = "manifest.json"

// stateDir holds the Badger log; hidden so it never collides with the
// pages/ and assets/ layout contract.
const stateDir = ".trench"

// Key prefixes for the Badger log.
const (
	prefixPage  = "page:"  // page:<normalized-url> -> PageManifest JSON
	prefixAsset = "asset:" // asset:<url> -> AssetRecord JSON
	keyHeader   = "meta:archive"
	keyState    = "state:frontier"
	keyErrors   = "meta:errors"
)

type header struct {
	URL     string          `json:"url"`
	Created time.Time       `json:"created"`
	Version string          `json:"version"`
	Options archive.Options `json:"options"`
}

// Store is the writable manifest for one archive run. All appends are
// single Badger transactions, so a crash between page captures always
// leaves the log loadable and resumable. Writes serialize behind a mutex:
// concurrent workers append pages sharing asset URLs (and every worker
// touches the error list), and under Badger's SSI those overlapping
// read-modify-write transactions would otherwise abort with ErrConflict.
type Store struct {
	root   string
	db     *badger.DB
	logger *zap.Logger
	hdr    header

	mu sync.Mutex // serializes writing transactions
}

// Open opens or creates the manifest store under root. On first open it
// records the archive header (seed, creation time, effective options); on
// reopen the original header is kept so resume runs report the first
// creation time.
func Open(root, seedURL string, opts archive.Options, created time.Time, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dbOpts := badger.DefaultOptions(filepath.Join(root, stateDir))
	dbOpts.Logger = nil
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open manifest log: %w", err)
	}

	s := &Store{root: root, db: db, logger: logger}
	if err := s.loadOrInitHeader(seedURL, opts, created); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadOrInitHeader(seedURL string, opts archive.Options, created time.Time) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyHeader))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &s.hdr)
		})
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("read archive header: %w", err)
	}

	s.hdr = header{URL: seedURL, Created: created, Version: archive.ManifestVersion, Options: opts}
	data, err := json.Marshal(s.hdr)
	if err != nil {
		return fmt.Errorf("marshal archive header: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyHeader), data)
	}); err != nil {
		return fmt.Errorf("write archive header: %w", err)
	}
	return nil
}

// Close releases the Badger log. Safe to call after Finalize.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close manifest log: %w", err)
	}
	return nil
}

// HasPage reports whether a manifest entry exists for the page URL.
func (s *Store) HasPage(url string) bool {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(prefixPage + url))
		return err
	})
	return err == nil
}

// AppendPage atomically appends one page and its asset records. If the
// page URL already has an entry the append is a no-op, which is what makes
// resume correct: replaying a capture event can never duplicate a page.
// Safe for concurrent, out-of-order calls.
func (s *Store) AppendPage(page archive.PageManifest, assets []archive.AssetRecord) error {
	pageKey := []byte(prefixPage + page.URL)
	pageVal, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("marshal page manifest: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(pageKey); err == nil {
			return nil // already recorded
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(pageKey, pageVal); err != nil {
			return err
		}
		for _, a := range assets {
			assetKey := []byte(prefixAsset + a.URL)
			if _, err := txn.Get(assetKey); err == nil {
				continue // first record for an asset URL wins
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			val, err := json.Marshal(a)
			if err != nil {
				return err
			}
			if err := txn.Set(assetKey, val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append page %s: %w", page.URL, err)
	}
	return nil
}

// RecordError appends a recovered crawl error to the error list. Safe for
// concurrent calls.
func (s *Store) RecordError(ce archive.CrawlError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(txn *badger.Txn) error {
		var errs []archive.CrawlError
		item, err := txn.Get([]byte(keyErrors))
		if err == nil {
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &errs)
			}); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		errs = append(errs, ce)
		data, err := json.Marshal(errs)
		if err != nil {
			return err
		}
		return txn.Set([]byte(keyErrors), data)
	})
	if err != nil {
		return fmt.Errorf("record crawl error: %w", err)
	}
	return nil
}

// SaveState persists the controller's frontier snapshot.
func (s *Store) SaveState(state archive.CrawlState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal crawl state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyState), data)
	}); err != nil {
		return fmt.Errorf("save crawl state: %w", err)
	}
	return nil
}

// LoadState returns the persisted frontier snapshot, or a zero state when
// none was saved yet.
func (s *Store) LoadState() (archive.CrawlState, error) {
	var state archive.CrawlState
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyState))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &state)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return archive.CrawlState{}, nil
	}
	if err != nil {
		return archive.CrawlState{}, fmt.Errorf("load crawl state: %w", err)
	}
	return state, nil
}

// Pages returns every recorded page, sorted by depth then URL so snapshot
// output is deterministic across runs.
func (s *Store) Pages() ([]archive.PageManifest, error) {
	var pages []archive.PageManifest
	err := s.collect(prefixPage, func(val []byte) error {
		var p archive.PageManifest
		if err := json.Unmarshal(val, &p); err != nil {
			return err
		}
		pages = append(pages, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	sort.Slice(pages, func(i, j int) bool {
		if pages[i].Depth != pages[j].Depth {
			return pages[i].Depth < pages[j].Depth
		}
		return pages[i].URL < pages[j].URL
	})
	return pages, nil
}

// Assets returns every recorded asset, sorted by URL.
func (s *Store) Assets() ([]archive.AssetRecord, error) {
	var assets []archive.AssetRecord
	err := s.collect(prefixAsset, func(val []byte) error {
		var a archive.AssetRecord
		if err := json.Unmarshal(val, &a); err != nil {
			return err
		}
		assets = append(assets, a)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].URL < assets[j].URL })
	return assets, nil
}

func (s *Store) collect(prefix string, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) errorList() ([]archive.CrawlError, error) {
	var errs []archive.CrawlError
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyErrors))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &errs)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load error list: %w", err)
	}
	return errs, nil
}

// Finalize recomputes stats from the full recorded set rather than trusting
// incrementally tracked counters, then writes manifest.json atomically via
// a temp file and rename. Safe to call repeatedly; a partial archive is
// always left loadable.
func (s *Store) Finalize(duration time.Duration) (archive.ArchiveManifest, error) {
	pages, err := s.Pages()
	if err != nil {
		return archive.ArchiveManifest{}, err
	}
	assets, err := s.Assets()
	if err != nil {
		return archive.ArchiveManifest{}, err
	}
	errs, err := s.errorList()
	if err != nil {
		return archive.ArchiveManifest{}, err
	}

	stats := archive.Stats{
		TotalPages:  len(pages),
		TotalAssets: len(assets),
		DurationMs:  duration.Milliseconds(),
		Errors:      errs,
	}
	for _, a := range assets {
		if a.Deduplicated {
			stats.DeduplicatedAssets++
			continue
		}
		stats.UniqueAssets++
		stats.TotalSize += a.Size
	}

	m := archive.ArchiveManifest{
		URL:     s.hdr.URL,
		Created: s.hdr.Created,
		Version: s.hdr.Version,
		Options: s.hdr.Options,
		Pages:   pages,
		Assets:  assets,
		Stats:   stats,
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return archive.ArchiveManifest{}, fmt.Errorf("marshal manifest: %w", err)
	}
	target := filepath.Join(s.root, ManifestFile)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return archive.ArchiveManifest{}, fmt.Errorf("write manifest snapshot: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return archive.ArchiveManifest{}, fmt.Errorf("publish manifest snapshot: %w", err)
	}
	s.logger.Info("manifest finalized",
		zap.Int("pages", stats.TotalPages),
		zap.Int("assets", stats.TotalAssets),
		zap.Int64("total_size", stats.TotalSize),
	)
	return m, nil
}

// Load reads and validates manifest.json from an archive root. A missing or
// schema-invalid manifest yields ErrCorruptArchive.
func Load(root string) (archive.ArchiveManifest, error) {
	data, err := os.ReadFile(filepath.Join(root, ManifestFile))
	if err != nil {
		return archive.ArchiveManifest{}, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}

	// Minimal schema check before committing to the full decode: the root
	// object must carry url, pages, assets, and stats.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return archive.ArchiveManifest{}, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	for _, field := range []string{"url", "pages", "assets", "stats"} {
		if _, ok := probe[field]; !ok {
			return archive.ArchiveManifest{}, fmt.Errorf("%w: missing %q", ErrCorruptArchive, field)
		}
	}

	var m archive.ArchiveManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return archive.ArchiveManifest{}, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	if m.URL == "" {
		return archive.ArchiveManifest{}, fmt.Errorf("%w: empty seed url", ErrCorruptArchive)
	}
	return m, nil
}
