// Package assetstore implements content-addressed blob storage with
// deduplication. Every unique body is written exactly once under
// assets/<hash><ext>; repeat content from any URL yields a record that
// points at the existing blob.
package assetstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/trenchlabs/trench/internal/archive"
	"github.com/trenchlabs/trench/internal/hash/sha256"
)

// ErrNotFound is returned by Get when no blob exists for a hash.
var ErrNotFound = errors.New("asset not found")

// assetsDir is the blob directory name inside an archive root.
const assetsDir = "assets"

// Store is the per-archive asset store. The check-and-write around the hash
// index is a single critical section so concurrent workers cannot write the
// same new hash twice or race the dedup bookkeeping.
type Store struct {
	root   string
	hasher *sha256.Hasher
	logger *zap.Logger

	mu    sync.Mutex
	blobs map[string]string // content hash -> blob filename
}

// Open prepares the store under root, creating assets/ if needed and
// rebuilding the hash index from any blobs a previous run left behind so a
// resumed archive keeps deduplicating against them. An unwritable root is a
// fatal storage failure.
func Open(root string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("archive root is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Join(root, assetsDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create assets dir: %w", err)
	}

	probe := filepath.Join(dir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("assets dir is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up write probe: %w", err)
	}

	s := &Store{
		root:   root,
		hasher: sha256.New(),
		logger: logger,
		blobs:  make(map[string]string),
	}
	if err := s.reindex(dir); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reindex(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read assets dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		hash := strings.TrimSuffix(name, filepath.Ext(name))
		if len(hash) != 64 {
			continue
		}
		s.blobs[hash] = name
	}
	if len(s.blobs) > 0 {
		s.logger.Debug("asset index rebuilt", zap.Int("blobs", len(s.blobs)))
	}
	return nil
}

// Put stores body once per unique content. The first call for a hash writes
// the blob and returns a record with Deduplicated=false; later calls for
// the same bytes, from any URL, return Deduplicated=true without touching
// disk. Size always reports the blob's byte length.
func (s *Store) Put(url string, body []byte, mimeType string, statusCode int) (archive.AssetRecord, error) {
	hash, err := s.hasher.Hash(body)
	if err != nil {
		return archive.AssetRecord{}, fmt.Errorf("hash asset body: %w", err)
	}

	rec := archive.AssetRecord{
		URL:         url,
		ContentHash: hash,
		Type:        archive.ClassifyAsset(url, mimeType),
		MimeType:    mimeType,
		Size:        int64(len(body)),
	}
	if statusCode > 0 {
		code := statusCode
		rec.StatusCode = &code
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.blobs[hash]; exists {
		rec.Deduplicated = true
		return rec, nil
	}

	name := hash + archive.Extension(url, mimeType)
	path := filepath.Join(s.root, assetsDir, name)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return archive.AssetRecord{}, fmt.Errorf("write blob: %w", err)
	}
	s.blobs[hash] = name
	return rec, nil
}

// Get returns the stored body for a content hash.
func (s *Store) Get(contentHash string) ([]byte, error) {
	s.mu.Lock()
	name, ok := s.blobs[contentHash]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.root, assetsDir, name))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", contentHash, err)
	}
	return data, nil
}

// BlobPath returns the archive-relative path of the blob for a hash, or
// ErrNotFound. The replay server uses this to serve assets off disk.
func (s *Store) BlobPath(contentHash string) (string, error) {
	s.mu.Lock()
	name, ok := s.blobs[contentHash]
	s.mu.Unlock()
	if !ok {
		return "", ErrNotFound
	}
	return filepath.Join(assetsDir, name), nil
}

// Len reports the number of unique blobs currently indexed.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}
