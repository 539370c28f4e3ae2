package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trenchlabs/trench/internal/archive"
)

func writeManifest(t *testing.T, root string, man archive.ArchiveManifest) {
	t.Helper()
	require.NoError(t, os.MkdirAll(root, 0o750))
	data, err := json.Marshal(man)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "manifest.json"), data, 0o600))
}

func TestListArchives(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, filepath.Join(dir, "example.com-archive"), archive.ArchiveManifest{
		URL:     "https://example.com/",
		Created: time.Now().Add(-time.Hour),
		Pages:   []archive.PageManifest{},
		Assets:  []archive.AssetRecord{},
		Stats:   archive.Stats{TotalPages: 3, TotalAssets: 12, TotalSize: 48_000},
	})
	// Directories without a manifest are not archives.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "notes"), 0o750))

	var buf bytes.Buffer
	require.NoError(t, listArchives(&buf, dir))

	out := buf.String()
	require.Contains(t, out, "example.com-archive")
	require.Contains(t, out, "https://example.com/")
	require.Contains(t, out, "48 kB")
	require.NotContains(t, out, "notes")
}

func TestListArchivesEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, listArchives(&buf, t.TempDir()))
	require.Contains(t, buf.String(), "no archives found")
}

func TestListArchivesUnreadableManifest(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "broken-archive")
	require.NoError(t, os.MkdirAll(root, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "manifest.json"), []byte("{"), 0o600))

	var buf bytes.Buffer
	require.NoError(t, listArchives(&buf, dir))
	require.Contains(t, buf.String(), "unreadable")
}

func TestNormalizeSeed(t *testing.T) {
	seed, err := normalizeSeed("Example.com/docs")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/docs", seed)

	_, err = normalizeSeed("ftp://example.com/")
	require.Error(t, err)
}

func TestDefaultOutputDir(t *testing.T) {
	require.Equal(t, "example.com-archive", defaultOutputDir("https://www.example.com/"))
	require.Equal(t, "trench-archive", defaultOutputDir("::bad::"))
}
