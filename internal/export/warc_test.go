package export

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trenchlabs/trench/internal/archive"
	"github.com/trenchlabs/trench/internal/assetstore"
)

func TestWARCExport(t *testing.T) {
	store, err := assetstore.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	page, err := store.Put("https://example.com/", []byte("<html>home</html>"), "text/html", 200)
	require.NoError(t, err)
	logo, err := store.Put("https://example.com/logo.png", []byte("png-bytes"), "image/png", 200)
	require.NoError(t, err)
	dup, err := store.Put("https://example.com/alt/logo.png", []byte("png-bytes"), "image/png", 200)
	require.NoError(t, err)
	require.True(t, dup.Deduplicated)

	status := 404
	man := archive.ArchiveManifest{
		URL:     "https://example.com/",
		Created: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Assets: []archive.AssetRecord{
			page, logo, dup,
			{URL: "https://example.com/gone.css", Type: archive.AssetStylesheet, StatusCode: &status},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, NewWARCWriter(store, zap.NewNop()).Export(&buf, man))
	out := buf.String()

	// One record per unique blob: dedup and broken records are skipped.
	require.Equal(t, 2, strings.Count(out, "WARC/1.0\r\n"))
	require.Contains(t, out, "WARC-Target-URI: https://example.com/\r\n")
	require.Contains(t, out, "WARC-Target-URI: https://example.com/logo.png\r\n")
	require.NotContains(t, out, "alt/logo.png")
	require.NotContains(t, out, "gone.css")
	require.Contains(t, out, "WARC-Date: 2026-03-01T12:00:00Z\r\n")
	require.Contains(t, out, "Content-Type: image/png\r\n")
	require.Contains(t, out, "png-bytes")
}
