package archive

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Run("lowercases scheme and host", func(t *testing.T) {
		got, err := NormalizeURL("HTTP://Example.COM/Path")
		require.NoError(t, err)
		require.Equal(t, "http://example.com/Path", got)
	})

	t.Run("strips default ports", func(t *testing.T) {
		got, err := NormalizeURL("http://example.com:80/")
		require.NoError(t, err)
		require.Equal(t, "http://example.com/", got)

		got, err = NormalizeURL("https://example.com:443/a")
		require.NoError(t, err)
		require.Equal(t, "https://example.com/a", got)
	})

	t.Run("keeps non-default ports", func(t *testing.T) {
		got, err := NormalizeURL("http://example.com:8080/")
		require.NoError(t, err)
		require.Equal(t, "http://example.com:8080/", got)
	})

	t.Run("removes fragments", func(t *testing.T) {
		got, err := NormalizeURL("https://example.com/page#section")
		require.NoError(t, err)
		require.Equal(t, "https://example.com/page", got)
	})

	t.Run("sorts query parameters", func(t *testing.T) {
		got, err := NormalizeURL("https://example.com/?b=2&a=1")
		require.NoError(t, err)
		require.Equal(t, "https://example.com/?a=1&b=2", got)
	})

	t.Run("adds root path", func(t *testing.T) {
		got, err := NormalizeURL("https://example.com")
		require.NoError(t, err)
		require.Equal(t, "https://example.com/", got)
	})

	t.Run("rejects non-http schemes", func(t *testing.T) {
		_, err := NormalizeURL("mailto:someone@example.com")
		require.Error(t, err)

		_, err = NormalizeURL("javascript:void(0)")
		require.Error(t, err)
	})
}

func TestSameHost(t *testing.T) {
	require.True(t, SameHost("https://example.com/a", "http://example.com/b"))
	require.True(t, SameHost("https://www.example.com/", "https://example.com/"))
	require.False(t, SameHost("https://example.com/", "https://other.com/"))
}

func TestResolve(t *testing.T) {
	got, err := Resolve("https://example.com/dir/page.html", "../style.css")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/style.css", got)

	got, err = Resolve("https://example.com/dir/", "https://cdn.example.com/x.js")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/x.js", got)
}

func TestClassifyAsset(t *testing.T) {
	cases := []struct {
		url  string
		mime string
		want AssetType
	}{
		{"https://e.com/", "text/html; charset=utf-8", AssetDocument},
		{"https://e.com/app.css", "text/css", AssetStylesheet},
		{"https://e.com/app.js", "application/javascript", AssetScript},
		{"https://e.com/logo.png", "image/png", AssetImage},
		{"https://e.com/f.woff2", "font/woff2", AssetFont},
		{"https://e.com/v.mp4", "video/mp4", AssetVideo},
		{"https://e.com/api/data", "application/json", AssetXHR},
		{"https://e.com/mod.wasm", "application/wasm", AssetWasm},
		{"https://e.com/logo.svg", "", AssetImage},
		{"https://e.com/unknown", "", AssetOther},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ClassifyAsset(tc.url, tc.mime), "url=%s mime=%s", tc.url, tc.mime)
	}
}

func TestExtensionFromURL(t *testing.T) {
	require.Equal(t, ".css", Extension("https://e.com/whatever", "text/css"))
	require.Equal(t, ".jpg", Extension("https://e.com/x", "image/jpeg"))
	require.Equal(t, ".woff2", Extension("https://e.com/f.woff2", ""))
	require.Equal(t, ".bin", Extension("https://e.com/stream", ""))
}
