package archive

import (
	"net/url"
	"path"
	"strings"
)

// ClassifyAsset maps a MIME type (preferred) or the URL's file extension to
// an AssetType. Unrecognized resources classify as AssetOther.
func ClassifyAsset(rawURL, mimeType string) AssetType {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}

	switch {
	case mt == "text/html" || mt == "application/xhtml+xml":
		return AssetDocument
	case mt == "text/css":
		return AssetStylesheet
	case mt == "application/javascript" || mt == "text/javascript" ||
		mt == "application/x-javascript" || mt == "module":
		return AssetScript
	case strings.HasPrefix(mt, "image/"):
		return AssetImage
	case strings.HasPrefix(mt, "font/") || mt == "application/font-woff" ||
		mt == "application/vnd.ms-fontobject":
		return AssetFont
	case strings.HasPrefix(mt, "video/"):
		return AssetVideo
	case strings.HasPrefix(mt, "audio/"):
		return AssetAudio
	case mt == "application/wasm":
		return AssetWasm
	case mt == "application/json" || mt == "application/xml" || mt == "text/plain":
		return AssetXHR
	}

	return classifyByExtension(rawURL)
}

func classifyByExtension(rawURL string) AssetType {
	u, err := url.Parse(rawURL)
	if err != nil {
		return AssetOther
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".html", ".htm":
		return AssetDocument
	case ".css":
		return AssetStylesheet
	case ".js", ".mjs":
		return AssetScript
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico", ".avif", ".bmp":
		return AssetImage
	case ".woff", ".woff2", ".ttf", ".otf", ".eot":
		return AssetFont
	case ".mp4", ".webm", ".mov", ".m3u8", ".ts":
		return AssetVideo
	case ".mp3", ".ogg", ".wav", ".flac":
		return AssetAudio
	case ".wasm":
		return AssetWasm
	case ".json", ".xml":
		return AssetXHR
	}
	return AssetOther
}

// Extension returns the on-disk blob extension for an asset, derived from
// the MIME type first and the URL path as a fallback. The returned value
// includes the leading dot; unknown content maps to ".bin".
func Extension(rawURL, mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if ext, ok := mimeExtensions[mt]; ok {
		return ext
	}
	if u, err := url.Parse(rawURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); ext != "" && len(ext) <= 6 {
			return ext
		}
	}
	return ".bin"
}

var mimeExtensions = map[string]string{
	"text/html":                 ".html",
	"application/xhtml+xml":     ".html",
	"text/css":                  ".css",
	"application/javascript":    ".js",
	"text/javascript":           ".js",
	"application/x-javascript":  ".js",
	"image/png":                 ".png",
	"image/jpeg":                ".jpg",
	"image/gif":                 ".gif",
	"image/webp":                ".webp",
	"image/svg+xml":             ".svg",
	"image/x-icon":              ".ico",
	"image/vnd.microsoft.icon":  ".ico",
	"image/avif":                ".avif",
	"font/woff":                 ".woff",
	"font/woff2":                ".woff2",
	"font/ttf":                  ".ttf",
	"font/otf":                  ".otf",
	"application/font-woff":     ".woff",
	"video/mp4":                 ".mp4",
	"video/webm":                ".webm",
	"audio/mpeg":                ".mp3",
	"audio/ogg":                 ".ogg",
	"application/wasm":          ".wasm",
	"application/json":          ".json",
	"application/xml":           ".xml",
	"text/xml":                  ".xml",
	"text/plain":                ".txt",
	"application/pdf":           ".pdf",
	"application/octet-stream":  ".bin",
}
