// Package replay serves a finished archive over HTTP, rewriting references
// so the offline copy browses like the live site did.
package replay

import (
	"net/url"
	"strings"

	"github.com/trenchlabs/trench/internal/archive"
)

// index maps normalized original URLs to their archived form. Built once at
// startup from the manifest; never mutated afterwards, so concurrent reads
// need no locking.
type index struct {
	pages  map[string]archive.PageManifest
	assets map[string]archive.AssetRecord
	hosts  map[string]struct{}
	seed   string
}

func buildIndex(man archive.ArchiveManifest) *index {
	idx := &index{
		pages:  make(map[string]archive.PageManifest, len(man.Pages)),
		assets: make(map[string]archive.AssetRecord, len(man.Assets)),
		hosts:  make(map[string]struct{}),
		seed:   man.URL,
	}
	note := func(raw string) {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			idx.hosts[strings.ToLower(u.Host)] = struct{}{}
		}
	}
	for _, p := range man.Pages {
		idx.pages[p.URL] = p
		note(p.URL)
	}
	for _, a := range man.Assets {
		if a.Broken() {
			continue
		}
		idx.assets[a.URL] = a
		note(a.URL)
	}
	return idx
}

// page looks up a captured page by normalized URL.
func (idx *index) page(norm string) (archive.PageManifest, bool) {
	p, ok := idx.pages[norm]
	return p, ok
}

// asset looks up a stored asset by normalized URL.
func (idx *index) asset(norm string) (archive.AssetRecord, bool) {
	a, ok := idx.assets[norm]
	return a, ok
}

// has reports whether norm names any archived resource.
func (idx *index) has(norm string) bool {
	if _, ok := idx.pages[norm]; ok {
		return true
	}
	_, ok := idx.assets[norm]
	return ok
}

// localPath converts a normalized original URL into its replay-local form,
// /<host>/<path>[?query].
func (idx *index) localPath(norm string) string {
	u, err := url.Parse(norm)
	if err != nil {
		return norm
	}
	p := "/" + strings.ToLower(u.Host) + u.EscapedPath()
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}

// isLocal reports whether ref is already a replay-local path: rooted, with
// an archived host as its first segment. Detecting this keeps rewriting
// idempotent.
func (idx *index) isLocal(ref string) bool {
	if !strings.HasPrefix(ref, "/") || strings.HasPrefix(ref, "//") {
		return false
	}
	seg := strings.TrimPrefix(ref, "/")
	if i := strings.IndexAny(seg, "/?#"); i >= 0 {
		seg = seg[:i]
	}
	_, ok := idx.hosts[strings.ToLower(seg)]
	return ok
}

// original reconstructs the normalized original URL for a replay-local
// request path like /example.com/about. Both https and http schemes are
// tried, https first.
func (idx *index) original(localPath, rawQuery string) (string, bool) {
	trimmed := strings.TrimPrefix(localPath, "/")
	if trimmed == "" {
		return "", false
	}
	for _, scheme := range []string{"https", "http"} {
		candidate := scheme + "://" + trimmed
		if rawQuery != "" {
			candidate += "?" + rawQuery
		}
		norm, err := archive.NormalizeURL(candidate)
		if err != nil {
			continue
		}
		if idx.has(norm) {
			return norm, true
		}
	}
	return "", false
}
