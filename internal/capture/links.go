package capture

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/trenchlabs/trench/internal/archive"
)

// extractLinks returns the absolute form of every hyperlink in doc,
// resolved against base. Fragment-only, mailto, and javascript references
// are dropped.
func extractLinks(base, doc string) []string {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var links []string
	walk(root, func(n *html.Node) {
		if n.Data != "a" {
			return
		}
		href := attr(n, "href")
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		abs, err := archive.Resolve(base, href)
		if err != nil {
			return
		}
		norm, err := archive.NormalizeURL(abs)
		if err != nil {
			return
		}
		if _, dup := seen[norm]; dup {
			return
		}
		seen[norm] = struct{}{}
		links = append(links, norm)
	})
	return links
}

// extractResources returns sub-resource references declared in markup:
// stylesheets, scripts, images, media, and fonts. Renderer-observed network
// traffic supplements this set; static captures rely on it entirely.
func extractResources(base, doc string) []ResourceRef {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var refs []ResourceRef
	add := func(raw string, t archive.AssetType) {
		if raw == "" || strings.HasPrefix(raw, "data:") {
			return
		}
		abs, err := archive.Resolve(base, raw)
		if err != nil {
			return
		}
		norm, err := archive.NormalizeURL(abs)
		if err != nil {
			return
		}
		if _, dup := seen[norm]; dup {
			return
		}
		seen[norm] = struct{}{}
		refs = append(refs, ResourceRef{URL: norm, Type: t})
	}
	walk(root, func(n *html.Node) {
		switch n.Data {
		case "link":
			rel := strings.ToLower(attr(n, "rel"))
			href := attr(n, "href")
			switch {
			case strings.Contains(rel, "stylesheet"):
				add(href, archive.AssetStylesheet)
			case strings.Contains(rel, "icon"):
				add(href, archive.AssetImage)
			case strings.Contains(rel, "preload"):
				add(href, archive.ClassifyAsset(href, attr(n, "as")))
			}
		case "script":
			add(attr(n, "src"), archive.AssetScript)
		case "img":
			add(attr(n, "src"), archive.AssetImage)
			for _, u := range srcsetURLs(attr(n, "srcset")) {
				add(u, archive.AssetImage)
			}
		case "source":
			add(attr(n, "src"), archive.ClassifyAsset(attr(n, "src"), attr(n, "type")))
			for _, u := range srcsetURLs(attr(n, "srcset")) {
				add(u, archive.AssetImage)
			}
		case "video":
			add(attr(n, "src"), archive.AssetVideo)
			add(attr(n, "poster"), archive.AssetImage)
		case "audio":
			add(attr(n, "src"), archive.AssetAudio)
		case "iframe":
			add(attr(n, "src"), archive.AssetDocument)
		}
	})
	return refs
}

func walk(n *html.Node, fn func(*html.Node)) {
	if n.Type == html.ElementNode {
		fn(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

// srcsetURLs splits a srcset attribute into its candidate URLs, dropping
// the width and density descriptors.
func srcsetURLs(srcset string) []string {
	if srcset == "" {
		return nil
	}
	var urls []string
	for _, candidate := range strings.Split(srcset, ",") {
		fields := strings.Fields(strings.TrimSpace(candidate))
		if len(fields) > 0 {
			urls = append(urls, fields[0])
		}
	}
	return urls
}
