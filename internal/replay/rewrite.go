package replay

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/trenchlabs/trench/internal/archive"
)

// rewriter maps archived references to replay-local paths. References that
// are not in the archive keep their original URL so the snapshot degrades
// to the live site instead of breaking.
type rewriter struct {
	idx *index
}

// urlAttrs lists the attributes that may carry a rewritable reference.
var urlAttrs = map[string]bool{
	"href":   true,
	"src":    true,
	"poster": true,
	"action": true,
}

// RewriteHTML rewrites every archived reference in doc to its replay-local
// path, resolving relative references against base. Applying it to its own
// output is a no-op.
func (rw *rewriter) RewriteHTML(base, doc string) string {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return doc
	}
	rw.walk(base, root)
	var sb strings.Builder
	if err := html.Render(&sb, root); err != nil {
		return doc
	}
	return sb.String()
}

func (rw *rewriter) walk(base string, n *html.Node) {
	if n.Type == html.ElementNode {
		for i, a := range n.Attr {
			switch {
			case urlAttrs[a.Key]:
				n.Attr[i].Val = rw.rewriteRef(base, a.Val)
			case a.Key == "srcset":
				n.Attr[i].Val = rw.rewriteSrcset(base, a.Val)
			case a.Key == "style":
				n.Attr[i].Val = rw.RewriteCSS(base, a.Val)
			}
		}
		if n.Data == "style" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
			n.FirstChild.Data = rw.RewriteCSS(base, n.FirstChild.Data)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		rw.walk(base, c)
	}
}

// rewriteRef maps a single reference to its local form when archived.
func (rw *rewriter) rewriteRef(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") || strings.HasPrefix(ref, "data:") {
		return ref
	}
	if rw.idx.isLocal(ref) {
		return ref
	}
	abs, err := archive.Resolve(base, ref)
	if err != nil {
		return ref
	}
	norm, err := archive.NormalizeURL(abs)
	if err != nil {
		return ref
	}
	if !rw.idx.has(norm) {
		return ref
	}
	return rw.idx.localPath(norm)
}

func (rw *rewriter) rewriteSrcset(base, srcset string) string {
	if strings.TrimSpace(srcset) == "" {
		return srcset
	}
	candidates := strings.Split(srcset, ",")
	for i, candidate := range candidates {
		fields := strings.Fields(strings.TrimSpace(candidate))
		if len(fields) == 0 {
			continue
		}
		fields[0] = rw.rewriteRef(base, fields[0])
		candidates[i] = strings.Join(fields, " ")
	}
	return strings.Join(candidates, ", ")
}

var cssURLPattern = regexp.MustCompile(`url\(\s*['"]?([^'")\s]+)['"]?\s*\)`)

// RewriteCSS rewrites url(...) references in a stylesheet or style
// attribute, resolving against base (the stylesheet's original URL for
// external sheets, the page URL for inline styles).
func (rw *rewriter) RewriteCSS(base, css string) string {
	return cssURLPattern.ReplaceAllStringFunc(css, func(match string) string {
		sub := cssURLPattern.FindStringSubmatch(match)
		if len(sub) != 2 {
			return match
		}
		rewritten := rw.rewriteRef(base, sub[1])
		if rewritten == sub[1] {
			return match
		}
		return "url(" + rewritten + ")"
	})
}
