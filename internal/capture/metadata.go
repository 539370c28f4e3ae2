package capture

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/jaytaylor/html2text"
)

// PageMetadata is the per-page summary persisted next to the captured
// document. Counts reflect the rendered markup, not the fetched assets.
type PageMetadata struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Language    string `json:"language,omitempty"`
	Canonical   string `json:"canonical,omitempty"`
	WordCount   int    `json:"word_count"`
	Scripts     int    `json:"scripts"`
	Stylesheets int    `json:"stylesheets"`
	Images      int    `json:"images"`
	Links       int    `json:"links"`
}

// ExtractMetadata parses the rendered document into a PageMetadata. Parse
// failures yield a zero-valued summary rather than an error; metadata is
// advisory and must never fail a capture.
func ExtractMetadata(html string) PageMetadata {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return PageMetadata{}
	}

	meta := PageMetadata{
		Title:       strings.TrimSpace(doc.Find("title").First().Text()),
		Scripts:     doc.Find("script[src]").Length(),
		Stylesheets: doc.Find(`link[rel="stylesheet"]`).Length(),
		Images:      doc.Find("img[src]").Length(),
		Links:       doc.Find("a[href]").Length(),
	}
	if desc, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		meta.Description = strings.TrimSpace(desc)
	}
	if lang, ok := doc.Find("html").First().Attr("lang"); ok {
		meta.Language = strings.TrimSpace(lang)
	}
	if canon, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		meta.Canonical = strings.TrimSpace(canon)
	}
	meta.WordCount = wordCount(html)
	return meta
}

func wordCount(html string) int {
	text, err := html2text.FromString(html, html2text.Options{TextOnly: true})
	if err != nil {
		return 0
	}
	return len(strings.Fields(text))
}

func titleOf(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}
