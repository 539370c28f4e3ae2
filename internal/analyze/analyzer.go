// Package analyze produces read-only reports over a finished archive.
package analyze

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jaytaylor/html2text"
	"go.uber.org/zap"

	"github.com/trenchlabs/trench/internal/archive"
	"github.com/trenchlabs/trench/internal/manifest"
)

// PageReport summarizes one captured page.
type PageReport struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	Depth     int    `json:"depth"`
	Assets    int    `json:"assets"`
	WordCount int    `json:"word_count"`
}

// TypeReport aggregates stored bytes for one asset type.
type TypeReport struct {
	Type   archive.AssetType `json:"type"`
	Count  int               `json:"count"`
	Bytes  int64             `json:"bytes"`
	Dedup  int               `json:"deduplicated"`
	Broken int               `json:"broken"`
}

// Report is the full analysis of an archive.
type Report struct {
	URL            string       `json:"url"`
	Created        string       `json:"created"`
	Pages          int          `json:"pages"`
	Assets         int          `json:"assets"`
	UniqueAssets   int          `json:"unique_assets"`
	Deduplicated   int          `json:"deduplicated_assets"`
	TotalSize      int64        `json:"total_size"`
	DedupSavings   int64        `json:"dedup_savings_bytes"`
	BrokenLinks    int          `json:"broken_links"`
	Errors         int          `json:"errors"`
	DurationMs     int64        `json:"duration_ms"`
	ByType         []TypeReport `json:"by_type"`
	PerPage        []PageReport `json:"per_page"`
	TotalWordCount int          `json:"total_word_count"`
}

// Analyzer inspects archives without modifying them.
type Analyzer struct {
	logger *zap.Logger
}

// New builds an Analyzer.
func New(logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{logger: logger}
}

// Analyze loads the archive at root and computes its report. Returns
// manifest.ErrCorruptArchive when the directory holds no loadable archive.
func (a *Analyzer) Analyze(root string) (Report, error) {
	man, err := manifest.Load(root)
	if err != nil {
		return Report{}, err
	}

	rep := Report{
		URL:          man.URL,
		Created:      man.Created.Format("2006-01-02 15:04:05 MST"),
		Pages:        man.Stats.TotalPages,
		Assets:       man.Stats.TotalAssets,
		UniqueAssets: man.Stats.UniqueAssets,
		Deduplicated: man.Stats.DeduplicatedAssets,
		TotalSize:    man.Stats.TotalSize,
		Errors:       len(man.Stats.Errors),
		DurationMs:   man.Stats.DurationMs,
	}

	byType := make(map[archive.AssetType]*TypeReport)
	for _, rec := range man.Assets {
		tr, ok := byType[rec.Type]
		if !ok {
			tr = &TypeReport{Type: rec.Type}
			byType[rec.Type] = tr
		}
		tr.Count++
		switch {
		case rec.Broken():
			tr.Broken++
			rep.BrokenLinks++
		case rec.Deduplicated:
			tr.Dedup++
			rep.DedupSavings += rec.Size
		default:
			tr.Bytes += rec.Size
		}
	}
	for _, tr := range byType {
		rep.ByType = append(rep.ByType, *tr)
	}
	sort.Slice(rep.ByType, func(i, j int) bool {
		if rep.ByType[i].Bytes != rep.ByType[j].Bytes {
			return rep.ByType[i].Bytes > rep.ByType[j].Bytes
		}
		return rep.ByType[i].Type < rep.ByType[j].Type
	})

	for _, p := range man.Pages {
		pr := PageReport{
			URL:    p.URL,
			Title:  p.Title,
			Depth:  p.Depth,
			Assets: p.AssetCount,
		}
		pr.WordCount = a.pageWordCount(root, p)
		rep.TotalWordCount += pr.WordCount
		rep.PerPage = append(rep.PerPage, pr)
	}

	return rep, nil
}

// pageWordCount extracts the visible-text word count from the captured
// document. A missing or unreadable document counts as zero words.
func (a *Analyzer) pageWordCount(root string, p archive.PageManifest) int {
	doc, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(p.Path), "index.html"))
	if err != nil {
		a.logger.Debug("page document unreadable",
			zap.String("url", p.URL), zap.Error(err))
		return 0
	}
	text, err := html2text.FromString(string(doc), html2text.Options{TextOnly: true})
	if err != nil {
		return 0
	}
	return len(strings.Fields(text))
}

// ParseFormat validates a report format flag.
func ParseFormat(s string) (string, error) {
	switch s {
	case "json", "html", "markdown":
		return s, nil
	default:
		return "", fmt.Errorf("unknown report format %q (want json, html, or markdown)", s)
	}
}
