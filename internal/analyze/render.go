package analyze

import (
	"encoding/json"
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
)

// Render writes the report in the requested format. Format must have passed
// ParseFormat.
func Render(w io.Writer, rep Report, format string) error {
	switch format {
	case "json":
		return renderJSON(w, rep)
	case "html":
		return renderHTML(w, rep)
	case "markdown":
		return renderMarkdown(w, rep)
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

func renderJSON(w io.Writer, rep Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

func renderMarkdown(w io.Writer, rep Report) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Archive report: %s\n\n", rep.URL)
	fmt.Fprintf(&sb, "Created %s, crawl took %s.\n\n", rep.Created, durationText(rep.DurationMs))
	fmt.Fprintf(&sb, "- Pages: %d (%d words of visible text)\n", rep.Pages, rep.TotalWordCount)
	fmt.Fprintf(&sb, "- Assets: %d total, %d unique, %d deduplicated\n",
		rep.Assets, rep.UniqueAssets, rep.Deduplicated)
	fmt.Fprintf(&sb, "- Stored size: %s (dedup saved %s)\n",
		humanize.Bytes(uint64(rep.TotalSize)), humanize.Bytes(uint64(rep.DedupSavings)))
	fmt.Fprintf(&sb, "- Broken links: %d, errors: %d\n\n", rep.BrokenLinks, rep.Errors)

	sb.WriteString("## Assets by type\n\n")
	sb.WriteString("| Type | Count | Bytes | Dedup | Broken |\n")
	sb.WriteString("|------|-------|-------|-------|--------|\n")
	for _, tr := range rep.ByType {
		fmt.Fprintf(&sb, "| %s | %d | %s | %d | %d |\n",
			tr.Type, tr.Count, humanize.Bytes(uint64(tr.Bytes)), tr.Dedup, tr.Broken)
	}

	sb.WriteString("\n## Pages\n\n")
	sb.WriteString("| URL | Title | Depth | Assets | Words |\n")
	sb.WriteString("|-----|-------|-------|--------|-------|\n")
	for _, pr := range rep.PerPage {
		fmt.Fprintf(&sb, "| %s | %s | %d | %d | %d |\n",
			pr.URL, pr.Title, pr.Depth, pr.Assets, pr.WordCount)
	}

	if _, err := io.WriteString(w, sb.String()); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func renderHTML(w io.Writer, rep Report) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<!DOCTYPE html><html><head><title>Archive report: %s</title></head><body>",
		html.EscapeString(rep.URL))
	fmt.Fprintf(&sb, "<h1>Archive report: %s</h1>", html.EscapeString(rep.URL))
	fmt.Fprintf(&sb, "<p>Created %s, crawl took %s.</p>",
		html.EscapeString(rep.Created), durationText(rep.DurationMs))
	sb.WriteString("<ul>")
	fmt.Fprintf(&sb, "<li>Pages: %d (%d words of visible text)</li>", rep.Pages, rep.TotalWordCount)
	fmt.Fprintf(&sb, "<li>Assets: %d total, %d unique, %d deduplicated</li>",
		rep.Assets, rep.UniqueAssets, rep.Deduplicated)
	fmt.Fprintf(&sb, "<li>Stored size: %s (dedup saved %s)</li>",
		humanize.Bytes(uint64(rep.TotalSize)), humanize.Bytes(uint64(rep.DedupSavings)))
	fmt.Fprintf(&sb, "<li>Broken links: %d, errors: %d</li>", rep.BrokenLinks, rep.Errors)
	sb.WriteString("</ul>")

	sb.WriteString("<h2>Assets by type</h2><table border=\"1\"><tr><th>Type</th><th>Count</th><th>Bytes</th><th>Dedup</th><th>Broken</th></tr>")
	for _, tr := range rep.ByType {
		fmt.Fprintf(&sb, "<tr><td>%s</td><td>%d</td><td>%s</td><td>%d</td><td>%d</td></tr>",
			tr.Type, tr.Count, humanize.Bytes(uint64(tr.Bytes)), tr.Dedup, tr.Broken)
	}
	sb.WriteString("</table>")

	sb.WriteString("<h2>Pages</h2><table border=\"1\"><tr><th>URL</th><th>Title</th><th>Depth</th><th>Assets</th><th>Words</th></tr>")
	for _, pr := range rep.PerPage {
		fmt.Fprintf(&sb, "<tr><td>%s</td><td>%s</td><td>%d</td><td>%d</td><td>%d</td></tr>",
			html.EscapeString(pr.URL), html.EscapeString(pr.Title), pr.Depth, pr.Assets, pr.WordCount)
	}
	sb.WriteString("</table></body></html>")

	if _, err := io.WriteString(w, sb.String()); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func durationText(ms int64) string {
	switch {
	case ms >= 60_000:
		return fmt.Sprintf("%.1fm", float64(ms)/60_000)
	case ms >= 1_000:
		return fmt.Sprintf("%.1fs", float64(ms)/1_000)
	default:
		return fmt.Sprintf("%dms", ms)
	}
}
