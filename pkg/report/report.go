// Package report renders stored lookup results as terminal charts,
// Markdown and HTML.
package report

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/elonfeng/drugradar/pkg/discussion"
	"github.com/elonfeng/drugradar/pkg/event"
)

// Summary is everything known about one subject.
type Summary struct {
	Direction   event.Direction      `json:"direction"`
	Subject     string               `json:"subject"`
	Top         []event.SummaryCount `json:"top"`
	Genders     []event.GenderCount  `json:"genders"`
	Ages        []event.AgeBand      `json:"ages"`
	ReportIDs   []string             `json:"report_ids"`
	Threads     []discussion.Thread  `json:"threads,omitempty"`
	GeneratedAt time.Time            `json:"generated_at"`
}

// Markdown renders s as a GitHub-flavored Markdown document.
func Markdown(s *Summary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Adverse events: %s\n\n", escape(s.Subject))
	if !s.GeneratedAt.IsZero() {
		fmt.Fprintf(&b, "_Generated %s_\n\n", s.GeneratedAt.UTC().Format(time.RFC1123))
	}

	attr := s.Direction.Opposite()
	fmt.Fprintf(&b, "## Top %s\n\n", attr.Plural())
	if len(s.Top) == 0 {
		b.WriteString("No counts recorded.\n\n")
	} else {
		fmt.Fprintf(&b, "| # | %s | Reports |\n|---:|---|---:|\n", titleWord(string(attr)))
		for i, r := range s.Top {
			fmt.Fprintf(&b, "| %d | %s | %d |\n", i+1, escape(r.Attribute), r.Count)
		}
		b.WriteString("\n")
	}

	if len(s.Genders) > 0 {
		b.WriteString("## Patient sex\n\n| Sex | Reports |\n|---|---:|\n")
		for _, g := range s.Genders {
			fmt.Fprintf(&b, "| %s | %d |\n", g.Label(), g.Reports)
		}
		b.WriteString("\n")
	}

	if len(s.Ages) > 0 {
		b.WriteString("## Patient age\n\n| Age | Reports |\n|---|---:|\n")
		for _, a := range s.Ages {
			fmt.Fprintf(&b, "| %s | %d |\n", a.Label(), a.Reports)
		}
		b.WriteString("\n")
	}

	if len(s.ReportIDs) > 0 {
		b.WriteString("## Sample reports\n\n")
		for _, id := range s.ReportIDs {
			fmt.Fprintf(&b, "- `%s`\n", id)
		}
		b.WriteString("\n")
	}

	if len(s.Threads) > 0 {
		b.WriteString("## Discussion\n\n")
		for _, t := range s.Threads {
			fmt.Fprintf(&b, "- [%s](%s)\n", escape(t.Title), t.URL)
		}
		b.WriteString("\n")
	}

	return b.String()
}

// HTML renders s as a standalone HTML page.
func HTML(s *Summary) (string, error) {
	var content strings.Builder
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := md.Convert([]byte(Markdown(s)), &content); err != nil {
		return "", fmt.Errorf("markdown convert: %w", err)
	}

	return "<!doctype html><html><head><meta charset='utf-8'><title>" +
		html.EscapeString(s.Subject) + " adverse events</title>" +
		"<style>body{font-family:sans-serif;max-width:900px;margin:2rem auto;padding:0 1rem;} " +
		"table{border-collapse:collapse;} th,td{border:1px solid #ccc;padding:0.3rem 0.6rem;}</style>" +
		"</head><body>" + content.String() + "</body></html>", nil
}

var mdEscaper = strings.NewReplacer(`|`, `\|`, `*`, `\*`, `_`, `\_`, `[`, `\[`, `]`, `\]`, "`", "\\`")

func escape(s string) string {
	return mdEscaper.Replace(s)
}

func titleWord(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
