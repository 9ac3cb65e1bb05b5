package report

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/elonfeng/drugradar/pkg/event"
)

const barRune = "█"

// BarChart writes one horizontal bar per row, scaled so the largest count
// spans width cells. Rows with a non-zero count always get at least one cell.
func BarChart(w io.Writer, rows []event.SummaryCount, width int) error {
	if width <= 0 {
		width = 40
	}
	max := 0
	for _, r := range rows {
		if r.Count > max {
			max = r.Count
		}
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, r := range rows {
		n := 0
		if max > 0 {
			n = r.Count * width / max
			if n == 0 && r.Count > 0 {
				n = 1
			}
		}
		fmt.Fprintf(tw, "%s\t%s %d\n", r.Attribute, strings.Repeat(barRune, n), r.Count)
	}
	return tw.Flush()
}

// GenderChart renders gender counts as a bar chart.
func GenderChart(w io.Writer, genders []event.GenderCount, width int) error {
	rows := make([]event.SummaryCount, 0, len(genders))
	for _, g := range genders {
		rows = append(rows, event.SummaryCount{Attribute: g.Label(), Count: g.Reports})
	}
	return BarChart(w, rows, width)
}

// AgeChart renders age bands as a bar chart.
func AgeChart(w io.Writer, ages []event.AgeBand, width int) error {
	rows := make([]event.SummaryCount, 0, len(ages))
	for _, a := range ages {
		rows = append(rows, event.SummaryCount{Attribute: a.Label(), Count: a.Reports})
	}
	return BarChart(w, rows, width)
}
