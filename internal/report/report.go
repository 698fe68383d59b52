// Package report renders and persists run summaries: per-rank load
// balance tables, work-history charts, and on-disk run records.
package report

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"

	"github.com/bluetides-project/MP-Gadget/internal/sim"
)

var (
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	tableStyle  = lipgloss.NewStyle().Border(lipgloss.NormalBorder(), false, false, false, true).
			BorderForeground(lipgloss.Color("240")).Padding(0, 2)
	graphStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("49")).Padding(1, 0)
)

// imbalanceWarn flags ranks whose work exceeds the step mean by this
// factor in the balance table.
const imbalanceWarn = 1.5

// Imbalance is the ratio of the heaviest rank's work to the mean, for
// the step with the worst such ratio. 1.0 is a perfectly even run.
func Imbalance(res *sim.Result) float64 {
	worst := 0.0
	for _, stats := range res.PerStep {
		mean, peak := 0.0, 0.0
		for _, s := range stats {
			mean += s.Work
			if s.Work > peak {
				peak = s.Work
			}
		}
		mean /= float64(len(stats))
		if mean > 0 && peak/mean > worst {
			worst = peak / mean
		}
	}
	return worst
}

// Balance renders the final step's per-rank statistics as a table.
func Balance(res *sim.Result) string {
	if len(res.PerStep) == 0 {
		return labelStyle.Render("no steps recorded")
	}
	stats := res.PerStep[len(res.PerStep)-1]
	mean := 0.0
	for _, s := range stats {
		mean += s.Work
	}
	mean /= float64(len(stats))

	var b strings.Builder
	b.WriteString(headerStyle.Render("RANK BALANCE") + "\n")
	b.WriteString(labelStyle.Render(fmt.Sprintf("%-6s %10s %14s %10s %10s", "rank", "particles", "work", "exports", "migrated")) + "\n")
	for _, s := range stats {
		line := fmt.Sprintf("%-6d %10d %14.1f %10d %10d", s.Rank, s.NumPart, s.Work, s.Exports, s.Migrated)
		if mean > 0 && s.Work > imbalanceWarn*mean {
			b.WriteString(warnStyle.Render(line) + "\n")
		} else {
			b.WriteString(valueStyle.Render(line) + "\n")
		}
	}
	b.WriteString(labelStyle.Render(fmt.Sprintf("imbalance: %.2fx", Imbalance(res))))
	return tableStyle.Render(b.String())
}

// WorkChart plots the heaviest rank's work per step.
func WorkChart(res *sim.Result) string {
	if len(res.PerStep) < 2 {
		return ""
	}
	data := make([]float64, len(res.PerStep))
	for i, stats := range res.PerStep {
		for _, s := range stats {
			if s.Work > data[i] {
				data[i] = s.Work
			}
		}
	}
	chart := asciigraph.Plot(data,
		asciigraph.Height(8),
		asciigraph.Width(60),
		asciigraph.Caption("peak rank work per step"),
	)
	return graphStyle.Render(chart)
}

// ExportChart plots total cross-rank exports per step.
func ExportChart(res *sim.Result) string {
	if len(res.PerStep) < 2 {
		return ""
	}
	data := make([]float64, len(res.PerStep))
	for i, stats := range res.PerStep {
		for _, s := range stats {
			data[i] += float64(s.Exports)
		}
	}
	chart := asciigraph.Plot(data,
		asciigraph.Height(8),
		asciigraph.Width(60),
		asciigraph.Caption("exports per step"),
	)
	return graphStyle.Render(chart)
}

// Summary renders the headline numbers of a run.
func Summary(res *sim.Result) string {
	total := 0
	for _, n := range res.Counts {
		total += n
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render("RUN SUMMARY") + "\n")
	row := func(k string, v string) {
		b.WriteString(labelStyle.Render(fmt.Sprintf("%-16s", k)) + valueStyle.Render(v) + "\n")
	}
	row("steps", fmt.Sprintf("%d", res.Steps))
	row("particles", fmt.Sprintf("%d", total))
	row("ranks", fmt.Sprintf("%d", len(res.Counts)))
	row("decompositions", fmt.Sprintf("%d", res.Decompositions))
	row("exports", fmt.Sprintf("%d", res.TotalExports))
	row("imbalance", fmt.Sprintf("%.2fx", Imbalance(res)))
	return b.String()
}
