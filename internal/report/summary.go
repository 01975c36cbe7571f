package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Colors used in the terminal summary.
var (
	colorPrimary   = lipgloss.Color("62")  // Purple
	colorSecondary = lipgloss.Color("241") // Gray
	colorHighlight = lipgloss.Color("212") // Pink
	colorSuccess   = lipgloss.Color("78")  // Green
	colorWarn      = lipgloss.Color("214") // Orange
)

var titleStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("255")).
	Background(colorPrimary).
	Padding(0, 1)

var statStyle = lipgloss.NewStyle().
	Foreground(colorSuccess).
	Bold(true)

var skipStyle = lipgloss.NewStyle().
	Foreground(colorWarn).
	Bold(true)

var rankStyle = lipgloss.NewStyle().
	Foreground(colorHighlight).
	Width(4)

var sizeStyle = lipgloss.NewStyle().
	Foreground(colorPrimary).
	Width(6).
	Align(lipgloss.Right).
	MarginRight(1)

var spanStyle = lipgloss.NewStyle().
	Foreground(colorSecondary).
	Width(6).
	MarginRight(1)

var boxStyle = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(colorPrimary).
	Padding(0, 1)

// Summary renders the totals and top events for a terminal. width bounds
// headline length; 0 means 80 columns.
func (r Report) Summary(width int) string {
	if width <= 0 {
		width = 80
	}
	var lines []string
	lines = append(lines, titleStyle.Render(r.Topic))

	stats := fmt.Sprintf("%s stories  %s events",
		statStyle.Render(fmt.Sprint(r.Events.Len())),
		statStyle.Render(fmt.Sprint(r.Events.NumClusters())))
	if r.Skipped > 0 {
		stats += "  " + skipStyle.Render(fmt.Sprint(r.Skipped)) + " skipped"
	}
	lines = append(lines, stats, "")

	sums := r.Events.Summaries()
	if len(sums) > TopClusters {
		sums = sums[:TopClusters]
	}
	// rank + size + span columns and the box padding
	room := max(width-24, 10)
	for i, s := range sums {
		row := lipgloss.JoinHorizontal(lipgloss.Top,
			rankStyle.Render(fmt.Sprintf("%d.", i+1)),
			sizeStyle.Render(fmt.Sprint(s.Size)),
			spanStyle.Render(formatSpan(s.Span())),
			truncate(s.Sample.Title, room),
		)
		lines = append(lines, row)
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

// formatSpan renders an event's duration in whole days, or hours when
// shorter than a day.
func formatSpan(d time.Duration) string {
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
