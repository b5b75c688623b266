package sink

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/studiowebux/lanebench/internal/aggregate"
)

// Color scheme
var (
	colorGreen  = lipgloss.AdaptiveColor{Light: "#006400", Dark: "#00ff00"}
	colorRed    = lipgloss.AdaptiveColor{Light: "#8b0000", Dark: "#ff0000"}
	colorYellow = lipgloss.AdaptiveColor{Light: "#b8860b", Dark: "#ffff00"}
	colorGray   = lipgloss.AdaptiveColor{Light: "#555555", Dark: "#888888"}
	colorCyan   = lipgloss.AdaptiveColor{Light: "#008b8b", Dark: "#00ffff"}
)

type consoleStyles struct {
	title   lipgloss.Style
	success lipgloss.Style
	err     lipgloss.Style
	warning lipgloss.Style
	subtle  lipgloss.Style
	box     lipgloss.Style
}

func newConsoleStyles(r *lipgloss.Renderer) consoleStyles {
	return consoleStyles{
		title:   r.NewStyle().Bold(true).Foreground(colorCyan),
		success: r.NewStyle().Foreground(colorGreen),
		err:     r.NewStyle().Foreground(colorRed).Bold(true),
		warning: r.NewStyle().Foreground(colorYellow),
		subtle:  r.NewStyle().Foreground(colorGray),
		box: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorCyan).
			Padding(0, 1),
	}
}

// Console prints one line per tick and a summary box for the final report
type Console struct {
	mu     sync.Mutex
	w      io.Writer
	quiet  bool
	styles consoleStyles
}

// NewConsole writes to w. With quiet set only the final summary is printed.
func NewConsole(w io.Writer, quiet bool) *Console {
	return &Console{
		w:      w,
		quiet:  quiet,
		styles: newConsoleStyles(lipgloss.NewRenderer(w)),
	}
}

func (c *Console) Emit(ctx context.Context, r aggregate.Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out string
	switch {
	case r.Final:
		out = c.renderSummary(r)
	case c.quiet:
		return nil
	default:
		out = c.renderTick(r)
	}

	if _, err := fmt.Fprintln(c.w, out); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func (c *Console) renderTick(r aggregate.Report) string {
	s := c.styles
	errStyle := s.success
	if r.TickErrors > 0 {
		errStyle = s.warning
	}
	if r.ErrorRate >= 0.5 {
		errStyle = s.err
	}

	line := fmt.Sprintf("%s %8s  %s  %s  %s  %s",
		s.subtle.Render(fmt.Sprintf("[%3d]", r.Seq)),
		formatElapsed(r.Elapsed),
		s.success.Render(fmt.Sprintf("%9.1f rps", r.RequestsPerSecond)),
		errStyle.Render(fmt.Sprintf("%6d err (%5.2f%%)", r.TickErrors, r.ErrorRate*100)),
		fmt.Sprintf("p50 %s p99 %s", formatLatency(r.TickLatency.P50), formatLatency(r.TickLatency.P99)),
		s.subtle.Render(fmt.Sprintf("lanes %d", r.ActiveLanes)),
	)
	if r.LostLanes > 0 {
		line += " " + s.err.Render(fmt.Sprintf("lost %d", r.LostLanes))
	}
	return line
}

func (c *Console) renderSummary(r aggregate.Report) string {
	s := c.styles
	var b strings.Builder

	title := "Run complete"
	if r.AllLanesLost {
		title = "Run failed: all lanes lost"
	}
	b.WriteString(s.title.Render(title) + "\n\n")

	fmt.Fprintf(&b, "Elapsed:      %s\n", formatElapsed(r.Elapsed))
	fmt.Fprintf(&b, "Requests:     %d\n", r.TotalSuccess+r.TotalErrors)
	fmt.Fprintf(&b, "Success:      %s\n", s.success.Render(fmt.Sprintf("%d", r.TotalSuccess)))

	errStyle := s.success
	if r.TotalErrors > 0 {
		errStyle = s.err
	}
	fmt.Fprintf(&b, "Errors:       %s\n", errStyle.Render(fmt.Sprintf("%d (%.2f%%)", r.TotalErrors, r.OverallErrorRate*100)))

	if len(r.ErrorsByKind) > 0 {
		kinds := make([]string, 0, len(r.ErrorsByKind))
		for k := range r.ErrorsByKind {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(&b, "  %-12s%d\n", k+":", r.ErrorsByKind[k])
		}
	}

	fmt.Fprintf(&b, "Throughput:   %.1f req/s\n", r.OverallRequestsPerSecond)
	fmt.Fprintf(&b, "Latency:      mean %s  p50 %s  p95 %s  p99 %s  max %s\n",
		formatLatency(r.OverallLatency.Mean),
		formatLatency(r.OverallLatency.P50),
		formatLatency(r.OverallLatency.P95),
		formatLatency(r.OverallLatency.P99),
		formatLatency(r.OverallLatency.Max),
	)

	lanes := fmt.Sprintf("Lanes lost:   %d", r.LostLanes)
	if r.LostLanes > 0 {
		lanes = s.err.Render(lanes)
	}
	b.WriteString(lanes)

	if r.RunID != "" {
		b.WriteString("\n" + s.subtle.Render("Run ID:       "+r.RunID))
	}

	return s.box.Render(b.String())
}

func formatElapsed(d time.Duration) string {
	return d.Round(100 * time.Millisecond).String()
}

func formatLatency(d time.Duration) string {
	switch {
	case d == 0:
		return "-"
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}
