package components

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/jfoltran/replicator/internal/metrics"
)

var (
	headerRoleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#A78BFA"))
	headerLabelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	headerValueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF"))
)

// RenderHeader renders the top status bar with role, state, epoch, elapsed,
// and lag.
func RenderHeader(snap metrics.Snapshot, width int) string {
	role := headerRoleStyle.Render(strings.ToUpper(snap.Role))
	elapsed := formatDuration(snap.ElapsedSec)

	left := fmt.Sprintf("  Role: %s    State: %s    Epoch: %s    Elapsed: %s",
		role,
		headerValueStyle.Render(snap.State),
		headerValueStyle.Render(snap.Epoch),
		headerValueStyle.Render(elapsed))

	lag := headerValueStyle.Render(fmt.Sprintf("%d ops", snap.LagOps))
	throughput := headerValueStyle.Render(fmt.Sprintf("%.0f ops/s", snap.OpsPerSec))

	right := fmt.Sprintf("Lag: %s    Throughput: %s  ",
		lag, throughput)

	gap := width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}

	return left + strings.Repeat(" ", gap) + right
}

func formatDuration(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
