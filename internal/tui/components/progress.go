package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jfoltran/replicator/internal/metrics"
)

// RenderProgress renders the quorum catch-up bar: the fraction of known
// replicas whose last-acked LSN has reached the current committed LSN.
func RenderProgress(snap metrics.Snapshot, width int) string {
	total := len(snap.Replicas)
	if total == 0 {
		return "  No replicas configured"
	}

	caughtUp := 0
	for _, r := range snap.Replicas {
		if r.AckedLSN == snap.CommittedLSN {
			caughtUp++
		}
	}

	pct := float64(caughtUp) / float64(total) * 100

	barWidth := width - 40
	if barWidth < 10 {
		barWidth = 10
	}

	filled := int(float64(barWidth) * pct / 100)
	if filled > barWidth {
		filled = barWidth
	}
	empty := barWidth - filled

	fullChars := strings.Repeat("█", filled)
	emptyChars := strings.Repeat("░", empty)

	coloredFull := lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")).Render(fullChars)
	coloredEmpty := lipgloss.NewStyle().Foreground(lipgloss.Color("#374151")).Render(emptyChars)

	return fmt.Sprintf("  Quorum: %s%s %5.1f%% (%d/%d replicas caught up)",
		coloredFull, coloredEmpty, pct, caughtUp, total)
}
