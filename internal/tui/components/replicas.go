package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jfoltran/replicator/internal/metrics"
)

var (
	replicaHeaderStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3B82F6"))
	replicaCaughtStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	replicaBehindStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	replicaStaleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
)

// RenderReplicas renders the per-replica ack status table: each secondary's
// last-known acked LSN and how long ago it last acked.
func RenderReplicas(snap metrics.Snapshot, width, maxRows int) string {
	if len(snap.Replicas) == 0 {
		return "  No replicas reporting"
	}

	var b strings.Builder

	header := fmt.Sprintf("  %-24s %-18s %s", "Replica", "Acked LSN", "Last Ack")
	b.WriteString(replicaHeaderStyle.Render(header))
	b.WriteByte('\n')

	shown := len(snap.Replicas)
	if maxRows > 0 && shown > maxRows {
		shown = maxRows
	}

	for i := 0; i < shown; i++ {
		r := snap.Replicas[i]
		name := r.ID
		if len(name) > 22 {
			name = name[:19] + "..."
		}

		var ageStyle lipgloss.Style
		switch {
		case r.AckedLSN == snap.CommittedLSN:
			ageStyle = replicaCaughtStyle
		case r.LastAckAge > 10:
			ageStyle = replicaStaleStyle
		default:
			ageStyle = replicaBehindStyle
		}

		ageStr := ageStyle.Render(fmt.Sprintf("%.1fs ago", r.LastAckAge))

		line := fmt.Sprintf("  %-24s %-18s %s", name, r.AckedLSN, ageStr)
		b.WriteString(line)
		if i < shown-1 {
			b.WriteByte('\n')
		}
	}

	if len(snap.Replicas) > shown {
		b.WriteByte('\n')
		b.WriteString(fmt.Sprintf("  ... and %d more replicas", len(snap.Replicas)-shown))
	}

	return b.String()
}
