package components

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/jfoltran/replicator/internal/metrics"
)

var throughputValueStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFFFF"))

// RenderThroughput renders the operation throughput counters.
func RenderThroughput(snap metrics.Snapshot, width int) string {
	opsPerSec := throughputValueStyle.Render(fmt.Sprintf("%.0f ops/s", snap.OpsPerSec))
	bytesPerSec := throughputValueStyle.Render(formatBytes(int64(snap.BytesPerSec)) + "/s")
	totalOps := formatCount(snap.TotalOps)
	totalBytes := formatBytes(snap.TotalBytes)

	errStr := ""
	if snap.FaultCount > 0 {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
		errStr = fmt.Sprintf("  Faults: %s", errStyle.Render(fmt.Sprintf("%d", snap.FaultCount)))
	}

	return fmt.Sprintf("  %s  |  %s  |  Total: %s ops, %s%s",
		opsPerSec, bytesPerSec, totalOps, totalBytes, errStr)
}

func formatCount(n int64) string {
	switch {
	case n >= 1_000_000_000:
		return fmt.Sprintf("%.1fB", float64(n)/1e9)
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1e6)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1e3)
	default:
		return fmt.Sprintf("%d", n)
	}
}

func formatBytes(b int64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
