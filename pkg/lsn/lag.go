package lsn

import (
	"fmt"
	"time"
)

// Lag returns how many sequence numbers current trails latest by. A replica
// at or ahead of latest reports zero lag. NonInitialized (-1) is compared
// numerically, so a replica that has not reported trails by latest+1.
func Lag(current, latest LSN) uint64 {
	if latest <= current {
		return 0
	}
	return uint64(latest - current)
}

// FormatLag renders an operation-count lag alongside an ack latency for logs
// and status output.
func FormatLag(operations uint64, latency time.Duration) string {
	var size string
	switch {
	case operations >= 1_000_000:
		size = fmt.Sprintf("%.2fM ops", float64(operations)/1_000_000)
	case operations >= 1_000:
		size = fmt.Sprintf("%.2fK ops", float64(operations)/1_000)
	default:
		size = fmt.Sprintf("%d ops", operations)
	}
	return fmt.Sprintf("%s (latency: %s)", size, latency.Truncate(time.Millisecond))
}
