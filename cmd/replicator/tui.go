package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfoltran/replicator/internal/daemon"
	"github.com/jfoltran/replicator/internal/metrics"
	"github.com/jfoltran/replicator/internal/tui"
	"github.com/jfoltran/replicator/pkg/lsn"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch terminal dashboard",
	Long: `TUI starts a Bubble Tea terminal dashboard for monitoring a running
replicator instance. It polls the API endpoint of a running partition.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		collector := metrics.NewCollector(logger)
		defer collector.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go pollRemote(ctx, apiAddr, collector)

		return tui.Run(collector)
	},
}

func init() {
	rootCmd.AddCommand(tuiCmd)
}

func pollRemote(ctx context.Context, addr string, collector *metrics.Collector) {
	client := daemon.NewClient(addr)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := client.Status()
			if err != nil {
				collector.RecordFault(fmt.Errorf("api fetch: %w", err))
				continue
			}
			collector.SetRole(snap.Role)
			collector.SetState(snap.State)
			collector.SetEpoch(snap.Epoch)
			for _, r := range snap.Replicas {
				collector.RecordReplicaAck(r.ID, parseLSN(r.AckedLSN))
			}
		}
	}
}

// parseLSN recovers the lsn.LSN a Snapshot printed via LSN.String, used to
// feed a polled remote status back into a local Collector.
func parseLSN(s string) lsn.LSN {
	switch s {
	case "invalid":
		return lsn.Invalid
	case "uninitialized":
		return lsn.NonInitialized
	case "max":
		return lsn.Max
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return lsn.NonInitialized
	}
	return lsn.LSN(n)
}
