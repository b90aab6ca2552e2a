package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jfoltran/replicator/internal/daemon"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a running replicator's role, progress, and replica lag",
	Long:  `Status reports the current role, state, epoch, LSN position, and replication lag of a running replicator instance.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := daemon.NewClient(apiAddr)

		snap, err := client.Status()
		if err != nil {
			fmt.Printf("Cannot reach replicator at %s\n", apiAddr)
			fmt.Printf("  (error: %v)\n", err)
			return nil
		}

		fmt.Printf("Role:         %s\n", snap.Role)
		fmt.Printf("State:        %s\n", snap.State)
		fmt.Printf("Epoch:        %s\n", snap.Epoch)
		fmt.Printf("Elapsed:      %.0fs\n", snap.ElapsedSec)
		fmt.Printf("Committed LSN: %s\n", snap.CommittedLSN)
		fmt.Printf("Completed LSN: %s\n", snap.CompletedLSN)
		fmt.Printf("All-acked LSN: %s\n", snap.AllAckedLSN)
		fmt.Printf("Lag:          %d ops\n", snap.LagOps)
		fmt.Printf("Throughput:   %.0f ops/s, %.0f bytes/s\n", snap.OpsPerSec, snap.BytesPerSec)
		fmt.Printf("Total:        %d ops, %d bytes\n", snap.TotalOps, snap.TotalBytes)

		if snap.FaultCount > 0 {
			fmt.Printf("Faults:       %d (last: %s)\n", snap.FaultCount, snap.LastError)
		}

		if len(snap.Replicas) > 0 {
			fmt.Println("\nReplicas:")
			for _, r := range snap.Replicas {
				fmt.Printf("  %-24s acked=%-18s last ack %.1fs ago\n", r.ID, r.AckedLSN, r.LastAckAge)
			}
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
