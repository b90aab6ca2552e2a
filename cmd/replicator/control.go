package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jfoltran/replicator/internal/daemon"
)

var (
	changeRoleDataLoss      int64
	changeRoleConfiguration int64
	induceFaultReason       string
)

var changeRoleCmd = &cobra.Command{
	Use:   "change-role [primary|idle|active|none]",
	Short: "Request a role transition on a running replicator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := daemon.NewClient(apiAddr)
		resp, err := client.ChangeRole(daemon.ChangeRolePayload{
			Target:              args[0],
			DataLossNumber:      changeRoleDataLoss,
			ConfigurationNumber: changeRoleConfiguration,
		})
		if err != nil {
			return err
		}
		return printJobResponse(resp)
	},
}

var induceFaultCmd = &cobra.Command{
	Use:   "induce-fault",
	Short: "Ask a running replicator to broadcast InduceFault to its peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := daemon.NewClient(apiAddr)
		resp, err := client.InduceFault(daemon.InduceFaultPayload{Reason: induceFaultReason})
		if err != nil {
			return err
		}
		return printJobResponse(resp)
	},
}

func printJobResponse(resp *daemon.JobResponse) error {
	if !resp.OK {
		return fmt.Errorf("%s", resp.Error)
	}
	fmt.Println(resp.Message)
	return nil
}

func init() {
	changeRoleCmd.Flags().Int64Var(&changeRoleDataLoss, "data-loss-number", 0, "Target epoch's data loss number")
	changeRoleCmd.Flags().Int64Var(&changeRoleConfiguration, "configuration-number", 0, "Target epoch's configuration number")
	rootCmd.AddCommand(changeRoleCmd)

	induceFaultCmd.Flags().StringVar(&induceFaultReason, "reason", "manual", "Reason recorded alongside the induced fault")
	rootCmd.AddCommand(induceFaultCmd)
}
