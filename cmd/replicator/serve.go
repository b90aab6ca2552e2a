package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jfoltran/replicator/internal/daemon"
	"github.com/jfoltran/replicator/internal/server"
)

var servePortOverride int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host the configured partitions and serve their status/control API",
	Long: `Serve opens one Host per configured partition — connecting its state
provider and building its Replicator — then serves each partition's
status/control API and the websocket transport endpoint its peers dial into
on its own port, starting at --port and incrementing per partition.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(cfg.Partitions) == 0 {
			return fmt.Errorf("no partitions configured; set [[partitions]] in %s", configPath)
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePortOverride
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		var hosts []*daemon.Host
		defer func() {
			for _, h := range hosts {
				h.Close()
			}
		}()

		for i, part := range cfg.Partitions {
			port := cfg.Server.Port + i
			partAddr := fmt.Sprintf("%s:%d", cfg.Server.Listen, port)

			host := daemon.NewHost(part, partAddr, logger)
			if err := host.Open(ctx, part.Database); err != nil {
				return fmt.Errorf("open partition %s: %w", part.ID, err)
			}
			hosts = append(hosts, host)

			srv := server.New(host, logger)
			srv.StartBackground(ctx, port)
			logger.Info().Str("partition", part.ID).Int("port", port).Msg("partition serving")
		}

		<-ctx.Done()
		logger.Info().Msg("shutting down")
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePortOverride, "port", 7654, "Base HTTP server port (overrides config); each partition after the first gets port+1, port+2, ...")
	rootCmd.AddCommand(serveCmd)
}
