package main

import (
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jfoltran/replicator/internal/appconfig"
)

var (
	cfg        appconfig.Config
	logger     zerolog.Logger
	logOutput  io.Writer
	configPath string
	apiAddr    string
)

var rootCmd = &cobra.Command{
	Use:   "replicator",
	Short: "Primary/secondary replication engine",
	Long: `replicator hosts one or more replicated partitions: it owns each
partition's write-ahead bookkeeping, drives the primary/secondary handoff,
and streams operations to peer replicas over a websocket transport.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := appconfig.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		switch cfg.Logging.Format {
		case "json":
			logOutput = os.Stdout
		default:
			logOutput = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		}
		logger = zerolog.New(logOutput).With().Timestamp().Logger()

		level, err := zerolog.ParseLevel(cfg.Logging.Level)
		if err != nil {
			level = zerolog.InfoLevel
		}
		logger = logger.Level(level)

		if apiAddr == "" {
			apiAddr = "http://" + cfg.Server.Listen + ":" + strconv.Itoa(cfg.Server.Port)
		}

		return nil
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&configPath, "config", "", "Path to replicator config.toml (default: ~/.replicator/config.toml)")
	f.StringVar(&apiAddr, "api-addr", "", "Address of a running replicator's API (default: derived from config)")
}
