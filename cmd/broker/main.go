// Command broker runs the VNC session broker.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/virtdesk/broker/pkg/broker"
	"github.com/virtdesk/broker/pkg/config"
	"github.com/virtdesk/broker/pkg/logger"
)

var (
	configPath string
	debugFlag  bool
)

var rootCmd = &cobra.Command{
	Use:   "broker",
	Short: "Session broker for Guacamole VNC desktops",
	Long: `broker provisions per-user VNC desktop workloads behind an Apache
Guacamole gateway: it syncs gateway users, pre-warms a workload pool, creates
catalog entries, and reclaims idle desktops.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to broker.yaml")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	settings, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger.Initialize(settings.Debug || debugFlag)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := broker.New(ctx, settings)
	if err != nil {
		return err
	}
	defer app.Close()

	logger.Infof("Broker starting (backend %s)", settings.Orchestrator.Backend)
	return app.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
