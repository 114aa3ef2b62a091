package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mcpfront/gateway/internal/config"
	"github.com/mcpfront/gateway/internal/gateway"
	"github.com/mcpfront/gateway/internal/telemetry"
)

var pidFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway, watching config.toml for hot reload",
	Long: `Loads the providers and runtimes declared in config.toml, starts a
transport for each provider, and blocks until SIGINT/SIGTERM. Sending
SIGHUP (or running 'mcpfrontd reload' against the recorded pid) triggers an
immediate re-read of config.toml.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&pidFile, "pid-file", "", "write the process pid to this path")
}

func runServe(ctx context.Context) error {
	telemetryProvider := telemetry.NewClueProvider("mcpfrontd")

	source, err := config.NewSource(configPath, telemetryProvider.Logger)
	if err != nil {
		return fmt.Errorf("loading %s: %w", configPath, err)
	}
	defer source.Close()

	if err := source.Watch(ctx); err != nil {
		return fmt.Errorf("starting config watcher: %w", err)
	}

	gw, err := gateway.NewGateway(ctx, source, gateway.WithTelemetry(telemetryProvider))
	if err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}
	defer gw.Close()

	gw.Watch(ctx)

	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
			return fmt.Errorf("writing pid file: %w", err)
		}
		defer os.Remove(pidFile)
	}

	fmt.Printf("mcpfrontd serving %d tool(s) from %s\n", len(gw.ListTools()), configPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-sigCh
		if sig == syscall.SIGHUP {
			if _, err := source.Reload(); err != nil {
				fmt.Fprintf(os.Stderr, "reload failed: %v\n", err)
			} else {
				fmt.Println("config reloaded")
			}
			continue
		}
		fmt.Println("shutting down")
		return nil
	}
}
