package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/plyght/hops/internal/daemon"
	"github.com/plyght/hops/internal/daemon/components"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the sandboxing daemon",
	Long:  `Starts the daemon as a long-running service using component lifecycle orchestration. It serves the control socket and sweeps expired sandboxes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		daemonMgr, err := daemon.NewDaemon(cfg)
		if err != nil {
			return fmt.Errorf("failed to create daemon manager: %w", err)
		}

		runtimeComp := components.NewRuntimeComponent(&cfg.Runtime)
		managerComp := components.NewSandboxManagerComponent(cfg, runtimeComp)
		profilesComp := components.NewProfileStoreComponent(&cfg.Policy)
		controlComp := components.NewControlChannelComponent(cfg, managerComp, profilesComp)
		janitorComp := components.NewJanitorComponent(&cfg.Sandbox, managerComp)

		daemonMgr.AddComponent(runtimeComp)
		daemonMgr.AddComponent(managerComp)
		daemonMgr.AddComponent(profilesComp)
		daemonMgr.AddComponent(controlComp)
		daemonMgr.AddComponent(janitorComp)

		slog.Info("Hops daemon starting up...", "socket", cfg.Server.SocketPath)
		err = daemonMgr.Start(context.Background())
		if err != nil {
			// Cancellation via signal/context is a graceful shutdown case for CLI.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("Hops daemon stopped gracefully")
				return nil
			}
			return fmt.Errorf("daemon failed: %w", err)
		}

		slog.Info("Hops daemon stopped gracefully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
