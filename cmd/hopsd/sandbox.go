package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/plyght/hops/internal/service"

	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List sandboxes",
	Long:  `Display sandboxes known to the daemon. Terminal sandboxes stay listed until their retention window expires.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		client := service.NewClient(cfg.Server.SocketPath)
		sandboxes, err := client.List(all)
		if err != nil {
			return err
		}

		if len(sandboxes) == 0 {
			fmt.Println("No sandboxes found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATE\tPOLICY\tCOMMAND\tCREATED")
		for _, sb := range sandboxes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				sb.ID, sb.State, sb.Policy, sb.Command, sb.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop [id]",
	Short: "Stop a running sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := service.NewClient(cfg.Server.SocketPath)
		if err := client.Stop(args[0]); err != nil {
			return err
		}
		fmt.Printf("Sandbox %s stopped.\n", args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Show sandbox status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := service.NewClient(cfg.Server.SocketPath)
		summary, err := client.Status(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("ID:       %s\n", summary.ID)
		fmt.Printf("State:    %s\n", summary.State)
		fmt.Printf("Policy:   %s\n", summary.Policy)
		fmt.Printf("Command:  %s\n", summary.Command)
		fmt.Printf("Created:  %s\n", summary.CreatedAt.Format(time.RFC3339))
		if !summary.FinishedAt.IsZero() {
			fmt.Printf("Finished: %s\n", summary.FinishedAt.Format(time.RFC3339))
			fmt.Printf("Exit:     %d\n", summary.ExitCode)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	lsCmd.Flags().BoolP("all", "a", false, "Include stopped sandboxes")
}
