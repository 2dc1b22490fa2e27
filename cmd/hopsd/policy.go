package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/plyght/hops/internal/policy"
	"github.com/plyght/hops/internal/profile"

	"github.com/spf13/cobra"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage sandbox policy profiles",
	Long:  `Validate, inspect, and manage the policy profiles sandboxes run under.`,
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a policy profile",
	Long:  `Parse and validate a policy profile without running anything. All violations are reported, not just the first.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pol, err := policy.ParseFile(args[0])
		if err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}

		validator := buildCLIValidator()
		if err := validator.Validate(pol); err != nil {
			var verrs *policy.ValidationErrors
			if errors.As(err, &verrs) {
				fmt.Fprintf(os.Stderr, "Profile %q is invalid:\n", pol.Name)
				for _, violation := range verrs.Violations {
					fmt.Fprintf(os.Stderr, "  - %s\n", violation.Error())
				}
				os.Exit(1)
			}
			return err
		}

		fmt.Printf("Profile %q is valid.\n", pol.Name)
		return nil
	},
}

var policyShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show a stored policy profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := profile.NewStore(cfg.Policy.ProfilesDir)
		if err != nil {
			return err
		}
		data, err := store.Load(args[0])
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var policyLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List stored policy profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := profile.NewStore(cfg.Policy.ProfilesDir)
		if err != nil {
			return err
		}
		names, err := store.List()
		if err != nil {
			return err
		}

		if len(names) == 0 {
			fmt.Println("No profiles found.")
			fmt.Printf("\nAdd profiles under %s\n", store.Dir())
			return nil
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

func buildCLIValidator() *policy.Validator {
	limits := policy.DefaultLimits()
	sensitive := policy.DefaultSensitivePaths()
	if cfg != nil {
		if cfg.Policy.MaxCPUs > 0 {
			limits.MaxCPUs = cfg.Policy.MaxCPUs
		}
		if cfg.Policy.MaxMemoryBytes > 0 {
			limits.MaxMemoryBytes = cfg.Policy.MaxMemoryBytes
		}
		if cfg.Policy.MaxProcesses > 0 {
			limits.MaxProcesses = cfg.Policy.MaxProcesses
		}
		if len(cfg.Policy.SensitivePaths) > 0 {
			sensitive = cfg.Policy.SensitivePaths
		}
	}
	return policy.NewValidator(limits, sensitive)
}

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyValidateCmd)
	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyLsCmd)
}
