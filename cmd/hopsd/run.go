package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/plyght/hops/internal/service"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- command [args...]",
	Short: "Run a command in a new sandbox",
	Long:  `Boots a sandbox under the named policy profile and runs the command inside it, bridging stdin, stdout, and stderr. The command's exit code becomes this command's exit code.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		policyName, _ := cmd.Flags().GetString("policy")
		policyFile, _ := cmd.Flags().GetString("policy-file")
		workdir, _ := cmd.Flags().GetString("workdir")
		envPairs, _ := cmd.Flags().GetStringArray("env")

		if policyName == "" && policyFile == "" {
			return fmt.Errorf("either --policy or --policy-file is required")
		}

		var policyTOML []byte
		if policyFile != "" {
			data, err := os.ReadFile(policyFile)
			if err != nil {
				return fmt.Errorf("read policy file: %w", err)
			}
			policyTOML = data
		}

		env, err := parseEnvPairs(envPairs)
		if err != nil {
			return err
		}

		client := service.NewClient(cfg.Server.SocketPath)
		code, err := client.Run(service.RunOptions{
			PolicyName:  policyName,
			PolicyTOML:  policyTOML,
			Command:     args[0],
			Args:        args[1:],
			Workdir:     workdir,
			Env:         env,
			Interactive: stdinIsTerminal(),
			Stdin:       os.Stdin,
			Stdout:      os.Stdout,
			Stderr:      os.Stderr,
		})
		if err != nil {
			return err
		}
		if code != 0 {
			os.Exit(code)
		}
		return nil
	},
}

func parseEnvPairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid env pair %q, expected KEY=VALUE", pair)
		}
		env[key] = value
	}
	return env, nil
}

func stdinIsTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringP("policy", "p", "", "Name of a stored policy profile")
	runCmd.Flags().String("policy-file", "", "Path to a policy profile to use inline")
	runCmd.Flags().StringP("workdir", "w", "", "Working directory inside the sandbox")
	runCmd.Flags().StringArrayP("env", "e", nil, "Environment variable KEY=VALUE (repeatable)")
}
