// Command regent inspects requirement configurations without calling a model.
//
//	regent validate --config requirements.yaml
//	regent plan --config requirements.yaml --tools think,search --history think
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "regent",
		Short:         "Inspect requirement-driven agent configurations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(validateCmd(), planCmd())
	return cmd
}

func validateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check that a requirements file is well formed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requirementsConfig(configPath)
			if err != nil {
				return err
			}
			reqs, err := cfg.Build()
			if err != nil {
				return err
			}
			for _, req := range reqs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tpriority=%d\tenabled=%t\n", req.Name(), req.Priority(), req.Enabled())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d requirement(s) ok\n", len(reqs))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "requirements YAML file")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}
