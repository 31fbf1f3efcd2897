package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var configReveal bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the resolved configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration as JSON",
	Long: `Loads configuration from the environment (and --env-file if given) and
prints the resolved values. Secrets are masked unless --reveal is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigShow()
	},
}

func init() {
	configShowCmd.Flags().BoolVar(&configReveal, "reveal", false, "print secret values instead of masking them")
	configCmd.AddCommand(configShowCmd)
}

func runConfigShow() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cfg.Masked()
	if configReveal {
		out = *cfg
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
