package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aegis-sre/aegis/internal/config"
	"github.com/aegis-sre/aegis/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var envFileFlag string

var rootCmd = &cobra.Command{
	Use:     "aegis",
	Short:   "AEGIS - autonomous incident remediation for Kubernetes",
	Long:    `AEGIS watches Kubernetes workloads, diagnoses incidents with an LM-backed analysis pipeline, verifies candidate fixes in isolated shadow environments, and applies them behind an approval gate with automatic rollback.`,
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFileFlag, "env-file", "", "path to a .env file seeding configuration")

	rootCmd.AddCommand(operateCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(incidentCmd)
	rootCmd.AddCommand(shadowCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("AEGIS %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

// loadConfig resolves configuration and re-initializes logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(envFileFlag)
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "aegis",
	})
	return cfg, nil
}

func main() {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "aegis"})
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
}
