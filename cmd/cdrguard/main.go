package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oriys/cdrguard/internal/config"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "cdrguard",
		Short: "CDR Guard - CDR/AV/EDR security validation pipeline",
		Long:  "Runs files through CDR sanitization, antivirus scanning, and EDR detonation to measure endpoint-alert noise reduction",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, env vars override)")

	rootCmd.AddCommand(
		serveCmd(),
		jobCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig applies a three-step load: baked-in defaults,
// optionally overlaid by --config's JSON file, then CDRGUARD_*
// environment variables always have the final word.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		loaded, err := config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}
