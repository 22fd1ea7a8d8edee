package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serve := newServeCmd()

	root := &cobra.Command{
		Use:          "telemetryhub",
		Short:        "LoRaWAN telemetry ingest and live fan-out",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			loadDotEnv()
		},
		RunE: serve.RunE,
	}
	root.AddCommand(serve, newMigrateCmd())
	return root
}

// loadDotEnv loads the first .env found in the working directory or one of
// its parents. Missing files are fine in containers.
func loadDotEnv() {
	envPaths := []string{
		".env",       // current working directory
		"../../.env", // running from bin/
	}

	if workDir, err := os.Getwd(); err == nil {
		parentDir := filepath.Dir(workDir)
		grandParentDir := filepath.Dir(parentDir)

		envPaths = append(envPaths,
			filepath.Join(workDir, ".env"),
			filepath.Join(parentDir, ".env"),
			filepath.Join(grandParentDir, ".env"),
		)
	}

	for _, envPath := range envPaths {
		if _, err := os.Stat(envPath); err != nil {
			continue
		}
		if err := godotenv.Load(envPath); err == nil {
			absPath, _ := filepath.Abs(envPath)
			fmt.Fprintf(os.Stderr, "Loaded environment from: %s\n", absPath)
			return
		}
	}

	fmt.Fprintln(os.Stderr, "No .env file found, using system environment variables")
}
