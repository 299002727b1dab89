package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"voxa/services/api/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "voxa-api",
	Short: "Audio session ingestion and transcript Q&A API",
	PersistentPreRun: func(*cobra.Command, []string) {
		// a missing .env is normal outside local development
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.ConfigPath, "Path to the YAML config file")
	rootCmd.AddCommand(serveCmd, migrateCmd, workerTokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
