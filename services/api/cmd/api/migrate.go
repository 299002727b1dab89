package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"voxa/internal/util"
	"voxa/pkg/store"
	"voxa/services/api/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger := util.InitLogger(cfg.LogLevel, serviceName)
		db, err := store.NewGormStore(cfg.DatabaseURL, store.WithEmbeddingDim(cfg.EmbeddingDim))
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		defer db.Close()
		logger.Info("schema up to date", "embedding_dim", cfg.EmbeddingDim)
		return nil
	},
}
