package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"voxa/internal/servicetoken"
	"voxa/services/api/internal/config"
)

var (
	tokenIssuer string
	tokenTTL    time.Duration
)

// workerTokenCmd mints a service token for the transcription worker, for
// operators and local testing of the poll endpoint.
var workerTokenCmd = &cobra.Command{
	Use:   "worker-token",
	Short: "Print a signed service token accepted by /internal endpoints",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{
			PrivateKeyPath: cfg.InternalJWTPrivateKeyPath,
			KeyID:          cfg.InternalJWTKeyID,
			Issuer:         tokenIssuer,
			TTL:            tokenTTL,
		})
		if err != nil {
			return err
		}
		token, err := signer.Sign(internalAudience)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	workerTokenCmd.Flags().StringVar(&tokenIssuer, "issuer", "voxa-transcriber", "Issuer claim; must be in internalAllowedIssuers")
	workerTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", servicetoken.DefaultTokenTTL, "Token lifetime")
}
