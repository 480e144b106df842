package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sujal-goel/bank-automation-system-sub003/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "continuity",
	Short: "Headless device profile: offline queue, sync and push channels",
	Long: `Runs one device profile of the banking continuity layer against the API.

Configuration comes from .env, the YAML file named by CONTINUITY_CONFIG and
the environment (CONTINUITY_API_URL, CONTINUITY_AUTH_TOKEN, STORE_DRIVER, ...).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		godotenv.Load()

		loaded, err := config.LoadConfig()
		if err != nil {
			return err
		}
		cfg = loaded
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
