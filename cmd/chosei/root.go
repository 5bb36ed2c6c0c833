package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/chosei"
)

var (
	logger      *slog.Logger
	databaseURL string
	registryArg string
)

func getRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chosei",
		Short: "chosei tunes pgvector indexes autonomously",
		Long: `chosei watches the k-NN queries on configured vector columns and keeps
their indexes fitted to the data. Every cycle it measures a probe query,
decides whether an HNSW or IVFFlat index would help, builds it concurrently,
re-measures, and records the outcome.

Configuration comes from environment variables (and a .env file when
present). Targets come from CHOSEI_TARGETS_FILE or the CHOSEI_TARGET_*
variables.

  Examples:
    DATABASE_URL                  database holding the tuned tables
    CHOSEI_REGISTRY_BACKEND       postgres, sqlite or memory
    CHOSEI_DECISION_STRATEGY      rules, ollama or openai
    CHOSEI_COOLDOWN               wait after a change before the next one
    CHOSEI_LOG_LEVEL              debug, info, warn or error`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load .env file if present (non-fatal; production won't have one).
			_ = godotenv.Load()
			logger = newLogger(os.Stderr, os.Getenv("CHOSEI_LOG_LEVEL"), os.Getenv("CHOSEI_LOG_FORMAT"))
			slog.SetDefault(logger)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "",
		"database holding the tuned tables (default: DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&registryArg, "registry", "",
		"registry backend: postgres, sqlite or memory (default: CHOSEI_REGISTRY_BACKEND)")
	rootCmd.Flags().BoolP("version", "V", false, "version for chosei")

	rootCmd.AddCommand(
		getRunCmd(),
		getOnceCmd(),
		getHistoryCmd(),
		getIndexesCmd(),
		getSummaryCmd(),
		getCleanCmd(),
		getTailCmd(),
	)
	return rootCmd
}

// openApp builds the App for a subcommand from env configuration and the
// persistent flags.
func openApp() (*chosei.App, error) {
	opts := []chosei.Option{chosei.WithLogger(logger), chosei.WithVersion(Version)}
	if databaseURL != "" {
		opts = append(opts, chosei.WithDatabaseURL(databaseURL))
	}
	if registryArg != "" {
		opts = append(opts, chosei.WithRegistryBackend(registryArg))
	}
	app, err := chosei.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	return app, nil
}
