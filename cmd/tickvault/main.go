package main

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tickvault/tickvault/internal/config"
	"github.com/tickvault/tickvault/internal/errs"
)

const (
	appName = "tickvault"
	version = "v1.0.0"
)

// Exit codes: 0 success, 1 operational failure, 2 data validation failure.
const (
	exitOK         = 0
	exitError      = 1
	exitValidation = 2
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	// Optional .env for local development; absence is fine.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Forex tick archive vault with derived OHLC",
		Version: version,
		Long: `tickvault maintains a local vault of monthly forex tick archives and a
derived 1-minute OHLC table enriched with exchange session and holiday flags.

The update command finds missing months, downloads and decodes both tick
variants, appends them idempotently, and regenerates OHLC incrementally.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", config.DefaultPath(), "Path to YAML config file")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	rootCmd.AddCommand(
		newUpdateCmd(),
		newGapsCmd(),
		newCoverageCmd(),
		newQueryCmd(),
		newValidateCmd(),
	)

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	}

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		if errs.IsKind(err, errs.KindValidation) {
			os.Exit(exitValidation)
		}
		os.Exit(exitError)
	}
	os.Exit(exitOK)
}
