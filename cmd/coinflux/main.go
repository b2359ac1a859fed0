package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "coinflux"
	version = "v1.2.0"
)

var configPath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Resilient multi-source crypto market data pipeline",
		Version: version,
		Long: `coinflux ingests market snapshots from multiple upstream sources,
reconciles their schemas, and loads them idempotently into a document store.

Runs are batched, checkpointed, and resumable; every run leaves a durable
ledger entry and Prometheus metrics.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, metrics endpoint and scheduler",
		RunE:  runServe,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one ETL run and exit",
		RunE:  runOnce,
	}
	runCmd.Flags().Bool("fault-injection", false, "Inject a synthetic mid-batch failure")

	rootCmd.AddCommand(serveCmd, runCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
