// Package cli provides the command-line interface for factgraph.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/factgraph/internal/client"
	"github.com/raphaelgruber/factgraph/internal/config"
	"github.com/raphaelgruber/factgraph/internal/db"
	"github.com/raphaelgruber/factgraph/internal/metrics"
	"github.com/raphaelgruber/factgraph/internal/service"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose    bool
	configFile string

	// Set up by the persistent pre-run.
	cfg         config.Config
	logger      *slog.Logger
	stderrLevel *slog.LevelVar
	closeLog    func() error
	apiClient   *client.Client

	// Connected on first use by commands that need persistence.
	store *db.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "factgraph",
	Short: "Submit sources to the fact graph and follow their extraction",
	Long: `factgraph submits URLs or free text to the extraction service and
follows each item through preview, extraction, cleaning, resolution and
semantization until it is in the source list or has failed.

Configuration comes from factgraph.yaml (working directory or
~/.config/factgraph) and FACTGRAPH_* / SURREALDB_* environment variables.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return err
		}

		level := cfg.LogLevel()
		if verbose {
			level = slog.LevelDebug
		}
		logger, stderrLevel, closeLog = config.SetupLogger(cfg.Log.File, level)
		slog.SetDefault(logger)

		apiClient = client.New(cfg.ClientOptions())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := store.Close(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
			}
			cancel()
		}
		if apiClient != nil {
			apiClient.Close()
		}
		if closeLog != nil {
			closeLog()
		}
	},
}

// openStore connects to SurrealDB once per process.
func openStore(ctx context.Context) (*db.Client, error) {
	if store != nil {
		return store, nil
	}
	c, err := db.NewClient(ctx, cfg.DB(), logger)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := c.InitSchema(ctx); err != nil {
		_ = c.Close(ctx)
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	store = c
	return store, nil
}

// errStoreDisabled is returned by commands that only make sense with persistence.
var errStoreDisabled = errors.New("task persistence is disabled (set store.enabled or FACTGRAPH_STORE=true)")

func requireStore(ctx context.Context) (*db.Client, error) {
	if !cfg.Store.Enabled {
		return nil, errStoreDisabled
	}
	return openStore(ctx)
}

// newTracker builds a tracker over the API client, persisting to SurrealDB
// when the store is enabled.
func newTracker(ctx context.Context, useCache bool) (*service.Tracker, error) {
	opts := cfg.TrackerOptions()
	opts.UseCache = opts.UseCache || useCache
	opts.Metrics = metrics.NewCollector()
	opts.Logger = logger

	if cfg.Store.Enabled {
		s, err := openStore(ctx)
		if err != nil {
			return nil, err
		}
		opts.Store = s
	}
	return service.NewTracker(apiClient, opts), nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default factgraph.yaml)")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(resumeCmd)
}
