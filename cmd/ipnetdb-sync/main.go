// Package main implements the ipnetdb-sync command-line tool for keeping
// local copies of the IPNetDB databases up to date.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/ipnetdb/ipnetdb-sync/internal/updater"
)

const (
	defaultConfigPath = "/etc/ipnetdb/sync.toml"
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
	saveTo     string
	indexURL   string
)

var rootCmd = &cobra.Command{
	Use:   "ipnetdb-sync",
	Short: "Keep local copies of the IPNetDB databases up to date",
	Long: `ipnetdb-sync downloads the IPNetDB prefix and ASN databases into a local
directory, verifies them against the published index and replaces the
local copies atomically.

Concurrent runs against the same directory are refused while the
directory lock is enabled (the default). With lock = false in the
configuration, callers must serialize runs themselves.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Download updated databases",
	Long: `Fetches the remote index, validates it and downloads every database
whose local copy is missing, corrupted or older than the published one.

Usage:
  # Synchronize into a directory without a configuration file
  ipnetdb-sync sync --save-to /var/lib/ipnetdb

  # Use a custom configuration file
  ipnetdb-sync sync --config /path/to/sync.toml

  # Only report what would be downloaded
  ipnetdb-sync sync --save-to /var/lib/ipnetdb --dry-run

  # Show detailed error information
  ipnetdb-sync sync --save-to /var/lib/ipnetdb --verbose-errors`,
	Args: cobra.NoArgs,
	Run:  runSync,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the local databases",
	Long: `Prints the databases recorded in the local index.

Examples:
  ipnetdb-sync status --save-to /var/lib/ipnetdb
  ipnetdb-sync status --save-to /var/lib/ipnetdb --verify --output json`,
	Args: cobra.NoArgs,
	Run:  runStatus,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any issues.`,
	Args:  cobra.NoArgs,
	Run:   runValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("ipnetdb-sync %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&saveTo, "save-to", "d", "", "local directory to save databases to (overrides dir)")
	rootCmd.PersistentFlags().StringVar(&indexURL, "index-url", "", "override the remote index URL")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress all output except for errors")

	syncCmd.Flags().Bool("dry-run", false, "decide what to update without downloading")
	syncCmd.Flags().Bool("no-pgp-check", false, "disable index signature verification")

	statusCmd.Flags().Bool("verify", false, "recompute database digests and compare them with the index")
	statusCmd.Flags().StringP("output", "o", "text", "output format (text, json, yaml)")
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err) // Full details with stack trace
	}

	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return err.Error() + ": " + flattened
	}
	return err.Error()
}

// fail logs err and exits with a non-zero status.
func fail(cmd *cobra.Command, msg string, err error) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	slog.Error(msg, "error", formatError(err, verboseErrors))
	if !verboseErrors {
		slog.Info("run with --verbose-errors for detailed stack traces")
	}
	os.Exit(1)
}

// loadConfig reads the configuration file, applies command-line
// overrides and configures logging.
func loadConfig(cmd *cobra.Command) (*updater.Config, *slog.Logger) {
	config := updater.NewConfig()
	if _, err := toml.DecodeFile(configPath, config); err != nil {
		// Without the default config file the tool runs on defaults plus flags.
		switch {
		case !os.IsNotExist(err), cmd.Flags().Changed("config"):
			fail(cmd, "failed to decode config file", errors.Wrap(err, configPath))
		case saveTo == "":
			fail(cmd, "no configuration", errors.Newf("%s does not exist and --save-to is not set", configPath))
		}
	}

	if saveTo != "" {
		dir, err := filepath.Abs(saveTo)
		if err != nil {
			fail(cmd, "invalid --save-to", err)
		}
		config.Dir = dir
	}
	if indexURL != "" {
		if err := config.SetIndexURL(indexURL); err != nil {
			fail(cmd, "invalid --index-url", err)
		}
	}

	if logLevel != "" {
		config.Log.Level = logLevel
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		config.Log.Level = "error"
	}
	logger, err := config.Log.Apply()
	if err != nil {
		slog.Error("failed to apply log config", "error", err)
		os.Exit(1)
	}
	return config, logger
}

func runSync(cmd *cobra.Command, _ []string) {
	config, logger := loadConfig(cmd)

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	noPGPCheck, _ := cmd.Flags().GetBool("no-pgp-check")
	quiet, _ := cmd.Flags().GetBool("quiet")

	var progress io.Writer
	if !quiet && isatty.IsTerminal(os.Stderr.Fd()) {
		progress = os.Stderr
	}

	logger.Info("refreshing IPNetDB databases", "dir", config.Dir)
	report, err := updater.Run(context.Background(), config, updater.Options{
		DryRun:     dryRun,
		NoPGPCheck: noPGPCheck,
		Progress:   progress,
		Logger:     logger,
	})
	if err != nil {
		fail(cmd, "update failed", err)
	}

	if dryRun && !quiet {
		if err := report.Write(os.Stdout, "text"); err != nil {
			fail(cmd, "failed to write report", err)
		}
	}
	logger.Info("done")
}

func runStatus(cmd *cobra.Command, _ []string) {
	config, _ := loadConfig(cmd)

	verify, _ := cmd.Flags().GetBool("verify")
	output, _ := cmd.Flags().GetString("output")

	storage, err := updater.NewStorage(config.Dir)
	if err != nil {
		fail(cmd, "invalid directory", err)
	}
	m, err := storage.LoadManifest()
	if err != nil {
		fail(cmd, "no local index", err)
	}

	report := updater.BuildReport(storage, m)
	ok := true
	if verify {
		ok = report.Verify()
	}
	if err := report.Write(os.Stdout, output); err != nil {
		fail(cmd, "failed to write report", err)
	}
	if !ok {
		os.Exit(1)
	}
}

func runValidate(cmd *cobra.Command, _ []string) {
	config, _ := loadConfig(cmd)

	if err := config.Check(); err != nil {
		fail(cmd, "configuration is invalid", err)
	}
	fmt.Printf("configuration is valid\n")
	fmt.Printf("  dir:        %s\n", config.Dir)
	fmt.Printf("  index_url:  %s\n", config.IndexURL)
	fmt.Printf("  trusted:    %s\n", config.TrustedDomain)
	if config.PGPKeyPath != "" {
		fmt.Printf("  signature:  %s (key %s)\n", config.SignatureLocation(), config.PGPKeyPath)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
