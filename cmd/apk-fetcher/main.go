package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/open-edge-platform/apk-fetcher/internal/config"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/logger"
)

// Global command flags
var (
	configFile string
	logLevel   string
	verbose    bool
)

// Set by setupRuntime before any subcommand runs
var (
	runtimeConfig *config.GlobalConfig
	flushLogger   = func() {}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := createRootCommand()
	err := root.ExecuteContext(ctx)
	flushLogger()
	if err != nil {
		os.Exit(1)
	}
}

// createRootCommand builds the command tree
func createRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "apk-fetcher",
		Short: "Download Android packages from F-Droid, APKPure, Google Play and Huawei AppGallery",
		Long: `apk-fetcher downloads APK files, split bundles and expansion files for a list
of apps from one distribution source. F-Droid indexes are verified against the
repository signing key before any package is trusted, and every downloaded file
is checked against the checksum the source declares.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"Configuration file (default $XDG_CONFIG_HOME/apk-fetcher/config.yml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn or error (overrides the config file)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging (same as --log-level debug)")

	rootCmd.AddCommand(createDownloadCommand())
	rootCmd.AddCommand(createListVersionsCommand())
	rootCmd.AddCommand(createCacheCommand())
	rootCmd.AddCommand(createVersionCommand())

	attachLoggingHooks(rootCmd)
	return rootCmd
}

// attachLoggingHooks installs setupRuntime on every command that runs
// something and has no hook of its own, so config and logging are ready
// before RunE.
func attachLoggingHooks(cmd *cobra.Command) {
	if cmd.Runnable() && cmd.PersistentPreRunE == nil {
		cmd.PersistentPreRunE = setupRuntime
	}
	for _, sub := range cmd.Commands() {
		attachLoggingHooks(sub)
	}
}

// resolveRequestedLogLevel returns the level asked for on the command line,
// or "" to fall back to the config file.
func resolveRequestedLogLevel(cmd *cobra.Command) string {
	if logLevel != "" {
		return logLevel
	}
	if cmd != nil {
		if f := cmd.Flags().Lookup("verbose"); f != nil && f.Changed && f.Value.String() == "true" {
			return "debug"
		}
	}
	return ""
}

// setupRuntime loads the configuration and installs the logger.
func setupRuntime(cmd *cobra.Command, _ []string) error {
	home, _ := os.UserHomeDir()

	path, explicit := configFile, configFile != ""
	if !explicit {
		path = config.DefaultPath(os.Getenv("XDG_CONFIG_HOME"), home)
	}
	cfg, err := config.Load(path, explicit)
	if err != nil {
		return err
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = config.DefaultCacheDir(os.Getenv("XDG_CACHE_HOME"), home)
	}

	level := resolveRequestedLogLevel(cmd)
	if level == "" {
		level = cfg.Logging.Level
	}
	flush, err := logger.Setup(level)
	if err != nil {
		return err
	}
	cfg.Logging.Level = strings.ToLower(level)
	flushLogger = flush
	runtimeConfig = cfg

	logger.Logger().Debugw("configuration loaded", "path", path, "cache_dir", cfg.CacheDir,
		"workers", cfg.Workers, "sources", len(cfg.Sources))
	return nil
}

// Populated at build time with -ldflags "-X main.version=..."
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = ""
)

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// works without a readable config file
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "apk-fetcher %s (commit %s", version, commit)
			if buildDate != "" {
				fmt.Fprintf(out, ", built %s", buildDate)
			}
			fmt.Fprintln(out, ")")
			return nil
		},
	}
}
