package main

import (
	"fmt"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/open-edge-platform/apk-fetcher/internal/assembler"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/logger"
)

// Cache command flags
var (
	cleanOlderThan time.Duration
	cleanIndex     bool
	refreshOptions string
)

// createCacheCommand creates the cache command group
func createCacheCommand() *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Maintain the index cache and output directories",
	}

	cleanCmd := &cobra.Command{
		Use:   "clean [flags] [OUTPUT_DIR...]",
		Short: "Remove leftover staging files from interrupted downloads",
		Long: `Remove staging files and directories that interrupted downloads left in each
OUTPUT_DIR (default: the current directory). With --index the cached repository
indexes are removed as well; pinned repository fingerprints are kept.`,
		RunE: executeCacheClean,
	}
	cleanCmd.Flags().DurationVar(&cleanOlderThan, "older-than", time.Hour,
		"Only remove staging entries last modified before this age")
	cleanCmd.Flags().BoolVar(&cleanIndex, "index", false,
		"Also remove cached repository indexes")

	refreshCmd := &cobra.Command{
		Use:   "refresh [flags]",
		Short: "Download and verify the F-Droid index now",
		Long: `Refresh the F-Droid index of the configured repository (or the one given with
-o repo=URL?fingerprint=HEX) and its mirrors, bypassing the freshness window.`,
		Args: cobra.NoArgs,
		RunE: executeCacheRefresh,
	}
	refreshCmd.Flags().StringVarP(&refreshOptions, "options", "o", "",
		"F-Droid options as key=value,...")

	cacheCmd.AddCommand(cleanCmd, refreshCmd)
	return cacheCmd
}

func executeCacheClean(cmd *cobra.Command, args []string) error {
	log := logger.Logger()
	dirs := args
	if len(dirs) == 0 {
		dirs = []string{"."}
	}

	total := 0
	for _, dir := range dirs {
		removed, err := assembler.CleanupTemp(dir, cleanOlderThan)
		for _, p := range removed {
			fmt.Fprintln(cmd.OutOrStdout(), "removed", p)
		}
		total += len(removed)
		if err != nil {
			return err
		}
	}
	log.Infow("staging cleanup finished", "removed", total)

	if cleanIndex {
		env, err := newEnvironment(runtimeConfig)
		if err != nil {
			return err
		}
		if err := env.cache.Clear(); err != nil {
			return fmt.Errorf("clearing index cache: %w", err)
		}
		log.Infow("index cache cleared", "dir", env.cache.Dir())
	}
	return nil
}

func executeCacheRefresh(cmd *cobra.Command, _ []string) error {
	overrides, err := parseOptions(refreshOptions)
	if err != nil {
		return err
	}
	env, err := newEnvironment(runtimeConfig)
	if err != nil {
		return err
	}
	opts := runtimeConfig.SourceOptions(env.fdroid.Kind(), overrides)

	summary, err := env.fdroid.Refresh(cmd.Context(), opts)
	if err != nil {
		return err
	}

	tbl := uitable.New()
	tbl.AddRow("REPOSITORY", summary.Repo)
	tbl.AddRow("NAME", summary.Name)
	tbl.AddRow("FORMAT", summary.Format)
	tbl.AddRow("SIGNER", summary.Fingerprint)
	tbl.AddRow("VERIFIED", summary.Trusted)
	tbl.AddRow("APPS", summary.Apps)
	tbl.AddRow("CACHE", env.cache.Dir())
	for _, w := range summary.Warnings {
		tbl.AddRow("WARNING", w)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), tbl.String())
	return err
}
