package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/open-edge-platform/apk-fetcher/internal/assembler"
	"github.com/open-edge-platform/apk-fetcher/internal/config"
	"github.com/open-edge-platform/apk-fetcher/internal/orchestrator"
	"github.com/open-edge-platform/apk-fetcher/internal/report"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/logger"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/progress"
)

// Download command flags
var (
	downloadApps   appSource
	sleepMillis    uint64
	workers        int
	reportFormat   string
	fetchedListDir string
	noProgress     bool
)

const defaultSource = "apk-pure"

func addAppFlags(cmd *cobra.Command, a *appSource) {
	cmd.Flags().StringSliceVarP(&a.apps, "app", "a", nil,
		"App to fetch as ID[@VERSION]; repeat or separate with commas")
	cmd.Flags().StringVarP(&a.csvFile, "csv-file", "c", "",
		"CSV file listing apps to fetch")
	cmd.Flags().IntVarP(&a.field, "field", "f", 1,
		"CSV column (1-based) holding the app ID")
	cmd.Flags().StringVarP(&a.downloadSource, "download-source", "d", defaultSource,
		"Source: apk-pure, f-droid, google-play or huawei-app-gallery")
	cmd.Flags().StringVarP(&a.options, "options", "o", "",
		"Source options as key=value,... (e.g. arch=arm64-v8a;x86_64, repo=URL?fingerprint=HEX, split_apk=1)")
}

// createDownloadCommand creates the download subcommand
func createDownloadCommand() *cobra.Command {
	downloadCmd := &cobra.Command{
		Use:   "download [flags] [OUTPUT_DIR]",
		Short: "Download apps into OUTPUT_DIR",
		Long: `Download every requested app from the selected source into OUTPUT_DIR
(default: the current directory). Monolithic packages are written as
ID[@VERSION][@ARCH].apk or .xapk, split bundles as a ID[@VERSION][@ARCH].split
directory. Files that already exist are not downloaded again.

The command exits non-zero when any app fails; the others are still fetched.`,
		Args: cobra.MaximumNArgs(1),
		RunE: executeDownload,
	}

	addAppFlags(downloadCmd, &downloadApps)
	downloadCmd.Flags().Uint64VarP(&sleepMillis, "sleep-duration", "s", 0,
		"Minimum pause in milliseconds between requests to the source")
	downloadCmd.Flags().IntVarP(&workers, "parallel", "r", 0,
		"Number of apps fetched at once (default from config)")
	downloadCmd.Flags().StringVar(&reportFormat, "format", "table",
		"Report format: table, json or yaml")
	downloadCmd.Flags().StringVar(&fetchedListDir, "fetched-list", "",
		"Append the paths of delivered files to a list in this directory")
	downloadCmd.Flags().BoolVar(&noProgress, "no-progress", false,
		"Do not draw a progress bar")
	return downloadCmd
}

// executeDownload handles the download command logic
func executeDownload(cmd *cobra.Command, args []string) error {
	log := logger.Logger()

	format, err := report.ParseFormat(reportFormat)
	if err != nil {
		return err
	}
	outDir := "."
	if len(args) == 1 {
		outDir = args[0]
	}
	if fi, err := os.Stat(outDir); err != nil || !fi.IsDir() {
		return fmt.Errorf("output directory %s does not exist or is not a directory", outDir)
	}

	cfg := withWorkers(runtimeConfig, workers)
	reqs, err := downloadApps.requests(cfg)
	if err != nil {
		return err
	}
	env, err := newEnvironment(cfg)
	if err != nil {
		return err
	}

	opts := env.orchestratorOptions(time.Duration(sleepMillis) * time.Millisecond)
	var bar *progress.Bar
	if !noProgress {
		bar = progress.New(cmd.ErrOrStderr(), len(reqs))
		opts = append(opts, orchestrator.WithObserver(bar.Observe), orchestrator.WithProgress(bar.AddBytes))
	}

	runID := uuid.New().String()
	log.Infow("starting downloads", "run", runID, "apps", len(reqs),
		"source", reqs[0].Source.String(), "output", outDir)

	o := orchestrator.New(env.resolver(), assembler.New(env.fetcher(), outDir), opts...)
	outcomes := o.Run(cmd.Context(), reqs)
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(cmd.ErrOrStderr())
	}
	batch := report.NewBatch(outcomes)

	if err := batch.Write(cmd.OutOrStdout(), format); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	if fetchedListDir != "" {
		path, err := batch.WriteFetchedList(fetchedListDir, runID)
		if err != nil {
			return err
		}
		log.Infow("fetched list written", "path", path)
	}
	return batch.Err()
}

// withWorkers returns a copy of cfg using n workers when n is positive.
func withWorkers(cfg *config.GlobalConfig, n int) *config.GlobalConfig {
	c := *cfg
	if n > 0 {
		c.Workers = n
	}
	return &c
}
