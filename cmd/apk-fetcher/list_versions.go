package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/open-edge-platform/apk-fetcher/internal/report"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/logger"
)

// List command flags
var (
	listApps   appSource
	listFormat string
)

// createListVersionsCommand creates the list-versions subcommand
func createListVersionsCommand() *cobra.Command {
	listCmd := &cobra.Command{
		Use:     "list-versions [flags]",
		Aliases: []string{"list"},
		Short:   "List the versions a source offers for each app",
		Long: `List the versions the selected source offers for each requested app, newest
first. Sources that only serve the current release list a single version.`,
		Args: cobra.NoArgs,
		RunE: executeListVersions,
	}

	addAppFlags(listCmd, &listApps)
	listCmd.Flags().StringVar(&listFormat, "format", "text",
		"Output format: text, json or yaml")
	return listCmd
}

// executeListVersions handles the list-versions command logic
func executeListVersions(cmd *cobra.Command, _ []string) error {
	log := logger.Logger()

	format, err := report.ParseFormat(listFormat)
	if err != nil {
		return err
	}
	reqs, err := listApps.requests(runtimeConfig)
	if err != nil {
		return err
	}
	env, err := newEnvironment(runtimeConfig)
	if err != nil {
		return err
	}
	res := env.resolver()

	var failed []string
	for _, req := range reqs {
		versions, err := res.ListVersions(cmd.Context(), req)
		if err != nil {
			log.Warnw("listing versions failed", "app", req.ID, "source", req.Source.String(), "error", err)
			failed = append(failed, req.ID)
			continue
		}
		listing := &report.Versions{App: req.ID, Source: req.Source.String(), Versions: versions}
		if format == report.Table {
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s):\n", req.ID, req.Source)
		}
		if err := listing.Write(cmd.OutOrStdout(), format); err != nil {
			return fmt.Errorf("writing version list: %w", err)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("could not list versions for %d of %d apps: %v", len(failed), len(reqs), failed)
	}
	return nil
}
