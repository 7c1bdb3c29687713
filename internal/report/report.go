// Package report renders batch outcomes and version listings.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/hashicorp/go-multierror"
	"sigs.k8s.io/yaml"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
)

// Format selects how a report is written.
type Format string

const (
	Table Format = "table"
	JSON  Format = "json"
	YAML  Format = "yaml"
)

// ParseFormat accepts "table" (also "text"), "json" and "yaml".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "table", "text":
		return Table, nil
	case "json":
		return JSON, nil
	case "yaml", "yml":
		return YAML, nil
	}
	return "", fmt.Errorf("unsupported output format %q (want table, json or yaml)", s)
}

// Entry is one request's line in a batch report.
type Entry struct {
	App     string             `json:"app"`
	Version string             `json:"requested"`
	Source  string             `json:"source"`
	Outcome apkpackage.Outcome `json:"outcome"`
}

// Batch is the report for one orchestrator run.
type Batch struct {
	Entries []Entry `json:"entries"`
}

// NewBatch builds a report from outcomes in request order.
func NewBatch(outcomes []apkpackage.Outcome) *Batch {
	b := &Batch{Entries: make([]Entry, 0, len(outcomes))}
	for _, oc := range outcomes {
		b.Entries = append(b.Entries, Entry{
			App:     oc.Request.ID,
			Version: oc.Request.Version.String(),
			Source:  oc.Request.Source.String(),
			Outcome: oc,
		})
	}
	return b
}

// Counts returns the number of succeeded, skipped and failed requests.
// Skipped requests are included in succeeded.
func (b *Batch) Counts() (succeeded, skipped, failed int) {
	for _, e := range b.Entries {
		switch {
		case !e.Outcome.Succeeded():
			failed++
		case e.Outcome.Skipped:
			succeeded++
			skipped++
		default:
			succeeded++
		}
	}
	return succeeded, skipped, failed
}

// Err collects every failure, or returns nil when the batch succeeded.
func (b *Batch) Err() error {
	var result *multierror.Error
	for _, e := range b.Entries {
		if f := e.Outcome.Failure; f != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", e.App, f))
		}
	}
	return result.ErrorOrNil()
}

// Write renders the batch in format f.
func (b *Batch) Write(w io.Writer, f Format) error {
	switch f {
	case JSON:
		return encodeJSON(w, b)
	case YAML:
		return encodeYAML(w, b)
	}

	tbl := uitable.New()
	tbl.MaxColWidth = 80
	tbl.Wrap = true
	tbl.AddRow("APP", "REQUESTED", "SOURCE", "STATUS", "VERSION", "SIZE", "DETAIL")
	for _, e := range b.Entries {
		oc := e.Outcome
		status, detail, size := "ok", strings.Join(oc.Paths, ", "), humanize.Bytes(uint64(oc.Bytes))
		switch {
		case oc.Failure != nil:
			status, detail, size = "failed", oc.Failure.Error(), "-"
		case oc.Skipped:
			status, size = "skipped", "-"
		}
		tbl.AddRow(e.App, e.Version, e.Source, status, oc.ResolvedVersion, size, detail)
		for _, warn := range oc.Warnings {
			tbl.AddRow("", "", "", "warning", "", "", warn)
		}
	}
	succeeded, skipped, failed := b.Counts()
	if _, err := fmt.Fprintln(w, tbl.String()); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d succeeded (%d already present), %d failed\n", succeeded, skipped, failed)
	return err
}

// WriteFetchedList appends the paths of every delivered file to
// dir/fetched-<title>.txt, one per line, followed by a blank line.
func (b *Batch) WriteFetchedList(dir, title string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating report directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("fetched-%s.txt", safeTitle(title)))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("opening fetched list: %w", err)
	}
	defer f.Close()

	for _, e := range b.Entries {
		if !e.Outcome.Succeeded() {
			continue
		}
		for _, p := range e.Outcome.Paths {
			if _, err := fmt.Fprintln(f, p); err != nil {
				return "", fmt.Errorf("writing fetched list: %w", err)
			}
		}
	}
	if _, err := fmt.Fprintln(f); err != nil {
		return "", fmt.Errorf("writing fetched list: %w", err)
	}
	return path, nil
}

func safeTitle(title string) string {
	if title == "" {
		return "untitled"
	}
	var sb strings.Builder
	for _, r := range title {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

// Versions is the listing printed by list-versions.
type Versions struct {
	App      string                   `json:"app"`
	Source   string                   `json:"source"`
	Versions []apkpackage.VersionInfo `json:"versions"`
}

// Write renders the listing in format f.
func (v *Versions) Write(w io.Writer, f Format) error {
	switch f {
	case JSON:
		return encodeJSON(w, v)
	case YAML:
		return encodeYAML(w, v)
	}
	tbl := uitable.New()
	tbl.AddRow("VERSION", "CODE", "ARCH")
	for _, vi := range v.Versions {
		code := "-"
		if vi.VersionCode != 0 {
			code = fmt.Sprint(vi.VersionCode)
		}
		arch := strings.Join(vi.Arch, ",")
		if arch == "" {
			arch = "-"
		}
		tbl.AddRow(vi.Version, code, arch)
	}
	_, err := fmt.Fprintln(w, tbl.String())
	return err
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func encodeYAML(w io.Writer, v any) error {
	raw, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}
