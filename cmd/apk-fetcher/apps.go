package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
	"github.com/open-edge-platform/apk-fetcher/internal/config"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/general/slice"
)

// appSource is the shared app selection of download and list-versions.
type appSource struct {
	apps           []string
	csvFile        string
	field          int
	downloadSource string
	options        string
}

// collect returns the deduplicated "id[@version]" specs from -a and -c.
func (a *appSource) collect() ([]string, error) {
	var specs []string
	for _, item := range a.apps {
		specs = append(specs, slice.SplitList(item, ",")...)
	}
	if a.csvFile != "" {
		fromCSV, err := readCSVApps(a.csvFile, a.field)
		if err != nil {
			return nil, err
		}
		specs = append(specs, fromCSV...)
	}
	specs = slice.Dedup(specs)
	if len(specs) == 0 {
		return nil, errors.New("no apps given: use --app or --csv-file")
	}
	return specs, nil
}

// requests turns the selection into validated acquisition requests, with
// the configured source defaults under the command line options.
func (a *appSource) requests(cfg *config.GlobalConfig) ([]apkpackage.AcquisitionRequest, error) {
	kind, err := apkpackage.ParseSourceKind(a.downloadSource)
	if err != nil {
		return nil, err
	}
	overrides, err := parseOptions(a.options)
	if err != nil {
		return nil, err
	}
	specs, err := a.collect()
	if err != nil {
		return nil, err
	}
	opts := cfg.SourceOptions(kind, overrides)

	reqs := make([]apkpackage.AcquisitionRequest, 0, len(specs))
	for _, s := range specs {
		id, version, err := apkpackage.ParseAppSpec(s)
		if err != nil {
			return nil, err
		}
		req, err := apkpackage.NewRequest(id, version, kind, opts)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// parseOptions reads "key=value,key=value". Values may contain '=' and ';'
// but not ','.
func parseOptions(s string) (map[string]string, error) {
	opts := map[string]string{}
	for _, pair := range slice.SplitList(s, ",") {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, apkpackage.Errorf(apkpackage.InvalidRequest, "option %q is not key=value", pair)
		}
		opts[key] = strings.TrimSpace(value)
	}
	return opts, nil
}

// readCSVApps returns the 1-based column field of every row. A first row
// whose value is not a valid app id (such as "app id") is treated as a
// header.
func readCSVApps(path string, field int) ([]string, error) {
	if field < 1 {
		return nil, fmt.Errorf("--field must be 1 or greater, got %d", field)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening app list: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	r.Comment = '#'

	var specs []string
	for row := 0; ; row++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		if len(rec) < field {
			return nil, fmt.Errorf("%s: row %d has %d fields, --field is %d", path, row+1, len(rec), field)
		}
		value := strings.TrimSpace(rec[field-1])
		if value == "" {
			continue
		}
		if _, _, err := apkpackage.ParseAppSpec(value); err != nil {
			if row == 0 {
				continue
			}
			return nil, fmt.Errorf("%s: row %d: %w", path, row+1, err)
		}
		specs = append(specs, value)
	}
	return specs, nil
}
