// Package ingest reads crawl targets from CSV, YAML or JSON files.
package ingest

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
)

// Format is a targets file encoding.
type Format string

// Supported formats.
const (
	FormatCSV  Format = "csv"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath picks the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", crawler.Errorf(crawler.KindConfig, "unsupported targets file %q (want .csv, .yaml or .json)", path)
	}
}

// Load reads and validates the targets file at path.
func Load(path string) ([]crawler.Target, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, crawler.NewError(crawler.KindConfig, "open targets", "", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return Parse(f, format)
}

// Parse decodes targets from r and validates every entry. Exact duplicates
// (same company and seed URL) are dropped.
func Parse(r io.Reader, format Format) ([]crawler.Target, error) {
	var (
		targets []crawler.Target
		err     error
	)
	switch format {
	case FormatCSV:
		targets, err = parseCSV(r)
	case FormatYAML:
		targets, err = parseYAML(r)
	case FormatJSON:
		targets, err = parseJSON(r)
	default:
		return nil, crawler.Errorf(crawler.KindConfig, "unsupported targets format %q", format)
	}
	if err != nil {
		return nil, crawler.NewError(crawler.KindConfig, "parse targets", "", err)
	}
	return validate(targets)
}

func parseCSV(r io.Reader) ([]crawler.Target, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	companyCol, urlCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))) {
		case "company", "company_name", "name":
			companyCol = i
		case "url", "seed_url", "careers_url":
			urlCol = i
		}
	}
	if companyCol < 0 || urlCol < 0 {
		return nil, fmt.Errorf("header must contain company and url columns, got %v", header)
	}
	var out []crawler.Target
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if len(row) <= max(companyCol, urlCol) {
			line, _ := reader.FieldPos(0)
			return nil, fmt.Errorf("line %d: expected at least %d columns", line, max(companyCol, urlCol)+1)
		}
		if strings.TrimSpace(strings.Join(row, "")) == "" {
			continue
		}
		out = append(out, crawler.Target{Company: row[companyCol], SeedURL: row[urlCol]})
	}
}

// document accepts either a bare list or {targets: [...]}.
type document struct {
	Targets []crawler.Target `json:"targets" yaml:"targets"`
}

func parseYAML(r io.Reader) ([]crawler.Target, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read yaml: %w", err)
	}
	var list []crawler.Target
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return doc.Targets, nil
}

func parseJSON(r io.Reader) ([]crawler.Target, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read json: %w", err)
	}
	var list []crawler.Target
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return doc.Targets, nil
}

func validate(in []crawler.Target) ([]crawler.Target, error) {
	if len(in) == 0 {
		return nil, crawler.Errorf(crawler.KindConfig, "targets file lists no targets")
	}
	seen := make(map[crawler.Target]struct{}, len(in))
	out := make([]crawler.Target, 0, len(in))
	var errs []error
	for i, t := range in {
		t.Company = strings.TrimSpace(t.Company)
		t.SeedURL = strings.TrimSpace(t.SeedURL)
		if t.Company == "" {
			errs = append(errs, fmt.Errorf("target %d: company is required", i+1))
			continue
		}
		if _, err := crawler.ParseAbsolute(t.SeedURL); err != nil {
			errs = append(errs, fmt.Errorf("target %d (%s): %w", i+1, t.Company, err))
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(errs) > 0 {
		return nil, crawler.NewError(crawler.KindConfig, "validate targets", "", errors.Join(errs...))
	}
	return out, nil
}
