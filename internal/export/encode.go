// Package export renders aggregated datasets as CSV, JSON or Excel files and
// hands them to blob stores and record sinks.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/job-aggregator/internal/aggregate"
	"github.com/JakeFAU/job-aggregator/internal/crawler"
)

// Format names an export encoding.
type Format string

// Supported formats.
const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

const sheetName = "jobs"

// Columns is the column order shared by every tabular format.
var Columns = []string{
	"company",
	"title",
	"location",
	"compensation",
	"url",
	"extraction_strategy",
	"confidence",
	"description",
	"responsibilities",
	"qualifications",
}

// ParseFormat accepts a format name in any case.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case FormatCSV, FormatJSON, FormatXLSX:
		return f, nil
	case "excel":
		return FormatXLSX, nil
	default:
		return "", crawler.Errorf(crawler.KindConfig, "unsupported export format %q", name)
	}
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatJSON:
		return "application/json"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/octet-stream"
	}
}

// Extension returns the file extension including the dot.
func (f Format) Extension() string {
	return "." + string(f)
}

// Encode renders ds in format f.
func Encode(f Format, ds aggregate.Dataset) ([]byte, error) {
	switch f {
	case FormatCSV:
		return encodeCSV(ds)
	case FormatJSON:
		return encodeJSON(ds)
	case FormatXLSX:
		return encodeXLSX(ds)
	default:
		return nil, fmt.Errorf("unsupported export format %q", f)
	}
}

// Row flattens a record in Columns order. Unknown values are empty cells.
func Row(r crawler.JobRecord) []string {
	return []string{
		r.Company,
		r.Title,
		r.LocationOrEmpty(),
		r.CompensationOrEmpty(),
		r.URL,
		string(r.Strategy),
		strconv.FormatFloat(r.Confidence, 'f', 2, 64),
		r.Description,
		r.Responsibilities,
		r.Qualifications,
	}
}

func encodeCSV(ds aggregate.Dataset) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Columns); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range ds.Records() {
		if err := w.Write(Row(r)); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeJSON(ds aggregate.Dataset) ([]byte, error) {
	records := ds.Records()
	if records == nil {
		records = []crawler.JobRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return append(data, '\n'), nil
}

func encodeXLSX(ds aggregate.Dataset) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, fmt.Errorf("name sheet: %w", err)
	}
	header := make([]any, len(Columns))
	for i, c := range Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("header style: %w", err)
	}
	last, err := excelize.CoordinatesToCellName(len(Columns), 1)
	if err != nil {
		return nil, fmt.Errorf("header range: %w", err)
	}
	if err := f.SetCellStyle(sheetName, "A1", last, bold); err != nil {
		return nil, fmt.Errorf("apply header style: %w", err)
	}

	for i, r := range ds.Records() {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		row := make([]any, 0, len(Columns))
		for j, v := range Row(r) {
			if Columns[j] == "confidence" {
				row = append(row, r.Confidence)
				continue
			}
			row = append(row, v)
		}
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("render xlsx: %w", err)
	}
	return buf.Bytes(), nil
}
