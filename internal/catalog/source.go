package catalog

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrSourceFormat is returned for catalog sources without the expected
// columns or in an unknown format.
var ErrSourceFormat = errors.New("catalog: bad source")

// LoadSource reads (event_name, description) rows from a .csv, .xlsx or
// .json file. Tabular sources need a header row naming both columns; rows
// with a blank name are dropped.
func LoadSource(path string) ([]SourceEntry, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err := os.Open(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("open catalog source: %w", err)
		}
		defer f.Close()
		return ReadCSV(f)
	case ".xlsx":
		return readXLSX(path)
	case ".json":
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("read catalog source: %w", err)
		}
		var entries []SourceEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceFormat, err)
		}
		return dropBlank(entries), nil
	default:
		return nil, fmt.Errorf("%w: unsupported extension %q", ErrSourceFormat, filepath.Ext(path))
	}
}

// ReadCSV parses a CSV catalog with an event_name,description header.
func ReadCSV(r io.Reader) ([]SourceEntry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceFormat, err)
	}
	return fromRows(records)
}

func readXLSX(path string) ([]SourceEntry, error) {
	f, err := excelize.OpenFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open catalog workbook: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrSourceFormat)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	return fromRows(rows)
}

func fromRows(rows [][]string) ([]SourceEntry, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	nameCol, descCol := -1, -1
	for i, h := range rows[0] {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))) {
		case "event_name", "event", "name":
			if nameCol < 0 {
				nameCol = i
			}
		case "description", "desc":
			if descCol < 0 {
				descCol = i
			}
		}
	}
	if nameCol < 0 || descCol < 0 {
		return nil, fmt.Errorf("%w: header must name event_name and description columns", ErrSourceFormat)
	}

	out := make([]SourceEntry, 0, len(rows)-1)
	for _, row := range rows[1:] {
		out = append(out, SourceEntry{
			EventName:   cell(row, nameCol),
			Description: cell(row, descCol),
		})
	}
	return dropBlank(out), nil
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func dropBlank(entries []SourceEntry) []SourceEntry {
	out := entries[:0]
	for _, e := range entries {
		if strings.TrimSpace(e.EventName) == "" {
			continue
		}
		out = append(out, e)
	}
	return out
}
