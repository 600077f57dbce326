package datasource

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Row maps column name to the raw cell value for one record.
type Row map[string]string

// UnmarshalJSON accepts loosely typed cells (string, number, bool, null) and
// coerces them to strings, so JSON data sources round-trip the same way CSV
// ones do.
func (r *Row) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = normalizeRow(raw)
	return nil
}

type ParseWarning struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

type ParseResult struct {
	Header   []string       `json:"header"`
	Rows     []Row          `json:"rows"`
	Warnings []ParseWarning `json:"warnings,omitempty"`
}

// ParseCSV reads a CSV document into header + rows. Real-world exports are
// messy: headers get trimmed, short records are padded, long records are
// truncated with a warning, and a UTF-8 BOM on the first header is stripped.
func ParseCSV(data []byte) (*ParseResult, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty file: no header row found")
		}
		return nil, fmt.Errorf("read header row: %w", err)
	}
	for i, h := range header {
		h = strings.TrimSpace(h)
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		header[i] = h
	}

	result := &ParseResult{Header: header}
	for rowNum := 1; ; rowNum++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", rowNum, err)
		}

		if len(record) > len(header) {
			result.Warnings = append(result.Warnings, ParseWarning{
				Row:     rowNum,
				Message: fmt.Sprintf("row has %d fields, header has %d; extra fields dropped", len(record), len(header)),
			})
			record = record[:len(header)]
		}

		row := make(Row, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = strings.TrimSpace(record[i])
			} else {
				row[col] = ""
			}
		}
		result.Rows = append(result.Rows, row)
	}

	if len(result.Rows) == 0 {
		return nil, fmt.Errorf("data source has a header but no rows")
	}
	return result, nil
}

// NormalizeRows converts loosely typed JSON rows (string/number/null cells)
// into the string rows the binder consumes. Nil cells become "".
func NormalizeRows(in []map[string]any) []Row {
	out := make([]Row, 0, len(in))
	for _, raw := range in {
		out = append(out, normalizeRow(raw))
	}
	return out
}

func normalizeRow(raw map[string]any) Row {
	row := make(Row, len(raw))
	for k, v := range raw {
		if v == nil {
			row[k] = ""
			continue
		}
		switch t := v.(type) {
		case string:
			row[k] = t
		case float64:
			// JSON numbers arrive as float64; print integers without
			// a trailing ".0".
			if t == float64(int64(t)) {
				row[k] = fmt.Sprintf("%d", int64(t))
			} else {
				row[k] = fmt.Sprintf("%g", t)
			}
		default:
			row[k] = fmt.Sprint(t)
		}
	}
	return row
}
