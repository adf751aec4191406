// Package rowsource loads company lists from CSV, XLSX and Notion into
// header-keyed records ready for column mapping.
package rowsource

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/charmap"

	"github.com/sells-group/dm-finder/internal/model"
)

// ErrEmpty is returned when a source has a header but no data rows, or
// nothing at all.
var ErrEmpty = eris.New("rowsource: no rows")

// Table is a parsed source: the header in file order and one record per
// data row keyed by header name.
type Table struct {
	Header  []string
	Records []map[string]string
}

// Rows maps the table through m.
func (t *Table) Rows(m model.ColumnMapping) []model.CompanyRow {
	return model.MapRows(t.Records, m)
}

// Preview returns at most n records.
func (t *Table) Preview(n int) []map[string]string {
	return t.Records[:min(n, len(t.Records))]
}

// Load reads a local .csv or .xlsx file.
func Load(ctx context.Context, path string) (*Table, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "rowsource: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		return ReadCSV(ctx, f)
	case ".xlsx":
		f, err := xlsx.OpenFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "rowsource: open %s", path)
		}
		return readWorkbook(f, "")
	default:
		return nil, eris.Errorf("rowsource: unsupported file type %q", filepath.Ext(path))
	}
}

// ReadCSV parses a CSV with a header row. Input that is not valid UTF-8 is
// decoded as Latin-1.
func ReadCSV(ctx context.Context, r io.Reader) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "rowsource: read csv")
	}
	data = []byte(strings.TrimPrefix(string(data), "\ufeff"))
	if !utf8.Valid(data) {
		if data, err = charmap.ISO8859_1.NewDecoder().Bytes(data); err != nil {
			return nil, eris.Wrap(err, "rowsource: decode latin-1")
		}
	}

	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var cells [][]string
	for {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "rowsource: csv cancelled")
		}
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "rowsource: read csv row")
		}
		cells = append(cells, rec)
	}
	return fromCells(cells)
}

// ReadXLSX parses the named sheet (the first when empty) of an uploaded
// workbook. The first row is the header.
func ReadXLSX(data []byte, sheet string) (*Table, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "rowsource: open xlsx")
	}
	return readWorkbook(f, sheet)
}

func readWorkbook(f *xlsx.File, name string) (*Table, error) {
	var sh *xlsx.Sheet
	switch {
	case name != "":
		var ok bool
		if sh, ok = f.Sheet[name]; !ok {
			return nil, eris.Errorf("rowsource: sheet %q not found", name)
		}
	case len(f.Sheets) > 0:
		sh = f.Sheets[0]
	default:
		return nil, ErrEmpty
	}

	cells := make([][]string, 0, len(sh.Rows))
	for _, row := range sh.Rows {
		if row == nil {
			continue
		}
		vals := make([]string, len(row.Cells))
		for i, c := range row.Cells {
			vals[i] = c.String()
		}
		cells = append(cells, vals)
	}
	return fromCells(cells)
}

// fromCells turns a header row plus data rows into a Table. Blank rows are
// skipped; duplicate or empty header names get a positional suffix.
func fromCells(cells [][]string) (*Table, error) {
	if len(cells) == 0 {
		return nil, ErrEmpty
	}
	header := normalizeHeader(cells[0])
	t := &Table{Header: header}
	for _, row := range cells[1:] {
		rec := make(map[string]string, len(header))
		blank := true
		for i, h := range header {
			if i >= len(row) {
				break
			}
			v := strings.TrimSpace(row[i])
			if v != "" {
				blank = false
			}
			rec[h] = v
		}
		if !blank {
			t.Records = append(t.Records, rec)
		}
	}
	if len(t.Records) == 0 {
		return nil, ErrEmpty
	}
	return t, nil
}

func normalizeHeader(raw []string) []string {
	seen := make(map[string]int, len(raw))
	out := make([]string, len(raw))
	for i, h := range raw {
		h = strings.TrimSpace(h)
		if h == "" {
			h = "column"
		}
		seen[h]++
		if n := seen[h]; n > 1 || h == "column" {
			h = h + "_" + strconv.Itoa(i+1)
		}
		out[i] = h
	}
	return out
}
