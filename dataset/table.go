package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	nerrors "github.com/tsawler/go-netgraph/errors"
)

// Table is a small column-oriented view over delimited text, enough to
// clean and encode tabular data before it becomes an OnHeap dataset. Empty
// cells are nulls.
type Table struct {
	Columns []string
	Rows    [][]string
}

// LoadCSV reads a delimited file. See ReadCSV.
func LoadCSV(path string, delimiter rune) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return ReadCSV(f, delimiter)
}

// ReadCSV parses a header row followed by records. A UTF-8 byte order mark
// on the first header is dropped and cells are trimmed.
func ReadCSV(r io.Reader, delimiter rune) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comma = delimiter
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, nerrors.Wrap(nerrors.ErrCodeInvalidInput, err, "malformed CSV")
	}
	if len(records) == 0 {
		return nil, nerrors.New(nerrors.ErrCodeInvalidInput, "CSV has no header")
	}
	t := &Table{Columns: records[0]}
	t.Columns[0] = strings.TrimPrefix(t.Columns[0], "\ufeff")
	for i := range t.Columns {
		t.Columns[i] = strings.TrimSpace(t.Columns[i])
	}
	for _, rec := range records[1:] {
		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

// Column returns the index of the named column.
func (t *Table) Column(name string) (int, error) {
	for i, c := range t.Columns {
		if c == name {
			return i, nil
		}
	}
	return -1, nerrors.New(nerrors.ErrCodeNotFound, "column %q not found", name)
}

// Values returns the cells of a column.
func (t *Table) Values(name string) ([]string, error) {
	idx, err := t.Column(name)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = row[idx]
	}
	return out, nil
}

func (t *Table) Rename(from, to string) error {
	idx, err := t.Column(from)
	if err != nil {
		return err
	}
	t.Columns[idx] = to
	return nil
}

// FillNulls replaces empty cells of a column with value.
func (t *Table) FillNulls(column, value string) error {
	idx, err := t.Column(column)
	if err != nil {
		return err
	}
	for _, row := range t.Rows {
		if row[idx] == "" {
			row[idx] = value
		}
	}
	return nil
}

// ImputeMean fills empty cells of a numeric column with the mean of the
// others and returns that mean.
func (t *Table) ImputeMean(column string) (float64, error) {
	idx, err := t.Column(column)
	if err != nil {
		return 0, err
	}
	var sum float64
	var n int
	for i, row := range t.Rows {
		if row[idx] == "" {
			continue
		}
		v, err := ParseNumber(row[idx])
		if err != nil {
			return 0, fmt.Errorf("row %d column %s: %w", i+1, column, err)
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0, nerrors.New(nerrors.ErrCodeInvalidInput, "column %q has no values to average", column)
	}
	mean := sum / float64(n)
	return mean, t.FillNulls(column, strconv.FormatFloat(mean, 'f', -1, 64))
}

// OneHot replaces a column by one indicator column per distinct value,
// named <column>_1, <column>_2, ... in order of first appearance.
func (t *Table) OneHot(column string) ([]string, error) {
	idx, err := t.Column(column)
	if err != nil {
		return nil, err
	}
	var distinct []string
	seen := map[string]int{}
	for _, row := range t.Rows {
		if _, ok := seen[row[idx]]; !ok {
			seen[row[idx]] = len(distinct)
			distinct = append(distinct, row[idx])
		}
	}

	columns := append([]string(nil), t.Columns[:idx]...)
	columns = append(columns, t.Columns[idx+1:]...)
	for i := range distinct {
		columns = append(columns, fmt.Sprintf("%s_%d", column, i+1))
	}
	for r, row := range t.Rows {
		out := append([]string(nil), row[:idx]...)
		out = append(out, row[idx+1:]...)
		for i := range distinct {
			if seen[row[idx]] == i {
				out = append(out, "1")
			} else {
				out = append(out, "0")
			}
		}
		t.Rows[r] = out
	}
	t.Columns = columns
	return distinct, nil
}

// Select returns a new table with the named columns in the given order.
func (t *Table) Select(columns ...string) (*Table, error) {
	idx := make([]int, len(columns))
	for i, c := range columns {
		j, err := t.Column(c)
		if err != nil {
			return nil, err
		}
		idx[i] = j
	}
	out := &Table{Columns: append([]string(nil), columns...)}
	for _, row := range t.Rows {
		sel := make([]string, len(idx))
		for i, j := range idx {
			sel[i] = row[j]
		}
		out.Rows = append(out.Rows, sel)
	}
	return out, nil
}

// ToOnHeap converts every column to float32. The label column becomes a
// sparse label and the remaining columns, in order, the features.
func (t *Table) ToOnHeap(labelColumn string) (*OnHeap, error) {
	labelIdx, err := t.Column(labelColumn)
	if err != nil {
		return nil, err
	}
	x := make([][]float32, len(t.Rows))
	y := make([][]float32, len(t.Rows))
	for r, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return nil, nerrors.New(nerrors.ErrCodeInvalidInput, "row %d has %d cells for %d columns", r+1, len(row), len(t.Columns))
		}
		for c, cell := range row {
			v, err := ParseNumber(cell)
			if err != nil {
				return nil, fmt.Errorf("row %d column %s: %w", r+1, t.Columns[c], err)
			}
			if c == labelIdx {
				y[r] = []float32{float32(v)}
			} else {
				x[r] = append(x[r], float32(v))
			}
		}
	}
	return NewOnHeap(x, y)
}

// ParseNumber parses a decimal number written with either a point or a
// comma as decimal separator.
func ParseNumber(s string) (float64, error) {
	if strings.Contains(s, ",") && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, nerrors.Wrap(nerrors.ErrCodeInvalidInput, err, "not a number: %q", s)
	}
	return v, nil
}
