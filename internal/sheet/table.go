// Package sheet implements the spreadsheet operations behind the agent's
// tools. Every operation reads its input workbook and, when it writes,
// produces a new workbook at a caller-supplied path. Input files are never
// saved back.
package sheet

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

// Table is one worksheet read as a header row plus data rows. Cells hold the
// raw cell text; every row is padded to the header width.
type Table struct {
	Sheet  string
	Header []string
	Rows   [][]string

	// text records, per column name, the numeric-looking values that were
	// stored as text in the source, e.g. zip codes like "00123".
	text map[string]map[string]bool
}

// open opens a workbook for reading. The file handle is released before
// returning; the returned File lives in memory only.
func open(path string) (*excelize.File, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook %s: %w", filepath.Base(path), err)
	}
	return f, nil
}

// resolveSheet returns sheet if it exists, or the active sheet when empty.
func resolveSheet(f *excelize.File, sheet string) (string, error) {
	if sheet == "" {
		return f.GetSheetName(f.GetActiveSheetIndex()), nil
	}
	idx, err := f.GetSheetIndex(sheet)
	if err != nil || idx < 0 {
		return "", fmt.Errorf("sheet %q not found (available: %s)", sheet, strings.Join(f.GetSheetList(), ", "))
	}
	return sheet, nil
}

// Load reads one sheet of the workbook at path.
func Load(path, sheet string) (*Table, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	name, err := resolveSheet(f, sheet)
	if err != nil {
		return nil, err
	}

	rows, err := f.Rows(name)
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", name, err)
	}
	defer rows.Close()

	t := &Table{Sheet: name}
	rowNum := 0
	for rows.Next() {
		rowNum++
		cols, err := rows.Columns(excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, fmt.Errorf("read sheet %s: %w", name, err)
		}
		if rowNum == 1 {
			t.Header = normalizeHeader(cols)
			continue
		}
		if isBlank(cols) {
			t.Rows = append(t.Rows, nil)
			continue
		}
		for i, v := range cols {
			if i >= len(t.Header) {
				break
			}
			if _, isNum := number(v); !isNum {
				continue
			}
			cell, _ := excelize.CoordinatesToCellName(i+1, rowNum)
			if kind, err := f.GetCellType(name, cell); err == nil && textCellType(kind) {
				t.markText(t.Header[i], v)
			}
		}
		t.Rows = append(t.Rows, cols)
	}
	// Rows yields interior blank rows but not trailing ones; drop any that
	// slipped through at the end.
	for len(t.Rows) > 0 && t.Rows[len(t.Rows)-1] == nil {
		t.Rows = t.Rows[:len(t.Rows)-1]
	}
	for i := range t.Rows {
		t.Rows[i] = pad(t.Rows[i], len(t.Header))
	}
	return t, nil
}

func normalizeHeader(cols []string) []string {
	header := make([]string, len(cols))
	seen := make(map[string]int, len(cols))
	for i, c := range cols {
		c = strings.TrimSpace(c)
		if c == "" {
			c = fmt.Sprintf("Column%d", i+1)
		}
		if n := seen[c]; n > 0 {
			seen[c] = n + 1
			c = fmt.Sprintf("%s.%d", c, n)
		} else {
			seen[c] = 1
		}
		header[i] = c
	}
	return header
}

func isBlank(cols []string) bool {
	for _, c := range cols {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func pad(row []string, width int) []string {
	if len(row) == width {
		return row
	}
	out := make([]string, width)
	copy(out, row)
	return out
}

// Col returns the index of a column. Exact matches win over
// case-insensitive ones.
func (t *Table) Col(name string) (int, error) {
	for i, h := range t.Header {
		if h == name {
			return i, nil
		}
	}
	want := strings.ToLower(strings.TrimSpace(name))
	for i, h := range t.Header {
		if strings.ToLower(h) == want {
			return i, nil
		}
	}
	return -1, fmt.Errorf("column %q not found (available: %s)", name, strings.Join(t.Header, ", "))
}

func textCellType(kind excelize.CellType) bool {
	switch kind {
	case excelize.CellTypeSharedString, excelize.CellTypeInlineString, excelize.CellTypeFormula:
		return true
	}
	return false
}

func (t *Table) markText(column, value string) {
	if t.text == nil {
		t.text = make(map[string]map[string]bool)
	}
	if t.text[column] == nil {
		t.text[column] = make(map[string]bool)
	}
	t.text[column][value] = true
}

// keepText copies the text markers of src column from into column to.
func (t *Table) keepText(src *Table, from, to string) {
	for v := range src.text[from] {
		t.markText(to, v)
	}
}

// keepAllText copies the markers of every column of src still present in t.
func (t *Table) keepAllText(src *Table) {
	for _, h := range t.Header {
		t.keepText(src, h, h)
	}
}

// dropText forgets the markers of a column whose values were recomputed.
func (t *Table) dropText(column string) {
	delete(t.text, column)
}

// value converts the cell text of column col to the value written back to a
// workbook or returned in a payload. Cells stored as text stay text.
func (t *Table) value(col int, s string) any {
	if col < len(t.Header) && t.text[t.Header[col]][s] {
		return s
	}
	return typed(s)
}

// Clone returns a deep copy.
func (t *Table) Clone() *Table {
	c := &Table{Sheet: t.Sheet, Header: append([]string(nil), t.Header...)}
	c.keepAllText(t)
	c.Rows = make([][]string, len(t.Rows))
	for i, r := range t.Rows {
		c.Rows[i] = append([]string(nil), r...)
	}
	return c
}

// Records renders rows as header-keyed maps with typed values.
func (t *Table) Records(rows [][]string) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		rec := make(map[string]any, len(t.Header))
		for i, h := range t.Header {
			if i < len(r) {
				rec[h] = t.value(i, r[i])
			}
		}
		out = append(out, rec)
	}
	return out
}

// Save writes the table as a single-sheet workbook at path.
func (t *Table) Save(path string) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := sheetName(t.Sheet)
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}
	if err := t.stream(f, sheet); err != nil {
		return err
	}
	return saveAtomic(f, path)
}

func (t *Table) stream(f *excelize.File, sheet string) error {
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("stream writer: %w", err)
	}
	header := make([]interface{}, len(t.Header))
	for i, h := range t.Header {
		header[i] = h
	}
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for r, row := range t.Rows {
		cell, _ := excelize.CoordinatesToCellName(1, r+2)
		vals := make([]interface{}, len(row))
		for i, v := range row {
			vals[i] = t.value(i, v)
		}
		if err := sw.SetRow(cell, vals); err != nil {
			return fmt.Errorf("write row %d: %w", r+2, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

func (t *Table) setRows(f *excelize.File, sheet string) error {
	header := make([]interface{}, len(t.Header))
	for i, h := range t.Header {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for r, row := range t.Rows {
		cell, _ := excelize.CoordinatesToCellName(1, r+2)
		vals := make([]interface{}, len(row))
		for i, v := range row {
			vals[i] = t.value(i, v)
		}
		if err := f.SetSheetRow(sheet, cell, &vals); err != nil {
			return fmt.Errorf("write row %d: %w", r+2, err)
		}
	}
	return nil
}

// sheetName makes a valid worksheet name (max 31 chars, no []:*?/\).
func sheetName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '[', ']', ':', '*', '?', '/', '\\':
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	if name == "" {
		return "Sheet1"
	}
	if len([]rune(name)) > 31 {
		name = string([]rune(name)[:31])
	}
	return name
}

// saveAtomic writes the workbook to a temporary file next to path and renames
// it into place, so a failed write leaves nothing behind. An existing file at
// path is never replaced.
func saveAtomic(f *excelize.File, path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("output %s already exists", filepath.Base(path))
	}
	tmp := filepath.Join(filepath.Dir(path), ".tmp-"+uuid.NewString()+".xlsx")
	if err := f.SaveAs(tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("save workbook: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("move workbook into place: %w", err)
	}
	return nil
}

// ErrEmptySheet is returned by operations that need at least a header row.
var ErrEmptySheet = errors.New("sheet has no header row")

func (t *Table) requireHeader() error {
	if len(t.Header) == 0 {
		return ErrEmptySheet
	}
	return nil
}
