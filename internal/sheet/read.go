package sheet

import (
	"fmt"
	"strings"
)

const (
	defaultReadLimit = 5
	maxReadLimit     = 100
	maxUniqueValues  = 100
	maxDuplicateRows = 50
)

// Summary describes a sheet without returning its data.
func Summary(path, sheet string) (map[string]any, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	sheets := f.GetSheetList()
	f.Close()

	t, err := Load(path, sheet)
	if err != nil {
		return nil, err
	}
	types := make(map[string]string, len(t.Header))
	for i, h := range t.Header {
		types[h] = columnKind(t, i)
	}
	return map[string]any{
		"sheet_name":     t.Sheet,
		"sheets":         sheets,
		"total_rows":     len(t.Rows),
		"header_columns": t.Header,
		"column_types":   types,
	}, nil
}

// ReadRows returns up to limit data rows starting at the 0-based offset.
func ReadRows(path, sheet string, offset, limit int) (map[string]any, error) {
	if offset < 0 {
		return nil, fmt.Errorf("offset must be >= 0, got %d", offset)
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}
	if limit > maxReadLimit {
		limit = maxReadLimit
	}
	t, err := Load(path, sheet)
	if err != nil {
		return nil, err
	}
	end := offset + limit
	if offset > len(t.Rows) {
		offset = len(t.Rows)
	}
	if end > len(t.Rows) {
		end = len(t.Rows)
	}
	return map[string]any{
		"sheet_name": t.Sheet,
		"offset":     offset,
		"rows":       t.Records(t.Rows[offset:end]),
		"total_rows": len(t.Rows),
	}, nil
}

// UniqueValues lists distinct values of a column in order of appearance.
func UniqueValues(path, sheet, column string) (map[string]any, error) {
	t, err := Load(path, sheet)
	if err != nil {
		return nil, err
	}
	col, err := t.Col(column)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	values := make([]any, 0)
	count := 0
	for _, r := range t.Rows {
		v := r[col]
		if seen[v] {
			continue
		}
		seen[v] = true
		count++
		if len(values) < maxUniqueValues {
			values = append(values, t.value(col, v))
		}
	}
	return map[string]any{
		"column":        t.Header[col],
		"unique_values": values,
		"count":         count,
		"truncated":     count > len(values),
	}, nil
}

// ColumnAggregate reduces the numeric cells of one column.
func ColumnAggregate(path, sheet, column, fn string) (map[string]any, error) {
	t, err := Load(path, sheet)
	if err != nil {
		return nil, err
	}
	col, err := t.Col(column)
	if err != nil {
		return nil, err
	}
	values := make([]string, len(t.Rows))
	for i, r := range t.Rows {
		values[i] = r[col]
	}
	result, n, ok, err := aggregate(fn, values)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"column":         t.Header[col],
		"function":       fn,
		"processed_rows": n,
		"result":         nil,
	}
	if ok {
		out["result"] = result
	}
	return out, nil
}

// ListSheets returns the workbook's sheet names.
func ListSheets(path string) (map[string]any, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return map[string]any{
		"sheet_names": f.GetSheetList(),
		"active":      f.GetSheetName(f.GetActiveSheetIndex()),
	}, nil
}

// duplicateKey builds the comparison key over the chosen columns, or all
// columns when none are given.
func duplicateKey(t *Table, cols []int, row []string) string {
	if len(cols) == 0 {
		return strings.Join(row, "\x1f")
	}
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = row[c]
	}
	return strings.Join(parts, "\x1f")
}

func columnIndexes(t *Table, names []string) ([]int, error) {
	idx := make([]int, 0, len(names))
	for _, n := range names {
		c, err := t.Col(n)
		if err != nil {
			return nil, err
		}
		idx = append(idx, c)
	}
	return idx, nil
}

// FindDuplicates reports every row whose key occurs more than once.
func FindDuplicates(path, sheet string, columns []string) (map[string]any, error) {
	t, err := Load(path, sheet)
	if err != nil {
		return nil, err
	}
	cols, err := columnIndexes(t, columns)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, r := range t.Rows {
		counts[duplicateKey(t, cols, r)]++
	}
	var dups [][]string
	total := 0
	for _, r := range t.Rows {
		if counts[duplicateKey(t, cols, r)] > 1 {
			total++
			if len(dups) < maxDuplicateRows {
				dups = append(dups, r)
			}
		}
	}
	return map[string]any{
		"action":           "find",
		"duplicates_found": total,
		"duplicate_rows":   t.Records(dups),
	}, nil
}
