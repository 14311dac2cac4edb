package sheet

import (
	"fmt"
	"sort"
	"strings"
)

// Filter keeps the rows where column <op> value holds.
func Filter(t *Table, column, op string, value any) (*Table, error) {
	col, err := t.Col(column)
	if err != nil {
		return nil, err
	}
	out := &Table{Sheet: t.Sheet, Header: append([]string(nil), t.Header...)}
	out.keepAllText(t)
	for _, r := range t.Rows {
		ok, err := match(r[col], op, value)
		if err != nil {
			return nil, err
		}
		if ok {
			out.Rows = append(out.Rows, append([]string(nil), r...))
		}
	}
	return out, nil
}

// Sort orders rows by one column. The sort is stable.
func Sort(t *Table, column string, ascending bool) (*Table, error) {
	col, err := t.Col(column)
	if err != nil {
		return nil, err
	}
	out := t.Clone()
	sort.SliceStable(out.Rows, func(i, j int) bool {
		a, b := out.Rows[i][col], out.Rows[j][col]
		if ascending {
			return less(a, b)
		}
		// blanks stay last in both directions
		if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
			return less(a, b)
		}
		return less(b, a)
	})
	return out, nil
}

// Formula operators.
var FormulaOperators = []any{"+", "-", "*", "/"}

// AddFormulaColumn sets newColumn = left <op> right for every row. Rows
// where either side is not numeric, or a division by zero occurs, get a
// blank cell. An existing column with the same name is overwritten.
func AddFormulaColumn(t *Table, newColumn, left, op, right string) (*Table, int, error) {
	l, err := t.Col(left)
	if err != nil {
		return nil, 0, err
	}
	r, err := t.Col(right)
	if err != nil {
		return nil, 0, err
	}
	out := t.Clone()
	target := indexOrAppend(out, newColumn)
	out.dropText(newColumn)
	computed := 0
	for _, row := range out.Rows {
		a, okA := number(row[l])
		b, okB := number(row[r])
		row[target] = ""
		if !okA || !okB {
			continue
		}
		var v float64
		switch op {
		case "+":
			v = a + b
		case "-":
			v = a - b
		case "*":
			v = a * b
		case "/":
			if b == 0 {
				continue
			}
			v = a / b
		default:
			return nil, 0, fmt.Errorf("operator %q not supported", op)
		}
		row[target] = formatNumber(v)
		computed++
	}
	return out, computed, nil
}

// indexOrAppend returns the index of column name, appending an empty column
// when it does not exist yet.
func indexOrAppend(t *Table, name string) int {
	for i, h := range t.Header {
		if h == name {
			return i
		}
	}
	t.Header = append(t.Header, name)
	for i := range t.Rows {
		t.Rows[i] = append(t.Rows[i], "")
	}
	return len(t.Header) - 1
}

// Pivot spreads values by index rows and columns cells, reducing each cell
// with fn (sum, mean or count).
func Pivot(t *Table, index, columns, values, fn string) (*Table, error) {
	ic, err := t.Col(index)
	if err != nil {
		return nil, err
	}
	cc, err := t.Col(columns)
	if err != nil {
		return nil, err
	}
	vc, err := t.Col(values)
	if err != nil {
		return nil, err
	}

	cells := make(map[[2]string][]string)
	rowSet := make(map[string]bool)
	colSet := make(map[string]bool)
	for _, r := range t.Rows {
		key := [2]string{r[ic], r[cc]}
		cells[key] = append(cells[key], r[vc])
		rowSet[r[ic]] = true
		colSet[r[cc]] = true
	}
	rowKeys := keysOf(rowSet)
	colKeys := keysOf(colSet)

	out := &Table{Sheet: "Pivot", Header: append([]string{t.Header[ic]}, colKeys...)}
	out.keepText(t, t.Header[ic], t.Header[ic])
	for _, rk := range rowKeys {
		row := make([]string, 0, len(colKeys)+1)
		row = append(row, rk)
		for _, ck := range colKeys {
			vals, ok := cells[[2]string{rk, ck}]
			if !ok {
				row = append(row, "")
				continue
			}
			res, _, ok, err := aggregate(fn, vals)
			if err != nil {
				return nil, err
			}
			if ok {
				row = append(row, formatNumber(res))
			} else {
				row = append(row, "")
			}
		}
		out.Rows = append(out.Rows, row)
	}
	for i, h := range out.Header {
		if h == "" {
			out.Header[i] = "(blank)"
		}
	}
	return out, nil
}

func keysOf(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

// DeleteColumns drops the named columns that exist. It fails when none of
// them exist.
func DeleteColumns(t *Table, columns []string) (*Table, []string, error) {
	drop := make(map[int]bool)
	var deleted []string
	for _, name := range columns {
		if c, err := t.Col(name); err == nil && !drop[c] {
			drop[c] = true
			deleted = append(deleted, t.Header[c])
		}
	}
	if len(deleted) == 0 {
		return nil, nil, fmt.Errorf("none of the columns %s exist (available: %s)",
			strings.Join(columns, ", "), strings.Join(t.Header, ", "))
	}
	if len(drop) == len(t.Header) {
		return nil, nil, fmt.Errorf("cannot delete every column")
	}
	out := &Table{Sheet: t.Sheet}
	for i, h := range t.Header {
		if !drop[i] {
			out.Header = append(out.Header, h)
		}
	}
	out.keepAllText(t)
	for _, r := range t.Rows {
		row := make([]string, 0, len(out.Header))
		for i, v := range r {
			if !drop[i] {
				row = append(row, v)
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, deleted, nil
}

// RenameColumn renames one header cell.
func RenameColumn(t *Table, column, newName string) (*Table, error) {
	c, err := t.Col(column)
	if err != nil {
		return nil, err
	}
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return nil, fmt.Errorf("new column name is empty")
	}
	for i, h := range t.Header {
		if i != c && h == newName {
			return nil, fmt.Errorf("column %q already exists", newName)
		}
	}
	out := t.Clone()
	if old := t.Header[c]; old != newName {
		out.dropText(old)
		out.keepText(t, old, newName)
	}
	out.Header[c] = newName
	return out, nil
}

// RemoveDuplicates keeps the first row of every duplicate group.
func RemoveDuplicates(t *Table, columns []string) (*Table, int, error) {
	cols, err := columnIndexes(t, columns)
	if err != nil {
		return nil, 0, err
	}
	out := &Table{Sheet: t.Sheet, Header: append([]string(nil), t.Header...)}
	out.keepAllText(t)
	seen := make(map[string]bool)
	removed := 0
	for _, r := range t.Rows {
		key := duplicateKey(t, cols, r)
		if seen[key] {
			removed++
			continue
		}
		seen[key] = true
		out.Rows = append(out.Rows, append([]string(nil), r...))
	}
	return out, removed, nil
}

// FillMissing replaces blank cells of a column. A numeric column only
// accepts a numeric fill value.
func FillMissing(t *Table, column string, value any) (*Table, int, error) {
	c, err := t.Col(column)
	if err != nil {
		return nil, 0, err
	}
	fill := text(value)
	if columnKind(t, c) == "number" {
		if _, ok := number(fill); !ok {
			return nil, 0, fmt.Errorf("cannot fill numeric column %q with non-numeric value %q", t.Header[c], fill)
		}
	}
	out := t.Clone()
	filled := 0
	for _, r := range out.Rows {
		if strings.TrimSpace(r[c]) == "" {
			r[c] = fill
			filled++
		}
	}
	return out, filled, nil
}

// String operations.
var StringOperations = []any{"uppercase", "lowercase", "trim"}

func TransformStrings(t *Table, column, op string) (*Table, error) {
	c, err := t.Col(column)
	if err != nil {
		return nil, err
	}
	var fn func(string) string
	switch op {
	case "uppercase":
		fn = strings.ToUpper
	case "lowercase":
		fn = strings.ToLower
	case "trim":
		fn = strings.TrimSpace
	default:
		return nil, fmt.Errorf("string operation %q not supported", op)
	}
	out := t.Clone()
	for _, r := range out.Rows {
		if _, isNum := number(r[c]); isNum {
			continue
		}
		r[c] = fn(r[c])
	}
	return out, nil
}

// Merge left-joins columns of right onto left by key. A left row matching
// several right rows is repeated once per match. Merged columns whose name
// already exists on the left get a "_right" suffix.
func Merge(left, right *Table, leftKey, rightKey string, columns []string) (*Table, error) {
	lk, err := left.Col(leftKey)
	if err != nil {
		return nil, fmt.Errorf("left key: %w", err)
	}
	rk, err := right.Col(rightKey)
	if err != nil {
		return nil, fmt.Errorf("right key: %w", err)
	}
	rcols, err := columnIndexes(right, columns)
	if err != nil {
		return nil, fmt.Errorf("merge columns: %w", err)
	}

	index := make(map[string][][]string)
	for _, r := range right.Rows {
		key := strings.TrimSpace(r[rk])
		index[key] = append(index[key], r)
	}

	out := &Table{Sheet: left.Sheet, Header: append([]string(nil), left.Header...)}
	existing := make(map[string]bool, len(out.Header))
	for _, h := range out.Header {
		existing[h] = true
	}
	out.keepAllText(left)
	for _, c := range rcols {
		name := right.Header[c]
		if existing[name] {
			name += "_right"
		}
		existing[name] = true
		out.Header = append(out.Header, name)
		out.keepText(right, right.Header[c], name)
	}

	for _, l := range left.Rows {
		matches := index[strings.TrimSpace(l[lk])]
		if len(matches) == 0 {
			row := append(append([]string(nil), l...), make([]string, len(rcols))...)
			out.Rows = append(out.Rows, row)
			continue
		}
		for _, m := range matches {
			row := append([]string(nil), l...)
			for _, c := range rcols {
				row = append(row, m[c])
			}
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

// GroupBy groups rows by one column and reduces another with every function
// in fns. Output columns are named after the functions.
func GroupBy(t *Table, groupBy, column string, fns []string) (*Table, error) {
	gc, err := t.Col(groupBy)
	if err != nil {
		return nil, err
	}
	vc, err := t.Col(column)
	if err != nil {
		return nil, err
	}
	if len(fns) == 0 {
		return nil, fmt.Errorf("at least one aggregate function is required")
	}
	groups := make(map[string][]string)
	for _, r := range t.Rows {
		groups[r[gc]] = append(groups[r[gc]], r[vc])
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sortKeys(keys)

	out := &Table{Sheet: t.Sheet, Header: append([]string{t.Header[gc]}, fns...)}
	out.keepText(t, t.Header[gc], t.Header[gc])
	for _, k := range keys {
		row := []string{k}
		for _, fn := range fns {
			res, _, ok, err := aggregate(fn, groups[k])
			if err != nil {
				return nil, err
			}
			if ok {
				row = append(row, formatNumber(res))
			} else {
				row = append(row, "")
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

// ConditionalColumn sets newColumn to trueValue where source <op> value holds
// and to falseValue elsewhere.
func ConditionalColumn(t *Table, newColumn, source, op string, value, trueValue, falseValue any) (*Table, error) {
	sc, err := t.Col(source)
	if err != nil {
		return nil, err
	}
	out := t.Clone()
	target := indexOrAppend(out, newColumn)
	out.dropText(newColumn)
	tv, fv := text(trueValue), text(falseValue)
	for _, r := range out.Rows {
		ok, err := match(r[sc], op, value)
		if err != nil {
			return nil, err
		}
		if ok {
			r[target] = tv
		} else {
			r[target] = fv
		}
	}
	return out, nil
}
