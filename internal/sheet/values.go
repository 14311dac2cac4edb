package sheet

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// number parses a cell as a float. Blank cells are not numbers.
func number(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// typed converts cell text to the value written back to a workbook or
// returned in a payload.
func typed(s string) any {
	if f, ok := number(s); ok {
		return f
	}
	if s == "" {
		return nil
	}
	return s
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// text renders an argument value as cell text.
func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return formatNumber(x)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

// Comparison operators accepted by filter_rows and conditional_value_column.
var Operators = []any{"==", "!=", ">", "<", ">=", "<=", "contains"}

// match evaluates cell <op> value. Both sides compare numerically when both
// parse as numbers, otherwise as strings.
func match(cell, op string, value any) (bool, error) {
	want := text(value)
	if op == "contains" {
		return strings.Contains(strings.ToLower(cell), strings.ToLower(want)), nil
	}

	a, aNum := number(cell)
	b, bNum := number(want)
	var cmp int
	switch {
	case aNum && bNum:
		cmp = compareFloat(a, b)
	case op == ">" || op == "<" || op == ">=" || op == "<=":
		if strings.TrimSpace(cell) == "" {
			return false, nil
		}
		if bNum {
			// numeric filter against a text cell never matches
			return false, nil
		}
		cmp = strings.Compare(cell, want)
	default:
		cmp = strings.Compare(strings.TrimSpace(cell), strings.TrimSpace(want))
	}

	switch op {
	case "==":
		return cmp == 0, nil
	case "!=":
		return cmp != 0, nil
	case ">":
		return cmp > 0, nil
	case "<":
		return cmp < 0, nil
	case ">=":
		return cmp >= 0, nil
	case "<=":
		return cmp <= 0, nil
	}
	return false, fmt.Errorf("operator %q not supported", op)
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// less orders cells: numbers first (numerically), then text, blanks last.
func less(a, b string) bool {
	ab, bb := strings.TrimSpace(a) == "", strings.TrimSpace(b) == ""
	if ab || bb {
		return !ab && bb
	}
	fa, na := number(a)
	fb, nb := number(b)
	switch {
	case na && nb:
		return fa < fb
	case na != nb:
		return na
	}
	return a < b
}

func sortKeys(keys []string) {
	sort.SliceStable(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
}

// Aggregate functions.
const (
	AggSum   = "sum"
	AggMean  = "mean"
	AggMin   = "min"
	AggMax   = "max"
	AggCount = "count"
)

// aggregate applies fn to the numeric cells of values. count counts
// non-blank cells. ok is false when there was nothing to aggregate.
func aggregate(fn string, values []string) (result float64, n int, ok bool, err error) {
	if fn == AggCount {
		for _, v := range values {
			if strings.TrimSpace(v) != "" {
				n++
			}
		}
		return float64(n), n, true, nil
	}

	nums := make([]float64, 0, len(values))
	for _, v := range values {
		if f, isNum := number(v); isNum {
			nums = append(nums, f)
		}
	}
	if len(nums) == 0 {
		return 0, 0, false, nil
	}
	switch fn {
	case AggSum, AggMean:
		for _, f := range nums {
			result += f
		}
		if fn == AggMean {
			result /= float64(len(nums))
		}
	case AggMin:
		result = nums[0]
		for _, f := range nums[1:] {
			result = math.Min(result, f)
		}
	case AggMax:
		result = nums[0]
		for _, f := range nums[1:] {
			result = math.Max(result, f)
		}
	default:
		return 0, 0, false, fmt.Errorf("aggregate function %q not supported", fn)
	}
	return result, len(nums), true, nil
}

// columnKind classifies a column as number, text, mixed or empty.
func columnKind(t *Table, col int) string {
	var nums, texts int
	for _, r := range t.Rows {
		v := strings.TrimSpace(r[col])
		if v == "" {
			continue
		}
		if _, ok := number(v); ok {
			nums++
		} else {
			texts++
		}
	}
	switch {
	case nums == 0 && texts == 0:
		return "empty"
	case texts == 0:
		return "number"
	case nums == 0:
		return "text"
	}
	return "mixed"
}
