package sheet

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// editWorkbook opens the workbook at in, applies edit in memory and saves
// the result to out. in is never written.
func editWorkbook(in, out string, edit func(f *excelize.File) error) error {
	f, err := open(in)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := edit(f); err != nil {
		return err
	}
	return saveAtomic(f, out)
}

func sheetExists(f *excelize.File, name string) bool {
	idx, err := f.GetSheetIndex(name)
	return err == nil && idx >= 0
}

// CreateSheet adds an empty sheet.
func CreateSheet(in, out, name string) error {
	name = strings.TrimSpace(name)
	if name != sheetName(name) {
		return fmt.Errorf("invalid sheet name %q", name)
	}
	return editWorkbook(in, out, func(f *excelize.File) error {
		if sheetExists(f, name) {
			return fmt.Errorf("a sheet named %q already exists", name)
		}
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet: %w", err)
		}
		return nil
	})
}

// DeleteSheet removes a sheet. The last remaining sheet cannot be deleted.
func DeleteSheet(in, out, name string) error {
	return editWorkbook(in, out, func(f *excelize.File) error {
		if !sheetExists(f, name) {
			return fmt.Errorf("sheet %q not found (available: %s)", name, strings.Join(f.GetSheetList(), ", "))
		}
		if len(f.GetSheetList()) <= 1 {
			return fmt.Errorf("cannot delete the only sheet in the workbook")
		}
		if err := f.DeleteSheet(name); err != nil {
			return fmt.Errorf("delete sheet: %w", err)
		}
		return nil
	})
}

// DuplicateSheet copies source into a new sheet called name.
func DuplicateSheet(in, out, source, name string) error {
	name = strings.TrimSpace(name)
	if name != sheetName(name) {
		return fmt.Errorf("invalid sheet name %q", name)
	}
	return editWorkbook(in, out, func(f *excelize.File) error {
		from, err := f.GetSheetIndex(source)
		if err != nil || from < 0 {
			return fmt.Errorf("source sheet %q not found (available: %s)", source, strings.Join(f.GetSheetList(), ", "))
		}
		if sheetExists(f, name) {
			return fmt.Errorf("a sheet named %q already exists", name)
		}
		to, err := f.NewSheet(name)
		if err != nil {
			return fmt.Errorf("create sheet: %w", err)
		}
		if err := f.CopySheet(from, to); err != nil {
			return fmt.Errorf("copy sheet: %w", err)
		}
		return nil
	})
}

// Conditional formatting rule operators and colors.
var (
	FormatOperators = []any{"greaterThan", "lessThan", "equal", "notEqual"}
	FormatColors    = []any{"red", "green", "yellow"}
)

var formatCriteria = map[string]string{
	"greaterThan": ">",
	"lessThan":    "<",
	"equal":       "==",
	"notEqual":    "!=",
}

var formatFills = map[string]string{
	"red":    "FF0000",
	"green":  "00FF00",
	"yellow": "FFFF00",
}

// ConditionalFormat highlights the data cells of a column that satisfy
// operator/value.
func ConditionalFormat(in, out, sheet, column, operator string, value any, color string) error {
	criteria, ok := formatCriteria[operator]
	if !ok {
		return fmt.Errorf("operator %q not supported", operator)
	}
	fill, ok := formatFills[color]
	if !ok {
		return fmt.Errorf("color %q is not supported; use red, green or yellow", color)
	}
	t, err := Load(in, sheet)
	if err != nil {
		return err
	}
	col, err := t.Col(column)
	if err != nil {
		return err
	}
	lastRow := len(t.Rows) + 1
	if lastRow < 2 {
		return fmt.Errorf("sheet %s has no data rows", t.Sheet)
	}
	colName, err := excelize.ColumnNumberToName(col + 1)
	if err != nil {
		return err
	}
	ref := fmt.Sprintf("%s2:%s%d", colName, colName, lastRow)

	ruleValue := text(value)
	if _, isNum := number(ruleValue); !isNum {
		ruleValue = `"` + strings.ReplaceAll(ruleValue, `"`, `""`) + `"`
	}

	return editWorkbook(in, out, func(f *excelize.File) error {
		style, err := f.NewConditionalStyle(&excelize.Style{
			Fill: excelize.Fill{Type: "pattern", Color: []string{fill}, Pattern: 1},
		})
		if err != nil {
			return fmt.Errorf("conditional style: %w", err)
		}
		return f.SetConditionalFormat(t.Sheet, ref, []excelize.ConditionalFormatOptions{{
			Type:     "cell",
			Criteria: criteria,
			Format:   style,
			Value:    ruleValue,
		}})
	})
}
