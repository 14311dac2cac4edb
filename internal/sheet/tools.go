package sheet

import (
	"context"
	"fmt"

	"sheetagent/internal/tool"
)

var (
	fileParam = tool.Param{
		Name:        "file",
		Type:        tool.TypeString,
		Description: "Name of a session file to read (the upload or an earlier output). Defaults to the most recent output, or the upload.",
		FileRef:     true,
	}
	sheetParam = tool.Param{
		Name:        "sheet",
		Type:        tool.TypeString,
		Description: "Sheet to use. Defaults to the active sheet.",
	}
)

func column(name, desc string) tool.Param {
	return tool.Param{Name: name, Type: tool.TypeString, Description: desc, Required: true}
}

func enum(name, desc string, values []any, required bool) tool.Param {
	return tool.Param{Name: name, Type: tool.TypeString, Description: desc, Enum: values, Required: required}
}

func input(params ...tool.Param) []tool.Param {
	return append([]tool.Param{fileParam, sheetParam}, params...)
}

// loadInput reads the sheet a tool operates on.
func loadInput(env tool.Env, args tool.Args) (*Table, error) {
	t, err := Load(env.InputPath, args.String("sheet"))
	if err != nil {
		return nil, err
	}
	if err := t.requireHeader(); err != nil {
		return nil, fmt.Errorf("%s: %w", t.Sheet, err)
	}
	return t, nil
}

// written reports a table saved to the injected output path.
func written(env tool.Env, t *Table, msg string, data map[string]any) (tool.Outcome, error) {
	if err := t.Save(env.OutputPath); err != nil {
		return tool.Outcome{}, err
	}
	if data == nil {
		data = map[string]any{}
	}
	data["rows_written"] = len(t.Rows)
	return tool.Outcome{Message: msg, Data: data, Wrote: true}, nil
}

func readOnly(data map[string]any, err error) (tool.Outcome, error) {
	if err != nil {
		return tool.Outcome{}, err
	}
	return tool.Outcome{Data: data}, nil
}

// Catalogue returns the spreadsheet tool specs in menu order.
func Catalogue() []tool.Spec {
	return []tool.Spec{
		{
			Name:        "get_data_summary",
			Description: "Summarize a sheet: sheet name, all sheet names, number of data rows, header columns and the value type of each column. Call this first to learn the file's structure.",
			Params:      input(),
			ReadsInput:  true,
			Run: func(ctx context.Context, env tool.Env, args tool.Args) (tool.Outcome, error) {
				return readOnly(Summary(env.InputPath, args.String("sheet")))
			},
		},
		{
			Name:        "read_rows",
			Description: "Read a range of data rows as records keyed by header.",
			Params: input(
				tool.Param{Name: "offset", Type: tool.TypeInteger, Description: "0-based data row to start from. Defaults to 0."},
				tool.Param{Name: "limit", Type: tool.TypeInteger, Description: "Maximum rows to return (1-100). Defaults to 5."},
			),
			ReadsInput: true,
			Run: func(ctx context.Context, env tool.Env, args tool.Args) (tool.Outcome, error) {
				return readOnly(ReadRows(env.InputPath, args.String("sheet"), args.Int("offset", 0), args.Int("limit", defaultReadLimit)))
			},
		},
		{
			Name:        "get_unique_values",
			Description: "List the distinct values of a column.",
			Params:      input(column("column", "Column to inspect.")),
			ReadsInput:  true,
			Run: func(ctx context.Context, env tool.Env, args tool.Args) (tool.Outcome, error) {
				return readOnly(UniqueValues(env.InputPath, args.String("sheet"), args.String("column")))
			},
		},
		{
			Name:        "column_aggregate",
			Description: "Aggregate the numeric values of one column (sum, mean, min, max).",
			Params: input(
				column("column", "Column to aggregate."),
				enum("function", "Aggregate function.", []any{AggSum, AggMean, AggMin, AggMax}, true),
			),
			ReadsInput: true,
			Run: func(ctx context.Context, env tool.Env, args tool.Args) (tool.Outcome, error) {
				return readOnly(ColumnAggregate(env.InputPath, args.String("sheet"), args.String("column"), args.String("function")))
			},
		},
		{
			Name:        "list_sheets",
			Description: "List the sheet names of the workbook.",
			Params:      []tool.Param{fileParam},
			ReadsInput:  true,
			Run: func(ctx context.Context, env tool.Env, args tool.Args) (tool.Outcome, error) {
				return readOnly(ListSheets(env.InputPath))
			},
		},
		{
			Name:        "filter_rows",
			Description: "Keep the rows where a column satisfies a condition and save them to a new file.",
			Params: input(
				column("column", "Column to test."),
				enum("op", "Comparison operator.", Operators, true),
				tool.Param{Name: "value", Type: tool.TypeScalar, Description: "Value to compare against.", Required: true},
			),
			ReadsInput: true,
			Writes:     true,
			Run: func(ctx context.Context, env tool.Env, args tool.Args) (tool.Outcome, error) {
				t, err := loadInput(env, args)
				if err != nil {
					return tool.Outcome{}, err
				}
				out, err := Filter(t, args.String("column"), args.String("op"), args.Value("value"))
				if err != nil {
					return tool.Outcome{}, err
				}
				return written(env, out, fmt.Sprintf("kept %d of %d rows", len(out.Rows), len(t.Rows)), nil)
			},
		},
		{
			Name:        "sort_data",
			Description: "Sort rows by a column and save the result to a new file.",
			Params: input(
				column("column", "Column to sort by."),
				tool.Param{Name: "ascending", Type: tool.TypeBoolean, Description: "Sort ascending. Defaults to true."},
			),
			ReadsInput: true,
			Writes:     true,
			Run: func(ctx context.Context, env tool.Env, args tool.Args) (tool.Outcome, error) {
				t, err := loadInput(env, args)
				if err != nil {
					return tool.Outcome{}, err
				}
				asc := args.Bool("ascending", true)
				out, err := Sort(t, args.String("column"), asc)
				if err != nil {
					return tool.Outcome{}, err
				}
				return written(env, out, "sorted", map[string]any{"sorted_by": args.String("column"), "ascending": asc})
			},
		},
		{
			Name:        "add_column_from_formula",
			Description: "Add a column computed as <left> <operator> <right> from two numeric columns and save to a new file.",
			Params: input(
				column("new_column", "Name of the new column."),
				column("left", "Left operand column."),
				enum("operator", "Arithmetic operator.", FormulaOperators, true),
				column("right", "Right operand column."),
			),
			ReadsInput: true,
			Writes:     true,
			Run: func(ctx context.Context, env tool.Env, args tool.Args) (tool.Outcome, error) {
				t, err := loadInput(env, args)
				if err != nil {
					return tool.Outcome{}, err
				}
				out, n, err := AddFormulaColumn(t, args.String("new_column"), args.String("left"), args.String("operator"), args.String("right"))
				if err != nil {
					return tool.Outcome{}, err
				}
				return written(env, out, "column added", map[string]any{"new_column": args.String("new_column"), "computed_rows": n})
			},
		},
		{
			Name:        "create_pivot_table",
			Description: "Build a pivot table (index rows x column values, aggregating a value column) and save it to a new file.",
			Params: input(
				column("index", "Column whose values become rows."),
				column("columns", "Column whose values become columns."),
				column("values", "Column to aggregate."),
				enum("function", "Aggregate function. Defaults to sum.", []any{AggSum, AggMean, AggCount}, false),
			),
			ReadsInput: true,
			Writes:     true,
			Run: func(ctx context.Context, env tool.Env, args tool.Args) (tool.Outcome, error) {
				t, err := loadInput(env, args)
				if err != nil {
					return tool.Outcome{}, err
				}
				fn := args.String("function")
				if fn == "" {
					fn = AggSum
				}
				out, err := Pivot(t, args.String("index"), args.String("columns"), args.String("values"), fn)
				if err != nil {
					return tool.Outcome{}, err
				}
				return written(env, out, "pivot table created", map[string]any{"columns": out.Header})
			},
		},
		{
			Name:        "create_chart",
			Description: "Create a chart. Without y it counts rows per distinct x value. Returns a renderable chart and a workbook containing the chart.",
			Params: input(
				enum("kind", "Chart kind.", ChartKinds, true),
				column("x", "Category / x-axis column."),
				tool.Param{Name: "y", Type: tool.TypeString, Description: "Numeric value column. Omit to count rows per x value."},
			),
			ReadsInput: true,
			Writes:     true,
			Artifact:   true,
			Run: func(ctx context.Context, env tool.Env, args tool.Args) (tool.Outcome, error) {
				t, err := loadInput(env, args)
				if err != nil {
					return tool.Outcome{}, err
				}
				chart, err := BuildChart(t, args.String("kind"), args.String("x"), args.String("y"))
				if err != nil {
					return tool.Outcome{}, err
				}
				if err := WriteChart(env.OutputPath, chart); err != nil {
					return tool.Outcome{}, err
				}
				data := map[string]any{"points": len(chart.Series[0].Values)}
				msg := chart.Title
				if chart.Truncated {
					data["truncated"] = true
					data["total_points"] = chart.Points
					msg = fmt.Sprintf("%s (first %d of %d points)", chart.Title, len(chart.Series[0].Values), chart.Points)
				}
				return tool.Outcome{Message: msg, Data: data, Chart: chart, Wrote: true}, nil
			},
		},
		{
			Name:        "delete_columns",
			Description: "Delete one or more columns and save to a new file.",
			Params: input(
				tool.Param{Name: "columns", Type: tool.TypeArray, Items: tool.TypeString, Description: "Columns to delete.", Required: true},
			),
			ReadsInput: true,
			Writes:     true,
			Run: func(ctx context.Context, env tool.Env, args tool.Args) (tool.Outcome, error) {
				t, err := loadInput(env, args)
				if err != nil {
					return tool.Outcome{}, err
				}
				out, deleted, err := DeleteColumns(t, args.Strings("columns"))
				if err != nil {
					return tool.Outcome{}, err
				}
				return written(env, out, "columns deleted", map[string]any{"deleted_columns": deleted})
			},
		},
		{
			Name:        "rename_column",
			Description: "Rename a column and save to a new file.",
			Params: input(
				column("column", "Current column name."),
				column("new_name", "New column name."),
			),
			ReadsInput: true,
			Writes:     true,
			Run: func(ctx context.Context, env tool.Env, args tool.Args) (tool.Outcome, error) {
				t, err := loadInput(env, args)
				if err != nil {
					return tool.Outcome{}, err
				}
				out, err := RenameColumn(t, args.String("column"), args.String("new_name"))
				if err != nil {
					return tool.Outcome{}, err
				}
				return written(env, out, "column renamed", map[string]any{"renamed_from": args.String("column"), "renamed_to": args.String("new_name")})
			},
		},
		{
			Name:        "handle_duplicates",
			Description: "Find duplicate rows (action=find) or remove them keeping the first occurrence and save to a new file (action=remove). Compares the given columns, or all columns.",
			Params: input(
				enum("action", "find or remove.", []any{"find", "remove"}, true),
				tool.Param{Name: "columns", Type: tool.TypeArray, Items: tool.TypeString, Description: "Columns that define a duplicate. Defaults to all columns."},
			),
			ReadsInput: true,
			Writes:     true,
			Run: func(ctx context.Context, env tool.Env, args tool.Args) (tool.Outcome, error) {
				if args.String("action") == "find" {
					return readOnly(FindDuplicates(env.InputPath, args.String("sheet"), args.Strings("columns")))
				}
				t, err := loadInput(env, args)
				if err != nil {
					return tool.Outcome{}, err
				}
				out, removed, err := RemoveDuplicates(t, args.Strings("columns"))
				if err != nil {
					return tool.Outcome{}, err
				}
				return written(env, out, fmt.Sprintf("removed %d duplicate rows", removed), map[string]any{"action": "remove", "duplicates_removed": removed})
			},
		},
		{
			Name:        "fill_missing_values",
			Description: "Fill blank cells of a column with a value and save to a new file.",
			Params: input(
				column("column", "Column to fill."),
				tool.Param{Name: "value", Type: tool.TypeScalar, Description: "Fill value.", Required: true},
			),
			ReadsInput: true,
			Writes:     true,
			Run: func(ctx context.Context, env tool.Env, args tool.Args) (tool.Outcome, error) {
				t, err := loadInput(env, args)
				if err != nil {
					return tool.Outcome{}, err
				}
				out, n, err := FillMissing(t, args.String("column"), args.Value("value"))
				if err != nil {
					return tool.Outcome{}, err
				}
				return written(env, out, fmt.Sprintf("filled %d cells", n), map[string]any{"filled_column": args.String("column"), "filled_cells": n})
			},
		},
		{
			Name:        "string_manipulation_in_column",
			Description: "Apply uppercase, lowercase or trim to the text cells of a column and save to a new file.",
			Params: input(
				column("column", "Column to transform."),
				enum("operation", "String operation.", StringOperations, true),
			),
			ReadsInput: true,
			Writes:     true,
			Run: func(ctx context.Context, env tool.Env, args tool.Args) (tool.Outcome, error) {
				t, err := loadInput(env, args)
				if err != nil {
					return tool.Outcome{}, err
				}
				out, err := TransformStrings(t, args.String("column"), args.String("operation"))
				if err != nil {
					return tool.Outcome{}, err
				}
				return written(env, out, "column transformed", map[string]any{"column": args.String("column"), "operation": args.String("operation")})
			},
		},
		{
			Name:        "lookup_and_merge_columns",
			Description: "VLOOKUP-style left join: bring columns from another session file into this one by matching key columns, and save to a new file.",
			Params: input(
				tool.Param{Name: "right_file", Type: tool.TypeString, Description: "Name of the session file to look values up in.", Required: true, FileRef: true},
				tool.Param{Name: "right_sheet", Type: tool.TypeString, Description: "Sheet of the lookup file. Defaults to its active sheet."},
				column("left_key", "Key column in this file."),
				column("right_key", "Key column in the lookup file."),
				tool.Param{Name: "columns", Type: tool.TypeArray, Items: tool.TypeString, Description: "Lookup-file columns to bring over.", Required: true},
			),
			ReadsInput: true,
			Writes:     true,
			Run: func(ctx context.Context, env tool.Env, args tool.Args) (tool.Outcome, error) {
				left, err := loadInput(env, args)
				if err != nil {
					return tool.Outcome{}, err
				}
				right, err := Load(env.Files["right_file"], args.String("right_sheet"))
				if err != nil {
					return tool.Outcome{}, fmt.Errorf("lookup file: %w", err)
				}
				out, err := Merge(left, right, args.String("left_key"), args.String("right_key"), args.Strings("columns"))
				if err != nil {
					return tool.Outcome{}, err
				}
				return written(env, out, "columns merged", nil)
			},
		},
		{
			Name:        "group_by_and_aggregate",
			Description: "Group rows by a column and aggregate another column with one or more functions; save the grouped table to a new file.",
			Params: input(
				column("group_by", "Column to group by."),
				column("column", "Column to aggregate."),
				tool.Param{
					Name: "functions", Type: tool.TypeArray, Items: tool.TypeString, Required: true,
					Description: "Aggregate functions: sum, mean, min, max, count.",
				},
			),
			ReadsInput: true,
			Writes:     true,
			Run: func(ctx context.Context, env tool.Env, args tool.Args) (tool.Outcome, error) {
				fns := args.Strings("functions")
				for _, fn := range fns {
					switch fn {
					case AggSum, AggMean, AggMin, AggMax, AggCount:
					default:
						return tool.Outcome{}, fmt.Errorf("aggregate function %q not supported", fn)
					}
				}
				t, err := loadInput(env, args)
				if err != nil {
					return tool.Outcome{}, err
				}
				out, err := GroupBy(t, args.String("group_by"), args.String("column"), fns)
				if err != nil {
					return tool.Outcome{}, err
				}
				return written(env, out, fmt.Sprintf("%d groups", len(out.Rows)), nil)
			},
		},
		{
			Name:        "conditional_value_column",
			Description: "Add a column whose value is true_value where a condition on a source column holds and false_value elsewhere; save to a new file.",
			Params: input(
				column("new_column", "Name of the new column."),
				column("source", "Column the condition tests."),
				enum("op", "Comparison operator.", Operators, true),
				tool.Param{Name: "value", Type: tool.TypeScalar, Description: "Value to compare against.", Required: true},
				tool.Param{Name: "true_value", Type: tool.TypeScalar, Description: "Value when the condition holds.", Required: true},
				tool.Param{Name: "false_value", Type: tool.TypeScalar, Description: "Value otherwise.", Required: true},
			),
			ReadsInput: true,
			Writes:     true,
			Run: func(ctx context.Context, env tool.Env, args tool.Args) (tool.Outcome, error) {
				t, err := loadInput(env, args)
				if err != nil {
					return tool.Outcome{}, err
				}
				out, err := ConditionalColumn(t, args.String("new_column"), args.String("source"), args.String("op"),
					args.Value("value"), args.Value("true_value"), args.Value("false_value"))
				if err != nil {
					return tool.Outcome{}, err
				}
				return written(env, out, "column added", nil)
			},
		},
		{
			Name:        "create_sheet",
			Description: "Add an empty sheet to the workbook and save to a new file.",
			Params:      []tool.Param{fileParam, column("name", "Name of the new sheet.")},
			ReadsInput:  true,
			Writes:      true,
			Run: func(ctx context.Context, env tool.Env, args tool.Args) (tool.Outcome, error) {
				if err := CreateSheet(env.InputPath, env.OutputPath, args.String("name")); err != nil {
					return tool.Outcome{}, err
				}
				return tool.Outcome{Message: "sheet created", Data: map[string]any{"created_sheet": args.String("name")}, Wrote: true}, nil
			},
		},
		{
			Name:        "delete_sheet",
			Description: "Delete a sheet from the workbook and save to a new file. The only sheet cannot be deleted.",
			Params:      []tool.Param{fileParam, column("name", "Sheet to delete.")},
			ReadsInput:  true,
			Writes:      true,
			Run: func(ctx context.Context, env tool.Env, args tool.Args) (tool.Outcome, error) {
				if err := DeleteSheet(env.InputPath, env.OutputPath, args.String("name")); err != nil {
					return tool.Outcome{}, err
				}
				return tool.Outcome{Message: "sheet deleted", Data: map[string]any{"deleted_sheet": args.String("name")}, Wrote: true}, nil
			},
		},
		{
			Name:        "duplicate_sheet",
			Description: "Copy a sheet under a new name and save to a new file.",
			Params: []tool.Param{
				fileParam,
				column("source", "Sheet to copy."),
				column("name", "Name of the copy."),
			},
			ReadsInput: true,
			Writes:     true,
			Run: func(ctx context.Context, env tool.Env, args tool.Args) (tool.Outcome, error) {
				if err := DuplicateSheet(env.InputPath, env.OutputPath, args.String("source"), args.String("name")); err != nil {
					return tool.Outcome{}, err
				}
				return tool.Outcome{
					Message: "sheet duplicated",
					Data:    map[string]any{"duplicated_from": args.String("source"), "duplicated_to": args.String("name")},
					Wrote:   true,
				}, nil
			},
		},
		{
			Name:        "apply_conditional_formatting",
			Description: "Highlight the cells of a column that satisfy a rule (greaterThan, lessThan, equal, notEqual) and save to a new file.",
			Params: input(
				column("column", "Column to format."),
				enum("operator", "Rule operator.", FormatOperators, true),
				tool.Param{Name: "value", Type: tool.TypeScalar, Description: "Rule value.", Required: true},
				enum("color", "Fill color.", FormatColors, true),
			),
			ReadsInput: true,
			Writes:     true,
			Run: func(ctx context.Context, env tool.Env, args tool.Args) (tool.Outcome, error) {
				err := ConditionalFormat(env.InputPath, env.OutputPath, args.String("sheet"), args.String("column"),
					args.String("operator"), args.Value("value"), args.String("color"))
				if err != nil {
					return tool.Outcome{}, err
				}
				return tool.Outcome{Message: "formatting applied", Data: map[string]any{"formatted_column": args.String("column")}, Wrote: true}, nil
			},
		},
	}
}

// RegisterTools registers the whole catalogue. A failure here is a startup
// configuration error.
func RegisterTools(r *tool.Registry) error {
	for _, spec := range Catalogue() {
		if err := r.Register(spec); err != nil {
			return err
		}
	}
	return nil
}
