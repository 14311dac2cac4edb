package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"sheetagent/internal/domain"
)

// writeCalls are write-capable calls against the sales fixture. Some fail
// depending on what ran before them (e.g. a column renamed away), which is
// part of what the properties exercise.
var writeCalls = []func(n int) domain.ToolCall{
	func(n int) domain.ToolCall {
		return domain.ToolCall{Name: "sort_data", Arguments: map[string]any{"column": "Price", "ascending": n%2 == 0}}
	},
	func(n int) domain.ToolCall {
		return domain.ToolCall{Name: "filter_rows", Arguments: map[string]any{"column": "Price", "op": ">", "value": n * 10}}
	},
	func(n int) domain.ToolCall {
		return domain.ToolCall{Name: "rename_column", Arguments: map[string]any{"column": "Product", "new_name": "Item"}}
	},
	func(n int) domain.ToolCall {
		return domain.ToolCall{Name: "handle_duplicates", Arguments: map[string]any{}}
	},
	func(n int) domain.ToolCall {
		return domain.ToolCall{Name: "delete_columns", Arguments: map[string]any{"columns": []any{"Product"}}}
	},
	func(n int) domain.ToolCall {
		return domain.ToolCall{Name: "create_chart", Arguments: map[string]any{"kind": "bar", "x": "Region"}}
	},
}

func TestProperty_OriginalNeverWritten(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 20
	properties := gopter.NewProperties(params)

	properties.Property("write tools never target or modify the original", prop.ForAll(
		func(picks []int, n int) bool {
			h := newHarness(t)
			st := h.upload(t)
			before := fileHash(t, st.Original().Path)

			p := &scriptedProvider{native: true}
			for _, pick := range picks {
				call := writeCalls[pick](n)
				p.steps = append(p.steps, callTool(call.Name, call.Arguments))
			}
			p.steps = append(p.steps, answer("done"))

			reply, err := h.loop(p, func(c *LoopConfig) { c.MaxSteps = len(picks) + 1 }).Run(context.Background(), st, "go")
			if err != nil || reply.Steps != len(picks) {
				return false
			}
			for _, r := range reply.Results() {
				if r.OutputFile != nil && r.OutputFile.Path == st.Original().Path {
					return false
				}
			}
			for _, f := range st.Files()[1:] {
				if f.Path == st.Original().Path {
					return false
				}
			}
			return fileHash(t, st.Original().Path) == before
		},
		gen.SliceOfN(4, gen.IntRange(0, len(writeCalls)-1)),
		gen.IntRange(0, 25),
	))

	properties.TestingRun(t)
}

func TestProperty_ReadToolsAreIdempotent(t *testing.T) {
	h := newHarness(t)
	st := h.upload(t)
	reads := []domain.ToolCall{
		{Name: "get_data_summary", Arguments: map[string]any{}},
		{Name: "read_rows", Arguments: map[string]any{"limit": 3}},
		{Name: "get_unique_values", Arguments: map[string]any{"column": "Region"}},
	}

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 20
	properties := gopter.NewProperties(params)

	properties.Property("same read call gives the same data and no file", prop.ForAll(
		func(pick int) bool {
			call := reads[pick]
			var results []domain.ToolResult
			for i := 0; i < 2; i++ {
				p := &scriptedProvider{native: true}
				p.steps = append(p.steps, callTool(call.Name, call.Arguments), answer("ok"))
				reply, err := h.loop(p).Run(context.Background(), st, "read")
				if err != nil || len(reply.Results()) != 1 {
					return false
				}
				results = append(results, reply.Results()[0])
			}
			a, b := results[0], results[1]
			return a.OK && b.OK &&
				a.OutputFile == nil && b.OutputFile == nil &&
				renderArgs(a.Data) == renderArgs(b.Data)
		},
		gen.IntRange(0, len(reads)-1),
	))

	properties.TestingRun(t)
	if len(st.Files()) != 1 {
		t.Fatalf("read tools produced files: %v", st.Files())
	}
}

func TestProperty_PlainTextIsFinalAnswer(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("text without JSON is returned verbatim", prop.ForAll(
		func(s string) bool {
			r := parseReply(s)
			return len(r.Calls) == 0 && r.Final == strings.TrimSpace(s)
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
