package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"sheetagent/internal/domain"
)

// wordsPerToken approximates English text (1 token ~ 0.75 words).
const wordsPerToken = 0.75

// window selects the turns replayed to the model: at most limit turns, but
// always every turn from currentFrom (the first turn of the running request)
// on. The window never opens on anything but a user message, so no tool
// result is sent without the call that produced it.
func window(turns []domain.Turn, limit, currentFrom int) []domain.Turn {
	if len(turns) == 0 {
		return nil
	}
	start := 0
	if limit > 0 && len(turns) > limit {
		start = len(turns) - limit
	}
	for i, t := range turns {
		if t.Seq >= currentFrom {
			if i < start {
				start = i
			}
			break
		}
	}
	for start < len(turns) && turns[start].Kind != domain.TurnUser {
		start++
	}
	return turns[start:]
}

// trimToBudget drops whole exchanges from the front of turns until the
// estimated token count fits maxTokens. Turns of the running request are
// never dropped.
func trimToBudget(turns []domain.Turn, maxTokens, currentFrom int) []domain.Turn {
	if maxTokens <= 0 {
		return turns
	}
	for len(turns) > 0 && turns[0].Seq < currentFrom && estimateTurns(turns) > maxTokens {
		next := 1
		for next < len(turns) && turns[next].Kind != domain.TurnUser {
			next++
		}
		if next >= len(turns) || turns[next].Seq > currentFrom {
			break
		}
		turns = turns[next:]
	}
	return turns
}

func estimateTurns(turns []domain.Turn) int {
	total := 0
	for _, t := range turns {
		total += estimateStringTokens(t.Text)
		if t.Call != nil {
			total += estimateStringTokens(renderArgs(t.Call.Arguments))
		}
		if t.Result != nil {
			total += estimateStringTokens(observation(*t.Result))
		}
	}
	return total
}

func estimateStringTokens(s string) int {
	if s == "" {
		return 0
	}
	words := len(strings.Fields(s))
	tokens := int(float64(words) / wordsPerToken)
	if tokens == 0 && words > 0 {
		tokens = 1
	}
	return tokens
}

// render converts turns into chat messages. With native tool calling, calls
// and results use the assistant tool_calls and tool roles; otherwise they
// are replayed in the JSON text protocol.
func render(turns []domain.Turn, native bool) []domain.Message {
	msgs := make([]domain.Message, 0, len(turns))
	var pending *domain.ToolCall
	flush := func() {
		if pending != nil && native {
			msgs = append(msgs, domain.Message{
				Role:       "tool",
				Content:    `{"ok":false,"error":{"kind":"ToolExecutionError","message":"no result was recorded"}}`,
				ToolCallID: pending.ID,
				ToolName:   pending.Name,
			})
		}
		pending = nil
	}

	for _, t := range turns {
		switch t.Kind {
		case domain.TurnUser:
			flush()
			msgs = append(msgs, domain.Message{Role: "user", Content: t.Text})
		case domain.TurnAssistant:
			flush()
			msgs = append(msgs, domain.Message{Role: "assistant", Content: t.Text})
		case domain.TurnToolCall:
			flush()
			if t.Call == nil {
				continue
			}
			call := *t.Call
			if native {
				msgs = append(msgs, domain.Message{Role: "assistant", Content: t.Text, ToolCalls: []domain.ToolCall{call}})
			} else {
				msgs = append(msgs, domain.Message{Role: "assistant", Content: protocolCall(t.Text, call)})
			}
			pending = &call
		case domain.TurnToolResult:
			if t.Result == nil {
				continue
			}
			if native {
				msgs = append(msgs, domain.Message{
					Role:       "tool",
					Content:    observation(*t.Result),
					ToolCallID: t.Result.CallID,
					ToolName:   t.Result.Tool,
				})
			} else {
				msgs = append(msgs, domain.Message{Role: "user", Content: "Observation: " + observation(*t.Result)})
			}
			pending = nil
		}
	}
	flush()
	return msgs
}

func protocolCall(thought string, call domain.ToolCall) string {
	data, _ := json.Marshal(map[string]any{
		"thought":   thought,
		"tool_call": map[string]any{"tool_name": call.Name, "parameters": call.Arguments},
	})
	return string(data)
}

// observation renders a tool result for the model. Chart series are
// summarized; the model only needs to know the chart exists.
func observation(r domain.ToolResult) string {
	obs := map[string]any{"tool": r.Tool, "ok": r.OK}
	if r.OK {
		if r.Message != "" {
			obs["message"] = r.Message
		}
		if len(r.Data) > 0 {
			obs["data"] = r.Data
		}
		if r.OutputFile != nil {
			obs["output_file"] = r.OutputFile.Name
		}
		if r.Chart != nil {
			chart := map[string]any{
				"kind":   r.Chart.Kind,
				"x":      r.Chart.X,
				"y":      r.Chart.Y,
				"series": len(r.Chart.Series),
			}
			if r.Chart.Truncated {
				chart["truncated"] = true
			}
			obs["chart"] = chart
		}
	} else if r.Error != nil {
		obs["error"] = map[string]any{"kind": r.Error.Kind, "message": r.Error.Message}
	}
	data, err := json.Marshal(obs)
	if err != nil {
		return fmt.Sprintf(`{"tool":%q,"ok":%t}`, r.Tool, r.OK)
	}
	return string(data)
}

func renderArgs(args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprint(args)
	}
	return string(data)
}
