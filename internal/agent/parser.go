package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"sheetagent/internal/domain"
)

// reply is a model response decoded from content text. Models that do not
// support native tool calling answer in the JSON protocol
//
//	{"thought": "...", "tool_call": {"tool_name": "...", "parameters": {...}}}
//	{"thought": "...", "final_answer": "..."}
//
// and some emit bare {"name": ..., "arguments": ...} objects or arrays as
// the whole reply.
type reply struct {
	Thought string
	Calls   []domain.ToolCall
	Final   string
}

// parseReply interprets JSON-protocol content. Text that holds no protocol
// object is a final answer as is. An object embedded in prose only counts
// when it carries a tool_call, tool_calls or final_answer key, so records
// quoted in an answer stay text.
func parseReply(content string) reply {
	content = stripRolePrefix(strings.TrimSpace(content))
	if content == "" {
		return reply{}
	}

	body := stripCodeFence(content)
	if r, ok := parseProtocol(body, false); ok {
		return r
	}
	if start, end := findJSONBounds(body); start >= 0 && end > start {
		if r, ok := parseProtocol(body[start:end], true); ok {
			return r
		}
	}
	return reply{Final: content}
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) >= 3 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
	}
	return s
}

// parseProtocol decodes one protocol object. With keyed set, bare call
// objects and arrays are rejected.
func parseProtocol(raw string, keyed bool) (reply, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return reply{}, false
	}
	if raw[0] == '[' {
		if keyed {
			return reply{}, false
		}
		var list []map[string]any
		if !decode(raw, &list) {
			return reply{}, false
		}
		var r reply
		for _, obj := range list {
			if call, ok := callFrom(obj); ok {
				r.Calls = append(r.Calls, call)
			}
		}
		return r, len(r.Calls) > 0
	}

	var obj map[string]any
	if !decode(raw, &obj) {
		return reply{}, false
	}
	r := reply{Thought: stringOf(obj["thought"])}
	if tc, ok := obj["tool_call"].(map[string]any); ok {
		if call, ok := callFrom(tc); ok {
			r.Calls = []domain.ToolCall{call}
			return r, true
		}
	}
	if calls, ok := obj["tool_calls"].([]any); ok {
		for _, c := range calls {
			if m, ok := c.(map[string]any); ok {
				if call, ok := callFrom(m); ok {
					r.Calls = append(r.Calls, call)
				}
			}
		}
		if len(r.Calls) > 0 {
			return r, true
		}
	}
	if final, ok := obj["final_answer"]; ok {
		r.Final = stringOf(final)
		return r, true
	}
	if keyed {
		return reply{}, false
	}
	if call, ok := callFrom(obj); ok {
		r.Calls = []domain.ToolCall{call}
		return r, true
	}
	return reply{}, false
}

// decode unmarshals raw, retrying once with invalid escapes repaired.
func decode(raw string, v any) bool {
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return true
	}
	return json.Unmarshal([]byte(sanitizeJSONEscapes(raw)), v) == nil
}

// callFrom reads a call from {"tool_name"|"name", "parameters"|"arguments"}.
func callFrom(obj map[string]any) (domain.ToolCall, bool) {
	name := stringOf(obj["tool_name"])
	if name == "" {
		name = stringOf(obj["name"])
	}
	if name == "" {
		return domain.ToolCall{}, false
	}
	rawArgs, ok := obj["parameters"]
	if !ok {
		rawArgs = obj["arguments"]
	}
	args := asArgs(rawArgs)
	if args == nil {
		args = make(map[string]any)
		if text, isStr := rawArgs.(string); isStr && strings.TrimSpace(text) != "" {
			args[domain.RawArgumentsKey] = text
		}
	}
	return domain.ToolCall{ID: uuid.NewString(), Name: normalizeToolName(name), Arguments: args}, true
}

// asArgs accepts an argument object or a JSON string holding one.
func asArgs(v any) map[string]any {
	switch a := v.(type) {
	case map[string]any:
		return a
	case string:
		var m map[string]any
		if decode(a, &m) {
			return m
		}
	}
	return nil
}

func stringOf(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	default:
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Sprint(s)
		}
		return string(data)
	}
}

// normalizeToolName maps hyphenated, spaced or capitalized variants of a
// tool name onto the snake_case form the catalogue uses.
func normalizeToolName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("-", "_", " ", "_").Replace(name)
}

// findJSONBounds locates the first top-level JSON object or array in s.
// Returns the start index and end+1 index, or (-1, -1) if not found.
func findJSONBounds(s string) (int, int) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return -1, -1
	}

	openChar := s[start]
	closeChar := byte('}')
	if openChar == '[' {
		closeChar = ']'
	}

	depth := 0
	inStr := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inStr {
			if ch == '\\' {
				i++
				continue
			}
			if ch == '"' {
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case openChar:
			depth++
		case closeChar:
			depth--
			if depth == 0 {
				return start, i + 1
			}
		}
	}
	return -1, -1
}

// stripRolePrefix removes role-name prefixes that some models leak into
// their content, e.g. "assistant\nHello" or "Assistant: Hello".
func stripRolePrefix(content string) string {
	for _, p := range []string{"assistant\n", "Assistant\n", "assistant:\n", "Assistant:\n", "assistant: ", "Assistant: "} {
		if strings.HasPrefix(content, p) {
			return strings.TrimSpace(content[len(p):])
		}
	}
	return content
}

// sanitizeJSONEscapes fixes invalid JSON escape sequences produced by some
// models. Invalid escapes (e.g. \% or \Y) lose their backslash.
func sanitizeJSONEscapes(s string) string {
	var buf strings.Builder
	buf.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '"' && (i == 0 || s[i-1] != '\\') {
			inString = !inString
			buf.WriteByte(ch)
			continue
		}
		if inString && ch == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
				buf.WriteByte(ch)
				buf.WriteByte(s[i+1])
				i++
			}
			continue
		}
		buf.WriteByte(ch)
	}
	return buf.String()
}
