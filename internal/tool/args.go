package tool

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Args are validated, coerced tool arguments.
type Args map[string]any

func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}

func (a Args) String(key string) string {
	switch v := a[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

func (a Args) Float(key string, def float64) float64 {
	switch v := a[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func (a Args) Int(key string, def int) int {
	if !a.Has(key) {
		return def
	}
	f := a.Float(key, math.NaN())
	if math.IsNaN(f) {
		return def
	}
	return int(f)
}

func (a Args) Bool(key string, def bool) bool {
	switch v := a[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func (a Args) Strings(key string) []string {
	switch v := a[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, Args{"v": item}.String("v"))
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

// Value returns the raw argument for scalar params that accept any type.
func (a Args) Value(key string) any {
	return a[key]
}

// coerceArgs applies lossless conversions toward the declared parameter
// types and drops arguments the tool does not declare.
func coerceArgs(params []Param, raw map[string]any) (Args, []string) {
	out := make(Args, len(raw))
	var dropped []string
	for key, v := range raw {
		p, ok := findParam(params, key)
		if !ok {
			dropped = append(dropped, key)
			continue
		}
		if v == nil {
			continue
		}
		out[key] = coerceValue(p.Type, p.Items, v)
	}
	return out, dropped
}

func findParam(params []Param, name string) (Param, bool) {
	for _, p := range params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

func coerceValue(t, items ParamType, v any) any {
	switch t {
	case TypeNumber, TypeInteger:
		switch n := v.(type) {
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return f
			}
		case int:
			return float64(n)
		case int64:
			return float64(n)
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f
			}
		}
	case TypeString:
		switch s := v.(type) {
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64)
		case int:
			return strconv.Itoa(s)
		case bool:
			return strconv.FormatBool(s)
		}
	case TypeBoolean:
		if s, ok := v.(string); ok {
			switch strings.ToLower(strings.TrimSpace(s)) {
			case "true", "yes", "1":
				return true
			case "false", "no", "0":
				return false
			}
		}
	case TypeArray:
		switch arr := v.(type) {
		case []any:
			out := make([]any, len(arr))
			for i, item := range arr {
				out[i] = coerceValue(items, "", item)
			}
			return out
		case []string:
			out := make([]any, len(arr))
			for i, item := range arr {
				out[i] = item
			}
			return out
		default:
			return []any{coerceValue(items, "", v)}
		}
	case TypeScalar:
		if n, ok := v.(int); ok {
			return float64(n)
		}
	}
	return v
}
