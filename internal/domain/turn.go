package domain

import "time"

type TurnKind string

const (
	TurnUser       TurnKind = "user_message"
	TurnAssistant  TurnKind = "assistant_message"
	TurnToolCall   TurnKind = "tool_call"
	TurnToolResult TurnKind = "tool_result"
)

// Turn is one entry of a session's append-only history.
type Turn struct {
	Seq       int         `json:"seq"`
	Kind      TurnKind    `json:"kind"`
	Text      string      `json:"text,omitempty"`
	Call      *ToolCall   `json:"call,omitempty"`
	Result    *ToolResult `json:"result,omitempty"`
	Degraded  bool        `json:"degraded,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

func UserTurn(text string) Turn {
	return Turn{Kind: TurnUser, Text: text}
}

func AssistantTurn(text string, degraded bool) Turn {
	return Turn{Kind: TurnAssistant, Text: text, Degraded: degraded}
}

func ToolCallTurn(call ToolCall) Turn {
	return Turn{Kind: TurnToolCall, Call: &call}
}

func ToolResultTurn(result ToolResult) Turn {
	return Turn{Kind: TurnToolResult, Result: &result}
}
