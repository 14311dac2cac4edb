package domain

import "time"

// FileRef is a workbook known to a session. Name is the handle the model
// uses to refer to it; Path never leaves the server.
type FileRef struct {
	Name      string    `json:"name"`
	Path      string    `json:"-"`
	Tool      string    `json:"tool,omitempty"` // empty for the uploaded original
	Step      int       `json:"step"`
	Artifact  bool      `json:"artifact,omitempty"` // presentation output; never the default input
	CreatedAt time.Time `json:"created_at"`
}

type ChartSeries struct {
	Name   string    `json:"name"`
	Labels []string  `json:"labels"`
	Values []float64 `json:"values"`
}

// ChartPayload is a renderable chart spec: chart kind, axis fields and series.
type ChartPayload struct {
	Kind   string        `json:"kind"` // bar | line | scatter | pie
	Title  string        `json:"title,omitempty"`
	X      string        `json:"x"`
	Y      string        `json:"y,omitempty"`
	Series []ChartSeries `json:"series"`

	// Points is the number of plottable rows before Series was capped.
	Points    int  `json:"points"`
	Truncated bool `json:"truncated,omitempty"`
}

type ToolError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ToolResult is the envelope every tool invocation produces. Exactly one of
// the success fields or Error is meaningful, as indicated by OK.
type ToolResult struct {
	CallID     string         `json:"call_id"`
	Tool       string         `json:"tool"`
	OK         bool           `json:"ok"`
	Message    string         `json:"message,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OutputFile *FileRef       `json:"output_file,omitempty"`
	Chart      *ChartPayload  `json:"chart,omitempty"`
	Error      *ToolError     `json:"error,omitempty"`
}

// Failure builds a failed result.
func Failure(callID, tool string, kind ErrorKind, msg string) ToolResult {
	return ToolResult{
		CallID: callID,
		Tool:   tool,
		Error:  &ToolError{Kind: kind, Message: msg},
	}
}

// ErrorKind returns the failure kind, or "" for a success.
func (r ToolResult) ErrorKind() ErrorKind {
	if r.OK || r.Error == nil {
		return ""
	}
	return r.Error.Kind
}
