package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"sheetagent/internal/domain"
	"sheetagent/internal/tool"
)

const basePrompt = `You are a spreadsheet analysis agent. You solve the user's request by breaking it into steps and running the available tools against their workbook, one tool per step.

Rules:
- Call exactly one tool per step, then wait for its result before deciding the next step.
- Start with get_data_summary when you do not yet know the sheet's columns.
- Every tool that changes data writes a NEW workbook; the uploaded original is never modified. You never choose output filenames.
- Tools read the current workbook by default. To use another session file, pass its name in the "file" parameter exactly as listed below.
- Use column names exactly as they appear in the header.
- If a tool fails, read the error, fix the arguments and try again, or explain the problem to the user.
- When the task is done, answer concisely in the user's language and mention the files or charts you produced.`

const protocolPrompt = `You must reply with a single JSON object and nothing else, in one of two forms:
{"thought": "<your reasoning for the next step>", "tool_call": {"tool_name": "<one of the tools>", "parameters": {...}}}
{"thought": "<why you are finished>", "final_answer": "<your answer to the user>"}
After each tool call you receive an "Observation" with the tool result.`

// PromptBuilder renders the system prompt for a planning step.
type PromptBuilder struct {
	registry *tool.Registry
	extra    string

	// JSON rendering of the tool menu for the text protocol, built once
	menuOnce sync.Once
	menu     string
}

func NewPromptBuilder(registry *tool.Registry, extra string) *PromptBuilder {
	return &PromptBuilder{registry: registry, extra: strings.TrimSpace(extra)}
}

// Build returns the system prompt. With protocol set the tool menu and the
// JSON reply format are spelled out in the prompt itself.
func (p *PromptBuilder) Build(files []domain.FileRef, current domain.FileRef, protocol bool) string {
	var sb strings.Builder
	sb.WriteString(basePrompt)

	sb.WriteString("\n\n## Session files\n")
	for _, f := range files {
		sb.WriteString("- ")
		sb.WriteString(f.Name)
		switch {
		case f.Tool == "":
			sb.WriteString(" (original upload, read-only)")
		case f.Artifact:
			fmt.Fprintf(&sb, " (chart workbook from %s, step %d)", f.Tool, f.Step)
		default:
			fmt.Fprintf(&sb, " (from %s, step %d)", f.Tool, f.Step)
		}
		if f.Name == current.Name {
			sb.WriteString(" [current]")
		}
		sb.WriteByte('\n')
	}

	if protocol {
		sb.WriteString("\n## Tools\n")
		sb.WriteString(p.toolMenu())
		sb.WriteString("\n\n")
		sb.WriteString(protocolPrompt)
	}
	if p.extra != "" {
		sb.WriteString("\n\n")
		sb.WriteString(p.extra)
	}
	return sb.String()
}

func (p *PromptBuilder) toolMenu() string {
	p.menuOnce.Do(func() {
		data, err := json.MarshalIndent(p.registry.Definitions(), "", "  ")
		if err != nil {
			p.menu = strings.Join(p.registry.Names(), ", ")
			return
		}
		p.menu = string(data)
	})
	return p.menu
}
