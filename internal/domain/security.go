package domain

type AuditEntry struct {
	SessionID string
	Action    string // tool_exec | output_blocked | upload
	ToolName  string
	Command   string // rendered arguments or path
	Result    string // ok | failed | blocked
	Details   string
}
