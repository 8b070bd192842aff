package agentloop

// ToolBudget tracks consumed and allowed turns of the cognitive loop.
type ToolBudget struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

// AwaitingCall records one outstanding arvo/permission-manager call so a
// resume can tell, per toolUseId, which kind of reply arrived.
type AwaitingCall struct {
	// ToolName is empty for the permission manager's own request.
	ToolName string `json:"toolName,omitempty"`
	// ContractType is the Type of the permission-manager request this entry
	// awaits a reply to, and is empty for arvo tool calls; on resume it
	// distinguishes a permission-manager reply from an ordinary arvo
	// tool_result.
	ContractType string `json:"contractType"`
}

// AgentContext is the C8 instance payload persisted inside the C5 state
// table (spec.md §3.3) — the durable business context a handler.Body built
// by Build returns as handler.Result.Context.
type AgentContext struct {
	CurrentSubject string    `json:"currentSubject"`
	System         *string   `json:"system,omitempty"`
	Messages       []Message `json:"messages"`

	ToolInteractions ToolBudget `json:"toolInteractions"`

	AwaitingToolCalls map[string]AwaitingCall `json:"awaitingToolCalls,omitempty"`

	TotalExecutionUnits int        `json:"totalExecutionUnits"`
	TotalTokenUsage     TokenUsage `json:"totalTokenUsage"`

	InitEventAccessControl string `json:"initEventAccessControl,omitempty"`

	// Authorizations is the permission manager's running grant/deny map,
	// carried in the durable context since the manager itself is
	// stateless (spec.md §4.8.1's "internal authorization map").
	Authorizations map[string]PermissionDecision `json:"authorizations,omitempty"`
}
