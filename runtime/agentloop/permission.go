package agentloop

import (
	"context"
	"encoding/json"
)

// PermissionDecision is the verdict a permission manager returns for a
// candidate tool (spec.md §4.8.1).
type PermissionDecision string

const (
	PermissionGranted     PermissionDecision = "granted"
	PermissionDenied      PermissionDecision = "denied"
	PermissionRequestable PermissionDecision = "requestable"
)

// PermissionManager gates arvo and internal/mcp tool execution behind an
// out-of-band authorization step (spec.md §4.8.1). Authorizations granted or
// denied once are remembered for the remainder of the run via Authorizations
// persisted on the Agent Context; PermissionManager implementations are
// themselves stateless, mirroring features/policy/basic's Engine.
type PermissionManager interface {
	// Get classifies each candidate against already-known authorizations.
	// Tools absent from the returned map are treated as PermissionGranted.
	Get(ctx context.Context, known map[string]PermissionDecision, candidates []ToolSpec) (map[string]PermissionDecision, error)

	// ContractType is the event Type the permission request is emitted
	// with. The reply correlated to that request (by its parent ID) is
	// routed to Set instead of being appended as a tool_result; the reply's
	// own Type is not inspected.
	ContractType() string

	// RequestBuilder builds the payload for the additional suspending
	// event sent against ContractType when tools are PermissionRequestable.
	RequestBuilder(ctx context.Context, requestable []ToolSpec) (json.RawMessage, error)

	// Set parses a reply to a prior request and returns the authorization
	// decisions it grants or denies, to be merged into the run's known map.
	Set(ctx context.Context, reply json.RawMessage) (map[string]PermissionDecision, error)
}
