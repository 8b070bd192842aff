package agentloop

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// reservedParentSubjectField is stripped from an arvo tool call's input
// before schema validation (spec.md §4.8 step 2): it is a loop-internal hint
// letting a spawned sub-workflow adopt this subject as its parent, not part
// of any service's declared contract.
const reservedParentSubjectField = "parentSubject$$"

// validateArvoInput checks input against schema, after stripping the
// reserved parentSubject$$ field, per spec.md §4.8's arvo dispatch rule.
// Only a decoded copy is stripped; input itself is left unmodified, so the
// reserved field is preserved on the wire for a spawned sub-workflow to read.
func validateArvoInput(schema json.RawMessage, input json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}

	var stripped any
	if err := json.Unmarshal(input, &stripped); err != nil {
		return fmt.Errorf("agentloop: unmarshal tool input: %w", err)
	}
	if obj, ok := stripped.(map[string]any); ok {
		delete(obj, reservedParentSubjectField)
	}

	var schemaDoc any
	if err := json.Unmarshal(schema, &schemaDoc); err != nil {
		return fmt.Errorf("agentloop: unmarshal input schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("agentloop: add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("agentloop: compile input schema: %w", err)
	}
	return compiled.Validate(stripped)
}
