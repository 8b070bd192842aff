package agentloop

// highestPriorityGroup implements spec.md §4.8.1's priority tie-break:
// group requested calls by their declared tool's priority (numerically
// descending) and keep only the highest-priority group; calls naming an
// unknown tool are dropped with the lowest priority. Lower-priority groups
// are silently discarded, not errored — the LLM simply never learns they
// were requested this turn.
func highestPriorityGroup(catalog Catalog, calls []ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	best := 0
	havebest := false
	for _, c := range calls {
		spec, ok := catalog[c.Name]
		if !ok {
			continue
		}
		if !havebest || spec.ServerConfig.Priority > best {
			best = spec.ServerConfig.Priority
			havebest = true
		}
	}
	if !havebest {
		return calls // no recognized tool; let dispatch surface the unknown-tool error per call
	}
	kept := make([]ToolCall, 0, len(calls))
	for _, c := range calls {
		spec, ok := catalog[c.Name]
		if ok && spec.ServerConfig.Priority == best {
			kept = append(kept, c)
		}
	}
	return kept
}
