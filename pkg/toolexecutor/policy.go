package toolexecutor

// ToolPolicy defines which tools and agents an agent can call.
type ToolPolicy struct {
	Allow []string `json:"allow"` // "*" allows everything
	Deny  []string `json:"deny"`  // overrides Allow
}

// IsToolAllowed checks if a tool is allowed by the policy. A nil policy
// allows everything; an empty one allows nothing.
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil {
		return true
	}

	for _, denied := range tp.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}

	for _, allowed := range tp.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}

	return false
}
