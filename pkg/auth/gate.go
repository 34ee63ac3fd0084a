// Package auth provides the allowlist gate that every command passes
// before anything else runs.
package auth

// Gate checks caller identities against a fixed allowlist. An empty
// allowlist admits everyone; that is explicit policy for single-operator
// deployments, not an oversight.
type Gate struct {
	allowed map[int64]struct{}
}

// NewGate builds a gate from the configured caller IDs.
func NewGate(callerIDs []int64) *Gate {
	g := &Gate{allowed: make(map[int64]struct{}, len(callerIDs))}
	for _, id := range callerIDs {
		g.allowed[id] = struct{}{}
	}
	return g
}

// Allowed reports whether the caller may issue commands. Pure: no side
// effects, no backend calls.
func (g *Gate) Allowed(callerID int64) bool {
	if len(g.allowed) == 0 {
		return true
	}
	_, ok := g.allowed[callerID]
	return ok
}
