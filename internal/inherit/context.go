package inherit

// DefaultMaxDepth bounds how many inheritance levels one walk may descend
const DefaultMaxDepth = 32

// PropagationContext carries the state of one walk down the template tree
type PropagationContext struct {
	Depth    int
	MaxDepth int
	visited  map[string]struct{}
}

// NewPropagationContext returns a context for a fresh walk
func NewPropagationContext(maxDepth int) *PropagationContext {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &PropagationContext{
		MaxDepth: maxDepth,
		visited:  make(map[string]struct{}),
	}
}

// Enter records the parent rules of the next generation. It fails with a
// CycleError when a rule was already walked or the depth limit is exceeded.
func (pc *PropagationContext) Enter(ruleIDs []string) error {
	if pc.Depth >= pc.MaxDepth {
		return &CycleError{Depth: pc.Depth, MaxDepth: pc.MaxDepth}
	}
	for _, id := range ruleIDs {
		if _, ok := pc.visited[id]; ok {
			return &CycleError{RuleID: id, Depth: pc.Depth, MaxDepth: pc.MaxDepth}
		}
	}
	for _, id := range ruleIDs {
		pc.visited[id] = struct{}{}
	}
	pc.Depth++
	return nil
}

// Visited reports whether the rule was already walked
func (pc *PropagationContext) Visited(ruleID string) bool {
	_, ok := pc.visited[ruleID]
	return ok
}
