package graph

// Edge is a compiled transition between two nodes.
//
// Edges are evaluated in declaration order after a node completes without a
// routing override. An edge with a nil predicate always matches; the first
// matching edge wins. Conditional and flexible edge specs compile down to
// ordered predicated edges (see Builder).
type Edge struct {
	// From is the source node id.
	From string

	// To is the destination node id, or End for the implicit terminal.
	To string

	// When is an optional predicate over state. Nil means unconditional.
	When Predicate

	// OnError marks an error-recovery edge. It never matches during
	// normal routing; the engine follows it when the source node fails
	// permanently.
	OnError bool
}

// Predicate evaluates state to decide whether an edge should be traversed.
// Predicates must be pure: deterministic, no side effects.
type Predicate func(state State) bool
