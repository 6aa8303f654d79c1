package planmodel

// transitionGraph encodes the step lifecycle graph. Keys
// are source states; values are the set of states reachable directly from
// that source. The zero state (no entry yet) transitions to waiting_approval
// or queued, represented here by the empty string source.
var transitionGraph = map[StepState]map[StepState]bool{
	"": {
		StateWaitingApproval: true,
		StateQueued:          true,
	},
	StateWaitingApproval: {
		StateQueued:   true, // approved
		StateRejected: true,
	},
	StateQueued: {
		StateRunning: true,
	},
	StateRunning: {
		StateCompleted: true,
		StateFailed:    true,
		StateRetrying:  true,
	},
	StateRetrying: {
		StateQueued: true, // next attempt
	},
}

// ValidTransition reports whether moving a PersistedStepEntry from "from" to
// "to" is legal under the step lifecycle graph. Both Plan State Store
// backends call this before writing, so file and relational storage agree on
// the same rule.
func ValidTransition(from, to StepState) bool {
	if from == to {
		// rememberStep re-applying the same state (e.g. a duplicate delivery
		// replaying an already-applied transition) is a no-op, not an error.
		return true
	}
	allowed, ok := transitionGraph[from]
	if !ok {
		return false
	}
	return allowed[to]
}
