package healer

// AttemptState is the serialized bookkeeping the guard sequence operates
// on. One per session; Attempts never exceeds MaxAttempts.
type AttemptState struct {
	InFlight    bool   `json:"in_flight"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastKey     string `json:"-"`
}

// DenyReason explains a suppressed attempt.
type DenyReason string

const (
	DenyBusy      DenyReason = "busy"      // A fix is already in flight.
	DenyBudget    DenyReason = "budget"    // Attempt budget exhausted for the session.
	DenyDuplicate DenyReason = "duplicate" // Same key as the previous trigger.
)

// Decision is the outcome of the guard sequence.
type Decision struct {
	Allowed bool
	Reason  DenyReason // Set when not allowed.
}

// Decide runs the guard sequence for a candidate's dedup key against the
// current state. Evaluated in order, short-circuiting: busy, budget,
// duplicate. Dedup compares only the immediately-previous trigger key — a
// previously-seen error that resolved and later recurs will retrigger.
// Pure; callers serialize state updates themselves.
func Decide(state AttemptState, key string) Decision {
	if state.InFlight {
		return Decision{Reason: DenyBusy}
	}
	if state.Attempts >= state.MaxAttempts {
		return Decision{Reason: DenyBudget}
	}
	if key != "" && key == state.LastKey {
		return Decision{Reason: DenyDuplicate}
	}
	return Decision{Allowed: true}
}
