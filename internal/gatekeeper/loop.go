package gatekeeper

import "fmt"

// LoopStatus is the state of the gatekeeper retry loop.
type LoopStatus string

const (
	StatusEvaluating     LoopStatus = "evaluating"
	StatusApproved       LoopStatus = "approved"
	StatusRejected       LoopStatus = "rejected" // never produced; exhaustion is reported as StatusRetryExhausted
	StatusRetryExhausted LoopStatus = "retry_exhausted"
)

// IsTerminal reports whether no further evaluation may happen.
func (s LoopStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusRetryExhausted
}

// DefaultMaxIterations is used when no limit is configured.
const DefaultMaxIterations = 3

// LoopState is the per-run loop bookkeeping. The zero value is a fresh run.
type LoopState struct {
	IterationCount int        `json:"iteration_count"`
	Status         LoopStatus `json:"status,omitempty"`
	Score          int        `json:"-"`
	Reason         string     `json:"-"`
}

// Decision tells the caller whether to run the gatekeeper again.
type Decision struct {
	State     LoopStatus `json:"state"`
	Continue  bool       `json:"continue"`
	Iteration int        `json:"iteration"`
	Reason    string     `json:"reason,omitempty"`
	Message   string     `json:"message"`
}

// Loop bounds the number of gatekeeper evaluations in a run.
type Loop struct {
	MaxIterations int
}

// NewLoop returns a loop allowing n evaluations.
func NewLoop(n int) Loop {
	return Loop{MaxIterations: n}
}

func (l Loop) limit() int {
	return max(l.MaxIterations, 1)
}

// Terminal reports whether state has reached a final decision.
func (l Loop) Terminal(state *LoopState) bool {
	return state != nil && state.Status.IsTerminal()
}

// Step records one gatekeeper result. Once a terminal decision was made,
// Step returns it again without touching the state. A nil state is treated
// as a fresh run whose bookkeeping is discarded.
func (l Loop) Step(state *LoopState, r Result) Decision {
	if state == nil {
		state = &LoopState{}
	}
	if l.Terminal(state) {
		return l.decision(state)
	}

	if r.Passed {
		state.Status = StatusApproved
		state.Score = r.Score
		state.Reason = ""
		return l.decision(state)
	}

	state.IterationCount++
	state.Score = r.Score
	state.Reason = r.Reason()
	if state.IterationCount >= l.limit() {
		state.Status = StatusRetryExhausted
	} else {
		state.Status = StatusEvaluating
	}
	return l.decision(state)
}

func (l Loop) decision(state *LoopState) Decision {
	d := Decision{
		State:     state.Status,
		Iteration: state.IterationCount,
	}

	switch state.Status {
	case StatusApproved:
		d.Message = fmt.Sprintf("Gatekeeper APPROVED with score %d. Proceeding to marketing generation.", state.Score)
	case StatusRetryExhausted, StatusRejected:
		d.Reason = state.Reason
		d.Message = fmt.Sprintf("Gatekeeper REJECTED after %d iterations. Reason: %s", state.IterationCount, state.Reason)
	default:
		d.Continue = true
		d.Reason = state.Reason
		d.Message = fmt.Sprintf("Gatekeeper check failed (iteration %d/%d). Retrying...", state.IterationCount, l.limit())
	}
	return d
}
