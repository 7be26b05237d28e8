package feedback

import (
	"sort"
	"sync"
	"time"
)

// Outcome is the aggregated state of one directive.
type Outcome struct {
	DirectiveKey string
	Status       Status
	// Errors of the failed nodes, keyed by node id.
	Errors    map[string]string
	UpdatedAt time.Time
}

type nodeState struct {
	status Status
	err    string
}

type directiveState struct {
	nodes     map[string]nodeState
	updatedAt time.Time
}

// Aggregator folds the directive feedbacks of every node into one Outcome per directive.
//
// Per node, a terminal status is never reverted by a non-terminal one, whatever the
// arrival order, and the last terminal feedback observed wins. Across nodes, the
// directive is FAILED when a node failed, COMPLETED when every reporting node completed
// and IN_PROGRESS otherwise. Duplicates are harmless.
type Aggregator struct {
	mu         sync.RWMutex
	directives map[string]*directiveState
	now        func() time.Time
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		directives: make(map[string]*directiveState),
		now:        time.Now,
	}
}

// Observe applies f and reports whether the aggregated status of its directive changed.
func (a *Aggregator) Observe(f *DirectiveFeedback) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.directives[f.DirectiveKey]
	if !ok {
		state = &directiveState{nodes: make(map[string]nodeState)}
		a.directives[f.DirectiveKey] = state
	}
	before, known := state.status(), ok

	current, seen := state.nodes[f.NodeID]
	if seen && current.status.IsDone() && !f.Status.IsDone() {
		return false
	}
	state.nodes[f.NodeID] = nodeState{status: f.Status, err: f.Error}
	state.updatedAt = a.now()

	return !known || state.status() != before
}

func (s *directiveState) status() Status {
	if len(s.nodes) == 0 {
		return StatusInProgress
	}
	done := true
	for _, n := range s.nodes {
		if n.status == StatusFailed {
			return StatusFailed
		}
		if !n.status.IsDone() {
			done = false
		}
	}
	if done {
		return StatusCompleted
	}
	return StatusInProgress
}

// Status returns the aggregated status of a directive and whether any feedback was observed.
func (a *Aggregator) Status(directiveKey string) (Status, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	state, ok := a.directives[directiveKey]
	if !ok {
		return "", false
	}
	return state.status(), true
}

// Outcome returns the aggregated state of a directive.
func (a *Aggregator) Outcome(directiveKey string) (Outcome, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	state, ok := a.directives[directiveKey]
	if !ok {
		return Outcome{}, false
	}
	return state.outcome(directiveKey), true
}

func (s *directiveState) outcome(key string) Outcome {
	o := Outcome{DirectiveKey: key, Status: s.status(), UpdatedAt: s.updatedAt}
	for node, n := range s.nodes {
		if n.status == StatusFailed {
			if o.Errors == nil {
				o.Errors = make(map[string]string)
			}
			o.Errors[node] = n.err
		}
	}
	return o
}

// Failures returns the outcomes of the failed directives, sorted by directive key.
func (a *Aggregator) Failures() []Outcome {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var failures []Outcome
	for key, state := range a.directives {
		if state.status() == StatusFailed {
			failures = append(failures, state.outcome(key))
		}
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].DirectiveKey < failures[j].DirectiveKey })
	return failures
}

// Pending returns the keys of the directives without a terminal aggregated status, sorted.
func (a *Aggregator) Pending() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var pending []string
	for key, state := range a.directives {
		if !state.status().IsDone() {
			pending = append(pending, key)
		}
	}
	sort.Strings(pending)
	return pending
}
