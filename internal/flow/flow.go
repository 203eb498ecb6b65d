package flow

import (
	"fmt"
)

// StepKind tags the closed set of step variants. The UI layer maps kinds
// to screens; this module only cares about how each kind resolves its
// successor.
type StepKind string

const (
	StepIntro       StepKind = "intro"
	StepQuestion    StepKind = "question"
	StepEligibility StepKind = "eligibility"
	StepConsent     StepKind = "consent"
	StepOutcome     StepKind = "outcome"
)

// Condition is one declarative predicate over a collected answer.
// A condition matches when the answer for QuestionID equals Equals, or is
// any member of OneOf. Exactly one of Equals/OneOf is set.
type Condition struct {
	QuestionID string   `yaml:"question"`
	Equals     string   `yaml:"equals,omitempty"`
	OneOf      []string `yaml:"one_of,omitempty"`
}

// BranchRule resolves a step's successor from collected answers: Then when
// every condition matches, Else otherwise.
//
// Evaluation is pure and deterministic: the same answers always resolve to
// the same target, so re-entering a flow after restart with identical
// answers reproduces the same route.
type BranchRule struct {
	Conditions []Condition `yaml:"conditions"`
	Then       string      `yaml:"then"`
	Else       string      `yaml:"else"`
}

// Step is one node of a flow graph. Immutable once constructed.
//
// Successor resolution, exactly one of:
//   - Terminal: no successor, the flow ends here
//   - Next: fixed successor
//   - Branch: successor chosen by BranchRule over collected answers
type Step struct {
	ID       string      `yaml:"id"`
	Kind     StepKind    `yaml:"kind"`
	Title    string      `yaml:"title"`
	Next     string      `yaml:"next,omitempty"`
	Branch   *BranchRule `yaml:"branch,omitempty"`
	Terminal bool        `yaml:"terminal,omitempty"`

	// Questions lists the question ids this step is expected to produce
	// answers for. Informational for fixed-successor steps; for branch
	// steps the branch conditions define what is actually required.
	Questions []string `yaml:"questions,omitempty"`
}

// Flow is a validated step graph: one entry step, one or more terminal
// steps, every step reachable from the entry, no cycles.
//
// Flows are immutable after New; traversals share one Flow value.
type Flow struct {
	id    string
	entry string
	steps map[string]Step
}

// New validates and constructs a Flow.
//
// Validation is exhaustive and fatal: a flow that references unknown
// steps, contains an unreachable step, or admits a cycle must not be
// allowed to run. All such defects return a *ConfigError.
func New(id, entry string, steps []Step) (*Flow, error) {
	if id == "" {
		return nil, &ConfigError{Flow: id, Message: "flow id is empty"}
	}
	if len(steps) == 0 {
		return nil, &ConfigError{Flow: id, Message: "flow has no steps"}
	}

	byID := make(map[string]Step, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return nil, &ConfigError{Flow: id, Message: "step with empty id"}
		}
		if _, dup := byID[s.ID]; dup {
			return nil, &ConfigError{Flow: id, Step: s.ID, Message: "duplicate step id"}
		}
		byID[s.ID] = s
	}

	if _, ok := byID[entry]; !ok {
		return nil, &ConfigError{Flow: id, Step: entry, Message: "entry step not present in flow"}
	}

	terminals := 0
	for _, s := range steps {
		switch {
		case s.Terminal:
			terminals++
			if s.Next != "" || s.Branch != nil {
				return nil, &ConfigError{Flow: id, Step: s.ID, Message: "terminal step declares a successor"}
			}
		case s.Branch != nil:
			if s.Next != "" {
				return nil, &ConfigError{Flow: id, Step: s.ID, Message: "step declares both fixed successor and branch"}
			}
			if s.Branch.Then == "" || s.Branch.Else == "" {
				return nil, &ConfigError{Flow: id, Step: s.ID, Message: "branch must name both then and else targets"}
			}
			if len(s.Branch.Conditions) == 0 {
				return nil, &ConfigError{Flow: id, Step: s.ID, Message: "branch has no conditions"}
			}
			for _, c := range s.Branch.Conditions {
				if c.QuestionID == "" {
					return nil, &ConfigError{Flow: id, Step: s.ID, Message: "branch condition missing question id"}
				}
				if c.Equals == "" && len(c.OneOf) == 0 {
					return nil, &ConfigError{Flow: id, Step: s.ID, Message: "branch condition has no expected value"}
				}
			}
			for _, target := range []string{s.Branch.Then, s.Branch.Else} {
				if _, ok := byID[target]; !ok {
					return nil, &ConfigError{Flow: id, Step: s.ID, Message: fmt.Sprintf("branch target %q not present in flow", target)}
				}
			}
		case s.Next != "":
			if _, ok := byID[s.Next]; !ok {
				return nil, &ConfigError{Flow: id, Step: s.ID, Message: fmt.Sprintf("successor %q not present in flow", s.Next)}
			}
		default:
			return nil, &ConfigError{Flow: id, Step: s.ID, Message: "non-terminal step has no successor"}
		}
	}
	if terminals == 0 {
		return nil, &ConfigError{Flow: id, Message: "flow has no terminal step"}
	}

	f := &Flow{id: id, entry: entry, steps: byID}

	if err := f.checkReachable(); err != nil {
		return nil, err
	}
	if err := f.checkAcyclic(); err != nil {
		return nil, err
	}
	return f, nil
}

// ID returns the flow identifier.
func (f *Flow) ID() string { return f.id }

// Entry returns the entry step.
func (f *Flow) Entry() Step { return f.steps[f.entry] }

// Step returns a step by id.
func (f *Flow) Step(id string) (Step, bool) {
	s, ok := f.steps[id]
	return s, ok
}

// Len returns the number of steps in the flow.
func (f *Flow) Len() int { return len(f.steps) }

// successors returns the ids a step can resolve to.
func successors(s Step) []string {
	switch {
	case s.Terminal:
		return nil
	case s.Branch != nil:
		return []string{s.Branch.Then, s.Branch.Else}
	default:
		return []string{s.Next}
	}
}

// checkReachable verifies every step is reachable from the entry (BFS).
func (f *Flow) checkReachable() error {
	seen := map[string]bool{f.entry: true}
	frontier := []string{f.entry}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		for _, next := range successors(f.steps[id]) {
			if !seen[next] {
				seen[next] = true
				frontier = append(frontier, next)
			}
		}
	}
	for id := range f.steps {
		if !seen[id] {
			return &ConfigError{Flow: f.id, Step: id, Message: "step unreachable from entry"}
		}
	}
	return nil
}

// checkAcyclic verifies no step is its own transitive successor.
// Standard three-color DFS: gray means on the current path.
func (f *Flow) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(f.steps))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, next := range successors(f.steps[id]) {
			switch color[next] {
			case gray:
				return &ConfigError{Flow: f.id, Step: next, Message: "cycle: step is its own transitive successor"}
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	return visit(f.entry)
}
