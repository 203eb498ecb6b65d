package flow

import (
	"fmt"
	"sync"
)

// Output carries the answers a step produced before the traversal moves
// on. Steps without questions advance with a zero Output.
type Output struct {
	Answers map[string]string
}

// Traversal drives one run of a Flow from its entry step to a terminal
// step. State is the current step pointer plus the answers collected so
// far. One traversal per participant run; traversals are not reused.
//
// Thread-safety: all methods serialize under an internal mutex so a UI
// layer may call Current from a different goroutine than Advance.
type Traversal struct {
	flow *Flow

	mu       sync.Mutex
	current  string
	answers  map[string]string
	finished bool
	canceled bool

	onComplete func(terminal Step, answers map[string]string)
	onCancel   func()
}

// TraversalOption configures a Traversal.
type TraversalOption func(*Traversal)

// OnComplete registers a callback invoked once when the traversal reaches
// a terminal step. The callback receives the terminal step and a copy of
// the collected answers (e.g. for retention per study policy).
func OnComplete(fn func(terminal Step, answers map[string]string)) TraversalOption {
	return func(t *Traversal) { t.onComplete = fn }
}

// OnCancel registers a callback invoked when the participant aborts the
// traversal. User-initiated exit is an expected path, not a fault, so it
// is reported through this callback rather than an error.
func OnCancel(fn func()) TraversalOption {
	return func(t *Traversal) { t.onCancel = fn }
}

// NewTraversal starts a traversal at the flow's entry step.
func NewTraversal(f *Flow, opts ...TraversalOption) *Traversal {
	t := &Traversal{
		flow:    f,
		current: f.entry,
		answers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Current returns the step the traversal is presently on. ok is false
// once a terminal step has been reached or the traversal was canceled.
func (t *Traversal) Current() (Step, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return Step{}, false
	}
	s, _ := t.flow.Step(t.current)
	return s, true
}

// Answers returns a copy of the answers collected so far.
func (t *Traversal) Answers() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyAnswers(t.answers)
}

// Advance records the current step's output and moves the pointer to the
// resolved successor. If the successor is terminal the traversal finishes
// and the completion callback fires (with the terminal step entered, so
// outcome steps like an ineligible notice are observable via the callback).
//
// Returns the step the traversal landed on. Fails with
// *UnresolvedBranchError when a branch condition references a question
// that has no recorded answer.
func (t *Traversal) Advance(out Output) (Step, error) {
	t.mu.Lock()

	if t.finished {
		t.mu.Unlock()
		return Step{}, ErrTraversalFinished
	}

	cur, _ := t.flow.Step(t.current)

	// Record answers first so the current step's own branch rule can see
	// them. Answers from steps already advanced past are immutable.
	added := make([]string, 0, len(out.Answers))
	for q, v := range out.Answers {
		if _, exists := t.answers[q]; exists {
			t.rollbackLocked(added)
			t.mu.Unlock()
			return Step{}, fmt.Errorf("answer for question %q already recorded in this run", q)
		}
		t.answers[q] = v
		added = append(added, q)
	}

	if cur.Terminal {
		// Acknowledging a terminal step ends the traversal.
		t.finished = true
		done := t.onComplete
		answers := copyAnswers(t.answers)
		t.mu.Unlock()
		if done != nil {
			done(cur, answers)
		}
		return cur, nil
	}

	nextID, err := t.resolveLocked(cur)
	if err != nil {
		// Unwind this call's answers so a corrected retry is not rejected
		// as a duplicate.
		t.rollbackLocked(added)
		t.mu.Unlock()
		return Step{}, err
	}
	t.current = nextID
	next, _ := t.flow.Step(nextID)
	t.mu.Unlock()
	return next, nil
}

// Cancel aborts the traversal and discards unsaved answers. Safe to call
// more than once; only the first call fires the cancellation callback.
func (t *Traversal) Cancel() {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	t.canceled = true
	t.answers = make(map[string]string)
	fn := t.onCancel
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Canceled reports whether the traversal ended by cancellation.
func (t *Traversal) Canceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceled
}

// rollbackLocked removes answers recorded earlier in the same Advance call.
func (t *Traversal) rollbackLocked(keys []string) {
	for _, k := range keys {
		delete(t.answers, k)
	}
}

// resolveLocked evaluates the current step's resolution rule.
// Branch evaluation is pure: a function of the rule and collected answers
// only, so identical answers always resolve to the same step.
func (t *Traversal) resolveLocked(s Step) (string, error) {
	if s.Branch == nil {
		return s.Next, nil
	}
	for _, c := range s.Branch.Conditions {
		got, ok := t.answers[c.QuestionID]
		if !ok {
			return "", &UnresolvedBranchError{Flow: t.flow.id, Step: s.ID, QuestionID: c.QuestionID}
		}
		if !c.matches(got) {
			return s.Branch.Else, nil
		}
	}
	return s.Branch.Then, nil
}

// matches reports whether an answer value satisfies the condition.
func (c Condition) matches(value string) bool {
	if c.Equals != "" {
		return value == c.Equals
	}
	for _, v := range c.OneOf {
		if value == v {
			return true
		}
	}
	return false
}

func copyAnswers(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
