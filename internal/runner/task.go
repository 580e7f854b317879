package runner

import (
	"errors"
	"fmt"
	"sync"

	"github.com/signalnine/driverbench/internal/diagnostic"
	"github.com/signalnine/driverbench/internal/score"
	"github.com/signalnine/driverbench/internal/toolchain"
)

// ErrGenerationFailed marks an iteration for which the model produced no
// usable source after a retry.
var ErrGenerationFailed = errors.New("generation failed")

// State is a position in a task's iteration state machine.
type State int

const (
	StatePending State = iota
	StateGenerating
	StateCompiling
	StateAnalyzing
	StateEvaluating
	StateDone
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateGenerating:
		return "generating"
	case StateCompiling:
		return "compiling"
	case StateAnalyzing:
		return "analyzing"
	case StateEvaluating:
		return "evaluating"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusCancelled Status = "cancelled"
)

// Task is one evaluation unit. Its spec never changes after NewTask; its
// iteration history only grows.
type Task struct {
	ID     string
	Spec   string
	Budget int

	mu         sync.Mutex
	iterations []*Iteration
	status     Status
	outcome    score.Status
	failure    string
}

func NewTask(id, spec string, budget int) *Task {
	if budget < 1 {
		budget = 1
	}
	return &Task{ID: id, Spec: spec, Budget: budget, status: StatusPending}
}

// Iterations returns a snapshot of the history in ordinal order.
func (t *Task) Iterations() []*Iteration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Iteration(nil), t.iterations...)
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Outcome is the terminal status of a finished task, empty otherwise.
func (t *Task) Outcome() (score.Status, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome, t.failure
}

func (t *Task) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *Task) finish(outcome score.Status, failure string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusDone
	t.outcome = outcome
	t.failure = failure
}

// appendIteration enforces ordinal order and the budget cap.
func (t *Task) appendIteration(it *Iteration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if want := len(t.iterations) + 1; it.Ordinal != want {
		return fmt.Errorf("task %s: iteration %d appended out of order, want %d", t.ID, it.Ordinal, want)
	}
	if len(t.iterations) >= t.Budget {
		return fmt.Errorf("task %s: iteration budget %d exhausted", t.ID, t.Budget)
	}
	t.iterations = append(t.iterations, it)
	return nil
}

// Iteration is one generate-compile-analyze pass. It is not modified after
// it is appended to its task.
type Iteration struct {
	Ordinal  int
	Source   string
	Response string

	Compile           *toolchain.Result
	Analyze           *toolchain.Result // nil when analysis was skipped
	RawAnalyzerOutput string
	// AnalyzeFailed is set when the analyzer timed out, or exited nonzero
	// without any parseable finding.
	AnalyzeFailed bool

	Diagnostics []diagnostic.Diagnostic
	// Incomplete is set when some tool output could not be parsed; the
	// diagnostic set is then a lower bound.
	Incomplete bool
	Notes      []string

	GenerationFailed bool
	Failure          string

	PromptTokens     int
	CompletionTokens int
}

// Compiled reports whether the candidate got through the toolchain: it
// compiled within its time budget and the analyzer, if it ran, did not fail.
// An iteration without a candidate never compiled.
func (it *Iteration) Compiled() bool {
	return !it.GenerationFailed && !it.AnalyzeFailed && it.Compile.Succeeded()
}

func (it *Iteration) attempt() score.Attempt {
	return score.Attempt{
		Diagnostics: it.Diagnostics,
		Candidate:   !it.GenerationFailed,
		Complete:    !it.Incomplete,
		Compiled:    it.Compiled(),
	}
}
