// Package score turns finished tasks into compile and warning-handling scores
// and combines them into the run total.
package score

import (
	"github.com/signalnine/driverbench/internal/diagnostic"
	"github.com/signalnine/driverbench/internal/identity"
)

type Status string

const (
	StatusCompleted        Status = "completed"
	StatusBudgetExhausted  Status = "budget_exhausted"
	StatusGenerationFailed Status = "generation_failed"
)

type Weights struct {
	Compile         float64 `yaml:"compile" json:"compile"`
	WarningHandling float64 `yaml:"warning_handling" json:"warning_handling"`
}

var DefaultWeights = Weights{Compile: 0.5, WarningHandling: 0.5}

// Normalized returns w scaled to sum to 1. All-zero weights fall back to
// DefaultWeights.
func (w Weights) Normalized() Weights {
	if w.Compile < 0 {
		w.Compile = 0
	}
	if w.WarningHandling < 0 {
		w.WarningHandling = 0
	}
	total := w.Compile + w.WarningHandling
	if total == 0 {
		return DefaultWeights
	}
	return Weights{Compile: w.Compile / total, WarningHandling: w.WarningHandling / total}
}

// Report is the outcome of one task.
type Report struct {
	TaskID               string            `json:"task_id"`
	CompileScore         float64           `json:"compile_score"`
	WarningHandlingScore float64           `json:"warning_handling_score"`
	Resolved             int               `json:"resolved"`
	Total                int               `json:"total"`
	Iterations           int               `json:"iterations"`
	Status               Status            `json:"status"`
	Failure              string            `json:"failure,omitempty"`
	Baseline             diagnostic.Counts `json:"baseline"`
	Final                diagnostic.Counts `json:"final"`
	DurationS            float64           `json:"duration_s"`
	PromptTokens         int               `json:"prompt_tokens"`
	CompletionTokens     int               `json:"completion_tokens"`
	CostUSD              float64           `json:"cost_usd"`
}

// Score fills the score fields of a report from the baseline (iteration 1)
// diagnostics and the last iteration's diagnostics and compile outcome.
func Score(m *identity.Matcher, baseline, final []diagnostic.Diagnostic, lastCompiled bool) Report {
	resolved, total := m.Resolved(baseline, final)
	return Report{
		CompileScore:         CompileScore(lastCompiled),
		WarningHandlingScore: identity.HandlingScore(resolved, total),
		Resolved:             resolved,
		Total:                total,
		Baseline:             diagnostic.Count(baseline),
		Final:                diagnostic.Count(final),
	}
}

// Attempt is the scoring view of one iteration.
type Attempt struct {
	Diagnostics []diagnostic.Diagnostic
	// Candidate is false when the model produced no source.
	Candidate bool
	// Complete is false when some tool output was lost or unparseable, so
	// Diagnostics is only a lower bound.
	Complete bool
	Compiled bool
}

// ScoreAttempts scores a task from its iterations in order. The first
// attempt's diagnostics are the baseline. The compile score comes from the
// last attempt. Warning handling compares the baseline with the last
// candidate whose diagnostics are complete; missing findings are never
// counted as resolved. A task that never produced a candidate scores zero.
func ScoreAttempts(m *identity.Matcher, attempts []Attempt) Report {
	if len(attempts) == 0 {
		return Report{}
	}
	baseline := attempts[0].Diagnostics
	final := baseline
	candidate := false
	for i := len(attempts) - 1; i >= 0; i-- {
		a := attempts[i]
		if !a.Candidate {
			continue
		}
		candidate = true
		if a.Complete {
			final = a.Diagnostics
			break
		}
	}
	r := Score(m, baseline, final, attempts[len(attempts)-1].Compiled)
	if !candidate {
		r.WarningHandlingScore = 0
	}
	return r
}

func CompileScore(compiled bool) float64 {
	if compiled {
		return 1
	}
	return 0
}

// Summary aggregates a run.
type Summary struct {
	Tasks               int     `json:"tasks"`
	Cancelled           int     `json:"cancelled"`
	MeanCompile         float64 `json:"mean_compile_score"`
	MeanWarningHandling float64 `json:"mean_warning_handling_score"`
	Total               float64 `json:"total_score"`
	Weights             Weights `json:"weights"`
	PromptTokens        int     `json:"prompt_tokens"`
	CompletionTokens    int     `json:"completion_tokens"`
	CostUSD             float64 `json:"cost_usd"`
}

// Aggregate averages each score across reports without weighting, then
// combines the means with w. No reports yields zero scores.
func Aggregate(reports []Report, w Weights) Summary {
	w = w.Normalized()
	s := Summary{Tasks: len(reports), Weights: w}
	if len(reports) == 0 {
		return s
	}
	var compile, warn float64
	for _, r := range reports {
		compile += r.CompileScore
		warn += r.WarningHandlingScore
		s.PromptTokens += r.PromptTokens
		s.CompletionTokens += r.CompletionTokens
		s.CostUSD += r.CostUSD
	}
	n := float64(len(reports))
	s.MeanCompile = compile / n
	s.MeanWarningHandling = warn / n
	s.Total = w.Compile*s.MeanCompile + w.WarningHandling*s.MeanWarningHandling
	return s
}
