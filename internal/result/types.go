package result

import (
	"time"

	"github.com/signalnine/driverbench/internal/diagnostic"
	"github.com/signalnine/driverbench/internal/score"
	"github.com/signalnine/driverbench/internal/toolchain"
)

// RunMeta describes one invocation of the engine.
type RunMeta struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Executor   string    `json:"executor"`
	Budget     int       `json:"iteration_budget"`
	Workers    int       `json:"workers"`
	Identity   string    `json:"identity"`
	Tasks      []string  `json:"tasks"`
	Cancelled  []string  `json:"cancelled,omitempty"`
}

// IterationRecord is the persisted form of one attempt.
type IterationRecord struct {
	Task             string                  `json:"task"`
	Ordinal          int                     `json:"iteration"`
	GenerationFailed bool                    `json:"generation_failed,omitempty"`
	Failure          string                  `json:"failure,omitempty"`
	Compile          *toolchain.Result       `json:"compile,omitempty"`
	Analyze          *toolchain.Result       `json:"analyze,omitempty"`
	Compiled         bool                    `json:"compiled"`
	AnalyzeFailed    bool                    `json:"analyze_failed,omitempty"`
	Counts           diagnostic.Counts       `json:"counts"`
	Incomplete       bool                    `json:"diagnostics_incomplete,omitempty"`
	Notes            []string                `json:"notes,omitempty"`
	Unresolved       int                     `json:"unresolved"`
	Introduced       int                     `json:"introduced"`
	Diagnostics      []diagnostic.Diagnostic `json:"diagnostics"`
	PromptTokens     int                     `json:"prompt_tokens,omitempty"`
	CompletionTokens int                     `json:"completion_tokens,omitempty"`
}

// RunSummary is written to summary.json when a run finishes.
type RunSummary struct {
	Run     RunMeta        `json:"run"`
	Summary score.Summary  `json:"summary"`
	Reports []score.Report `json:"reports"`
}
