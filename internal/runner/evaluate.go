package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/signalnine/driverbench/internal/diagnostic"
	"github.com/signalnine/driverbench/internal/feedback"
	"github.com/signalnine/driverbench/internal/identity"
	"github.com/signalnine/driverbench/internal/metrics"
	"github.com/signalnine/driverbench/internal/model"
	"github.com/signalnine/driverbench/internal/result"
	"github.com/signalnine/driverbench/internal/score"
	"github.com/signalnine/driverbench/internal/toolchain"
)

// Deps is everything Evaluate needs besides the tasks.
type Deps struct {
	Generator model.Generator
	Runner    toolchain.Runner

	Compiler toolchain.Tool
	// Analyzer is optional.
	Analyzer       *toolchain.Tool
	AnalyzerFormat diagnostic.Format
	// CompilerPath goes into the compilation database.
	CompilerPath string
	Flags        []string
	Timeout      time.Duration

	Matcher          *identity.Matcher
	Style            feedback.Style
	FeedbackMaxBytes int
	Workers          int
	Weights          score.Weights

	// RunDir holds per-task scratch directories and artifacts.
	RunDir string
	// Cost prices token usage. Nil means free.
	Cost    func(promptTokens, completionTokens int) float64
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func (d *Deps) validate() error {
	switch {
	case d.Generator == nil:
		return errors.New("no model generator configured")
	case d.Runner == nil:
		return errors.New("no toolchain runner configured")
	case d.Compiler.Template == "":
		return errors.New("no compiler command configured")
	case d.RunDir == "":
		return errors.New("no run directory configured")
	}
	return nil
}

// Outcome is the result of one Evaluate call. Reports holds exactly one
// entry per task that reached DONE, in task order; Cancelled lists the rest.
type Outcome struct {
	Reports   []score.Report
	Cancelled []string
	Summary   score.Summary
}

// Evaluate runs every task to DONE on a fixed-size worker pool and scores it.
// When ctx is cancelled, in-flight model calls and tool processes are
// abandoned, unfinished tasks are marked cancelled and the partial outcome is
// returned together with ctx's error.
func Evaluate(ctx context.Context, tasks []*Task, deps *Deps) (*Outcome, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Matcher == nil {
		deps.Matcher = identity.NewMatcher(nil)
	}
	logger := deps.Logger.Named("runner")

	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if seen[t.ID] {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
	}

	var (
		mu      sync.Mutex
		reports = make(map[string]score.Report, len(tasks))
	)
	jobs := make([]Job, len(tasks))
	for i, t := range tasks {
		jobs[i] = func(ctx context.Context) error {
			deps.Metrics.TaskStarted()
			rep, err := newTaskRun(t, deps, logger).run(ctx)
			if err != nil {
				t.setStatus(StatusCancelled)
				deps.Metrics.TaskFinished(string(StatusCancelled), 0, 0)
				return fmt.Errorf("task %s: %w", t.ID, err)
			}
			if err := result.WriteReport(result.TaskDir(deps.RunDir, t.ID), rep); err != nil {
				logger.Warn("writing task report", zap.String("task", t.ID), zap.Error(err))
			}
			deps.Metrics.TaskFinished(string(rep.Status), rep.CompileScore, rep.WarningHandlingScore)

			mu.Lock()
			reports[t.ID] = *rep
			mu.Unlock()
			return nil
		}
	}

	errs := RunPool(ctx, deps.Workers, jobs)
	for _, err := range errs {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			logger.Error("task aborted", zap.Error(err))
		}
	}

	out := &Outcome{}
	for _, t := range tasks {
		if rep, ok := reports[t.ID]; ok {
			out.Reports = append(out.Reports, rep)
			continue
		}
		t.setStatus(StatusCancelled)
		out.Cancelled = append(out.Cancelled, t.ID)
	}
	out.Summary = score.Aggregate(out.Reports, deps.Weights)
	out.Summary.Cancelled = len(out.Cancelled)

	logger.Info("evaluation finished",
		zap.Int("tasks", len(tasks)),
		zap.Int("scored", len(out.Reports)),
		zap.Int("cancelled", len(out.Cancelled)),
		zap.Float64("total_score", out.Summary.Total))

	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}
