package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/signalnine/driverbench/internal/diagnostic"
	"github.com/signalnine/driverbench/internal/feedback"
	"github.com/signalnine/driverbench/internal/model"
	"github.com/signalnine/driverbench/internal/result"
	"github.com/signalnine/driverbench/internal/score"
	"github.com/signalnine/driverbench/internal/toolchain"
)

// generationAttempts is the number of model calls per iteration before the
// task is given up.
const generationAttempts = 2

// taskRun owns one task's state machine. It is used by a single goroutine.
type taskRun struct {
	task *Task
	d    *Deps
	log  *zap.Logger

	start    time.Time
	prompt   string
	prev     string // source of the previous candidate
	cur      *Iteration
	ws       *toolchain.Workspace
	baseline []diagnostic.Diagnostic
	outcome  score.Status
	failure  string
}

func newTaskRun(t *Task, d *Deps, logger *zap.Logger) *taskRun {
	return &taskRun{
		task: t,
		d:    d,
		log:  logger.With(zap.String("task", t.ID)),
	}
}

// run drives the task from PENDING to DONE. It only returns an error when
// ctx is done before the task finished.
func (r *taskRun) run(ctx context.Context) (*score.Report, error) {
	r.start = time.Now()
	r.task.setStatus(StatusRunning)

	state := StatePending
	for state != StateDone {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, err := r.step(ctx, state)
		if err != nil {
			return nil, err
		}
		r.log.Debug("transition",
			zap.Int("iteration", r.ordinal()),
			zap.Stringer("from", state),
			zap.Stringer("to", next))
		state = next
	}

	r.task.finish(r.outcome, r.failure)
	rep := r.report()
	r.log.Info("task done",
		zap.String("status", string(rep.Status)),
		zap.Int("iterations", rep.Iterations),
		zap.Float64("compile_score", rep.CompileScore),
		zap.Float64("warning_handling_score", rep.WarningHandlingScore),
		zap.Int("resolved", rep.Resolved),
		zap.Int("total", rep.Total))
	return rep, nil
}

func (r *taskRun) step(ctx context.Context, s State) (State, error) {
	switch s {
	case StatePending:
		prompt, err := feedback.InitialPrompt(r.task.Spec, r.d.Style)
		if err != nil {
			return StatePending, err
		}
		r.prompt = prompt
		return StateGenerating, nil
	case StateGenerating:
		return r.generate(ctx)
	case StateCompiling:
		return r.compile(ctx)
	case StateAnalyzing:
		return r.analyze(ctx)
	case StateEvaluating:
		return r.evaluate()
	default:
		return StateDone, fmt.Errorf("unexpected state %s", s)
	}
}

func (r *taskRun) ordinal() int {
	if r.cur != nil {
		return r.cur.Ordinal
	}
	return len(r.task.Iterations())
}

func (r *taskRun) generate(ctx context.Context) (State, error) {
	r.cur = &Iteration{Ordinal: len(r.task.Iterations()) + 1}
	r.ws = nil

	var lastErr error
	for attempt := 1; attempt <= generationAttempts; attempt++ {
		resp, err := r.d.Generator.Generate(ctx, model.Request{
			Prompt:    r.prompt,
			TaskID:    r.task.ID,
			Iteration: r.cur.Ordinal,
		})
		if ctx.Err() != nil {
			return StateGenerating, ctx.Err()
		}
		if err == nil {
			r.cur.PromptTokens += resp.PromptTokens
			r.cur.CompletionTokens += resp.CompletionTokens
			r.cur.Response = resp.Text
			var src string
			src, err = model.ExtractSource(resp.Text)
			if err == nil {
				r.cur.Source = src
				r.d.Metrics.Generation("ok", resp.PromptTokens, resp.CompletionTokens)
				return StateCompiling, nil
			}
			r.d.Metrics.Generation("no_source", resp.PromptTokens, resp.CompletionTokens)
		} else {
			r.d.Metrics.Generation("error", 0, 0)
		}
		lastErr = err
		r.log.Warn("generation attempt failed",
			zap.Int("iteration", r.cur.Ordinal),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	r.cur.GenerationFailed = true
	r.cur.Failure = fmt.Errorf("%w: %w", ErrGenerationFailed, lastErr).Error()
	return StateEvaluating, nil
}

func (r *taskRun) compile(ctx context.Context) (State, error) {
	dir := result.IterationDir(r.d.RunDir, r.task.ID, r.cur.Ordinal)
	ws, err := toolchain.PrepareWorkspace(dir, r.cur.Source, r.d.CompilerPath, r.d.Flags)
	if err != nil {
		r.cur.Compile = &toolchain.Result{ExitCode: -1}
		r.note("workspace: %v", err)
		return StateEvaluating, nil
	}
	r.ws = ws
	r.cur.Compile = r.runTool(ctx, r.d.Compiler)
	if ctx.Err() != nil {
		return StateCompiling, ctx.Err()
	}
	if r.cur.Compile.TimedOut {
		r.note("compiler timed out after %s", r.d.Timeout)
	}
	return StateAnalyzing, nil
}

func (r *taskRun) analyze(ctx context.Context) (State, error) {
	a := r.d.Analyzer
	if a == nil {
		return StateEvaluating, nil
	}
	if a.RequiresCompile && !r.cur.Compile.Succeeded() {
		r.note("analysis skipped: compile failed")
		return StateEvaluating, nil
	}
	res := r.runTool(ctx, *a)
	if ctx.Err() != nil {
		return StateAnalyzing, ctx.Err()
	}
	r.cur.Analyze = res
	r.cur.RawAnalyzerOutput = res.Combined()
	if a.FromFixes {
		raw, err := r.ws.ReadFixes()
		if err != nil {
			r.note("analyzer: %v", err)
		}
		r.cur.RawAnalyzerOutput = raw
	}
	if res.TimedOut {
		r.note("analyzer timed out after %s", r.d.Timeout)
	}
	return StateEvaluating, nil
}

// runTool never fails: a tool that cannot be started is recorded as a failed
// run with exit code -1.
func (r *taskRun) runTool(ctx context.Context, tool toolchain.Tool) *toolchain.Result {
	inv := tool.Invocation(r.ws, r.d.Flags, r.d.Timeout)
	res, err := r.d.Runner.Run(ctx, inv)
	if res == nil {
		res = &toolchain.Result{ExitCode: -1}
	}
	if err != nil && ctx.Err() == nil {
		r.note("%s: %v", tool.Name, err)
		res.ExitCode = -1
	}
	r.d.Metrics.Tool(tool.Name, res.Duration, res.TimedOut)
	r.log.Debug("tool finished",
		zap.Int("iteration", r.cur.Ordinal),
		zap.String("tool", tool.Name),
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
		zap.Duration("duration", res.Duration))
	return res
}

func (r *taskRun) evaluate() (State, error) {
	it := r.cur
	if !it.GenerationFailed && it.Compile != nil {
		r.parseDiagnostics()
	}
	if err := r.task.appendIteration(it); err != nil {
		return StateEvaluating, err
	}
	if it.Ordinal == 1 {
		r.baseline = it.Diagnostics
	}
	unresolved, introduced := r.d.Matcher.Partition(r.baseline, it.Diagnostics)
	r.persist(it, len(unresolved), len(introduced))
	r.d.Metrics.Iteration(it.Compiled())
	for _, d := range it.Diagnostics {
		r.d.Metrics.Diagnostic(string(d.Origin), string(d.Kind))
	}

	r.log.Info("iteration evaluated",
		zap.Int("iteration", it.Ordinal),
		zap.Bool("compiled", it.Compiled()),
		zap.Int("diagnostics", len(it.Diagnostics)),
		zap.Int("unresolved", len(unresolved)),
		zap.Int("introduced", len(introduced)),
		zap.Bool("incomplete", it.Incomplete))
	if r.log.Core().Enabled(zap.DebugLevel) {
		for _, d := range unresolved {
			r.log.Debug("unresolved diagnostic",
				zap.Int("iteration", it.Ordinal),
				zap.Stringer("identity", r.d.Matcher.Identify(d)),
				zap.Stringer("location", d.Location))
		}
	}

	switch {
	case it.GenerationFailed:
		r.outcome, r.failure = score.StatusGenerationFailed, it.Failure
		return StateDone, nil
	case it.Compiled() && !it.Incomplete && len(unresolved) == 0:
		r.outcome = score.StatusCompleted
		return StateDone, nil
	case it.Ordinal >= r.task.Budget:
		r.outcome = score.StatusBudgetExhausted
		return StateDone, nil
	}

	req := feedback.Compose(unresolved, introduced, it.Source, it.Compile, r.d.FeedbackMaxBytes)
	if req.Empty() && it.Analyze != nil {
		raw := it.RawAnalyzerOutput
		if strings.TrimSpace(raw) == "" {
			raw = it.Analyze.Combined()
		}
		req.AttachOutput(toolchain.ToolAnalyzer, raw, it.Analyze.TimedOut, r.d.FeedbackMaxBytes)
	}
	req.Style = r.d.Style
	prompt, err := req.Prompt()
	if err != nil {
		return StateEvaluating, err
	}
	r.prompt = prompt
	r.prev = it.Source
	r.cur = nil
	return StateGenerating, nil
}

func (r *taskRun) parseDiagnostics() {
	it := r.cur
	compiler := diagnostic.Parse(diagnostic.OriginCompiler, it.Compile.Combined(), diagnostic.Options{
		Format: diagnostic.FormatText,
		Source: it.Source,
	})
	r.absorb(&compiler, "compiler")
	if !it.Compile.Succeeded() && !it.Compile.TimedOut && len(compiler.Diagnostics) == 0 {
		r.note("compiler exited %d with no parseable diagnostics", it.Compile.ExitCode)
	}

	if it.Analyze != nil {
		analyzer := diagnostic.Parse(diagnostic.OriginAnalyzer, it.RawAnalyzerOutput, diagnostic.Options{
			Format: r.d.AnalyzerFormat,
			Source: it.Source,
		})
		r.absorb(&analyzer, "analyzer")
		switch {
		case it.Analyze.TimedOut:
			it.AnalyzeFailed = true
		case it.Analyze.ExitCode != 0 && len(analyzer.Diagnostics) == 0:
			it.AnalyzeFailed = true
			r.note("analyzer exited %d with no parseable diagnostics", it.Analyze.ExitCode)
		}
		// Whatever the analyzer would have reported is unknown.
		if it.AnalyzeFailed {
			it.Incomplete = true
		}
	}
}

// absorb appends parsed diagnostics with paths made relative to the
// iteration directory, so prompts do not depend on where the run lives.
func (r *taskRun) absorb(res *diagnostic.Result, tool string) {
	for _, d := range res.Diagnostics {
		if r.ws != nil && filepath.IsAbs(d.Location.File) {
			if rel, err := filepath.Rel(r.ws.Dir, d.Location.File); err == nil {
				d.Location.File = rel
			}
		}
		r.cur.Diagnostics = append(r.cur.Diagnostics, d)
	}
	if res.Incomplete {
		r.cur.Incomplete = true
		for _, n := range res.Notes {
			r.note("%s: %s", tool, n)
		}
	}
}

func (r *taskRun) note(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.cur.Notes = append(r.cur.Notes, msg)
	r.log.Warn(msg, zap.Int("iteration", r.cur.Ordinal))
}

func (r *taskRun) persist(it *Iteration, unresolved, introduced int) {
	rec := &result.IterationRecord{
		Task:             r.task.ID,
		Ordinal:          it.Ordinal,
		GenerationFailed: it.GenerationFailed,
		Failure:          it.Failure,
		Compile:          it.Compile,
		Analyze:          it.Analyze,
		Compiled:         it.Compiled(),
		Counts:           diagnostic.Count(it.Diagnostics),
		AnalyzeFailed:    it.AnalyzeFailed,
		Incomplete:       it.Incomplete,
		Notes:            it.Notes,
		Unresolved:       unresolved,
		Introduced:       introduced,
		Diagnostics:      it.Diagnostics,
		PromptTokens:     it.PromptTokens,
		CompletionTokens: it.CompletionTokens,
	}
	art := result.IterationArtifacts{
		Source:         it.Source,
		PreviousSource: r.prev,
	}
	if it.Compile != nil {
		art.CompileOutput = it.Compile.Combined()
	}
	if it.Analyze != nil {
		art.AnalyzeOutput = it.Analyze.Combined()
	}
	if it.GenerationFailed {
		art.Response = it.Response
	}
	dir := result.IterationDir(r.d.RunDir, r.task.ID, it.Ordinal)
	if err := result.WriteIteration(dir, rec, art); err != nil {
		r.log.Warn("persisting iteration", zap.Int("iteration", it.Ordinal), zap.Error(err))
	}
}

// report scores the finished task. The compile score comes from the last
// iteration. Warning handling uses the last iteration that produced a
// candidate with complete diagnostics, so a final generation failure or lost
// analyzer output never counts as resolving baseline diagnostics.
func (r *taskRun) report() *score.Report {
	its := r.task.Iterations()
	attempts := make([]score.Attempt, len(its))
	for i, it := range its {
		attempts[i] = it.attempt()
	}

	rep := score.ScoreAttempts(r.d.Matcher, attempts)
	rep.TaskID = r.task.ID
	rep.Iterations = len(its)
	rep.Status = r.outcome
	rep.Failure = r.failure
	rep.DurationS = time.Since(r.start).Seconds()
	for _, it := range its {
		rep.PromptTokens += it.PromptTokens
		rep.CompletionTokens += it.CompletionTokens
	}
	if r.d.Cost != nil {
		rep.CostUSD = r.d.Cost(rep.PromptTokens, rep.CompletionTokens)
	}
	return &rep
}
