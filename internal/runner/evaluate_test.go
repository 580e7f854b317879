package runner_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/signalnine/driverbench/internal/diagnostic"
	"github.com/signalnine/driverbench/internal/model/modeltest"
	"github.com/signalnine/driverbench/internal/result"
	"github.com/signalnine/driverbench/internal/runner"
	"github.com/signalnine/driverbench/internal/score"
	"github.com/signalnine/driverbench/internal/toolchain"
)

// fakeToolchain answers tool invocations from the candidate written into the
// iteration directory.
type fakeToolchain struct {
	mu       sync.Mutex
	compile  map[string]*toolchain.Result
	analyze  map[string]*toolchain.Result
	invoked  map[string]int
	fallback *toolchain.Result
}

func newFakeToolchain() *fakeToolchain {
	return &fakeToolchain{
		compile:  map[string]*toolchain.Result{},
		analyze:  map[string]*toolchain.Result{},
		invoked:  map[string]int{},
		fallback: &toolchain.Result{},
	}
}

func (f *fakeToolchain) Run(ctx context.Context, inv toolchain.Invocation) (*toolchain.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(inv.Dir, toolchain.SourceFile))
	if err != nil {
		return nil, err
	}
	src := strings.TrimSpace(string(data))

	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoked[inv.Tool]++
	table := f.compile
	if inv.Tool == toolchain.ToolAnalyzer {
		table = f.analyze
	}
	res, ok := table[src]
	if !ok {
		res = f.fallback
	}
	cp := *res
	return &cp, nil
}

func (f *fakeToolchain) calls(tool string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invoked[tool]
}

func warnings(codes ...string) string {
	var b strings.Builder
	for i, c := range codes {
		fmt.Fprintf(&b, "driver.c:%d:5: warning: problem %s [%s]\n", 10+i, c, c)
	}
	return b.String()
}

func deps(t *testing.T, gen *modeltest.Scripted, tc *fakeToolchain) *runner.Deps {
	t.Helper()
	return &runner.Deps{
		Generator: gen,
		Runner:    tc,
		Compiler: toolchain.Tool{
			Name:     toolchain.ToolCompiler,
			Template: "clang -fsyntax-only {source}",
		},
		Timeout: time.Second,
		Workers: 2,
		RunDir:  t.TempDir(),
	}
}

func reply(texts ...string) []modeltest.Step {
	steps := make([]modeltest.Step, len(texts))
	for i, s := range texts {
		steps[i] = modeltest.Step{Text: s}
	}
	return steps
}

func TestEvaluateCompletesWhenBaselineResolved(t *testing.T) {
	defer goleak.VerifyNone(t)

	tc := newFakeToolchain()
	tc.compile["int v1;"] = &toolchain.Result{Stderr: warnings("A", "B", "C")}
	tc.compile["int v2;"] = &toolchain.Result{Stderr: warnings("A")}
	tc.compile["int v3;"] = &toolchain.Result{}
	gen := modeltest.NewScripted(map[string][]modeltest.Step{
		"ldd": reply("```c\nint v1;\n```", "int v2;", "int v3;"),
	})

	task := runner.NewTask("ldd", "Write a character device driver.", 5)
	out, err := runner.Evaluate(context.Background(), []*runner.Task{task}, deps(t, gen, tc))
	require.NoError(t, err)
	require.Len(t, out.Reports, 1)

	rep := out.Reports[0]
	assert.Equal(t, score.StatusCompleted, rep.Status)
	assert.Equal(t, 3, rep.Iterations)
	assert.Equal(t, 1.0, rep.CompileScore)
	assert.Equal(t, 1.0, rep.WarningHandlingScore)
	assert.Equal(t, 3, rep.Total)
	assert.Equal(t, runner.StatusDone, task.Status())

	// The second prompt carries the unresolved baseline diagnostics in order.
	calls := gen.Calls("ldd")
	require.Len(t, calls, 3)
	assert.Contains(t, calls[0].Prompt, "Write a character device driver.")
	pa := strings.Index(calls[1].Prompt, "problem A")
	pc := strings.Index(calls[1].Prompt, "problem C")
	require.True(t, pa >= 0 && pc > pa, calls[1].Prompt)
	assert.Contains(t, calls[1].Prompt, "driver.c:10:5: warning: problem A [A]")
	assert.Contains(t, calls[1].Prompt, "int v1;")
}

func TestEvaluateNeverExceedsBudget(t *testing.T) {
	tc := newFakeToolchain()
	tc.fallback = &toolchain.Result{Stderr: warnings("A")}
	gen := modeltest.NewScripted(nil)
	gen.Default = reply("int same;")

	tasks := []*runner.Task{
		runner.NewTask("one", "write a driver", 1),
		runner.NewTask("three", "write a driver", 3),
	}
	out, err := runner.Evaluate(context.Background(), tasks, deps(t, gen, tc))
	require.NoError(t, err)
	require.Len(t, out.Reports, 2)
	for i, task := range tasks {
		assert.Len(t, task.Iterations(), task.Budget)
		assert.Equal(t, score.StatusBudgetExhausted, out.Reports[i].Status)
		assert.Equal(t, 0.0, out.Reports[i].WarningHandlingScore)
		// The warning does not stop the compile from succeeding.
		assert.Equal(t, 1.0, out.Reports[i].CompileScore)
	}
	assert.Equal(t, 4, tc.calls(toolchain.ToolCompiler))
}

func TestEvaluateTwoOfThreeResolved(t *testing.T) {
	tc := newFakeToolchain()
	tc.compile["int v1;"] = &toolchain.Result{Stderr: warnings("A", "B", "C")}
	tc.compile["int v2;"] = &toolchain.Result{Stderr: warnings("A", "D")}
	gen := modeltest.NewScripted(map[string][]modeltest.Step{"t": reply("int v1;", "int v2;")})

	out, err := runner.Evaluate(context.Background(), []*runner.Task{runner.NewTask("t", "write a driver", 2)}, deps(t, gen, tc))
	require.NoError(t, err)
	rep := out.Reports[0]
	assert.Equal(t, 2, rep.Resolved)
	assert.Equal(t, 3, rep.Total)
	assert.InDelta(t, 2.0/3.0, rep.WarningHandlingScore, 1e-9)
	assert.Equal(t, diagnostic.Counts{Warnings: 2}, rep.Final)
}

func TestEvaluateCompileScoreFromLastIteration(t *testing.T) {
	tc := newFakeToolchain()
	tc.compile["int good;"] = &toolchain.Result{Stderr: warnings("A")}
	tc.compile["int bad = ;"] = &toolchain.Result{ExitCode: 1, Stderr: "driver.c:1:8: error: expected ';' after top level declarator\n"}
	tc.compile["int fixed;"] = &toolchain.Result{}
	gen := modeltest.NewScripted(map[string][]modeltest.Step{
		"regressed": reply("int good;", "int bad = ;"),
		"recovered": reply("int bad = ;", "int fixed;"),
	})
	tasks := []*runner.Task{runner.NewTask("regressed", "write a driver", 2), runner.NewTask("recovered", "write a driver", 2)}

	out, err := runner.Evaluate(context.Background(), tasks, deps(t, gen, tc))
	require.NoError(t, err)
	require.Len(t, out.Reports, 2)
	assert.Equal(t, 0.0, out.Reports[0].CompileScore)
	assert.Equal(t, 1.0, out.Reports[1].CompileScore)
	assert.Equal(t, score.StatusCompleted, out.Reports[1].Status)
}

func TestEvaluateCompilerTimeoutOnFirstIteration(t *testing.T) {
	tc := newFakeToolchain()
	tc.compile["int slow;"] = &toolchain.Result{ExitCode: toolchain.ExitTimeout, TimedOut: true}
	tc.compile["int quick;"] = &toolchain.Result{}
	gen := modeltest.NewScripted(map[string][]modeltest.Step{"t": reply("int slow;", "int quick;")})

	task := runner.NewTask("t", "write a driver", 3)
	out, err := runner.Evaluate(context.Background(), []*runner.Task{task}, deps(t, gen, tc))
	require.NoError(t, err)

	its := task.Iterations()
	require.Len(t, its, 2)
	assert.True(t, its[0].Compile.TimedOut)
	assert.False(t, its[0].Compiled())
	assert.Contains(t, its[0].Notes[0], "timed out")
	assert.True(t, its[1].Compiled())
	assert.Equal(t, 1.0, out.Reports[0].CompileScore)
	assert.Equal(t, 1.0, out.Reports[0].WarningHandlingScore)

	// The feedback for the timed out compile tells the model what happened.
	assert.Contains(t, gen.Calls("t")[1].Prompt, "time limit")
}

func TestEvaluateGenerationRetriedOnce(t *testing.T) {
	tc := newFakeToolchain()
	gen := modeltest.NewScripted(map[string][]modeltest.Step{
		"t": {{Err: errors.New("upstream 500")}, {Text: "int ok;"}},
	})
	task := runner.NewTask("t", "write a driver", 3)
	out, err := runner.Evaluate(context.Background(), []*runner.Task{task}, deps(t, gen, tc))
	require.NoError(t, err)
	assert.Len(t, gen.Calls("t"), 2)
	assert.Len(t, task.Iterations(), 1)
	assert.Equal(t, score.StatusCompleted, out.Reports[0].Status)
}

func TestEvaluateGenerationFailure(t *testing.T) {
	tc := newFakeToolchain()
	gen := modeltest.NewScripted(map[string][]modeltest.Step{
		"t": reply("I'm sorry, I can't help with that"),
	})
	task := runner.NewTask("t", "write a driver", 5)
	out, err := runner.Evaluate(context.Background(), []*runner.Task{task}, deps(t, gen, tc))
	require.NoError(t, err)

	require.Len(t, out.Reports, 1)
	rep := out.Reports[0]
	assert.Equal(t, score.StatusGenerationFailed, rep.Status)
	assert.Contains(t, rep.Failure, runner.ErrGenerationFailed.Error())
	assert.Equal(t, 0.0, rep.CompileScore)
	// No candidate ever existed, so nothing was handled.
	assert.Equal(t, 0.0, rep.WarningHandlingScore)
	assert.Equal(t, 0, rep.Total)
	assert.Equal(t, 1, rep.Iterations)
	assert.Len(t, gen.Calls("t"), 2)
	assert.True(t, task.Iterations()[0].GenerationFailed)
	assert.Zero(t, tc.calls(toolchain.ToolCompiler), "no compiler invocation for a failed generation")
}

func TestEvaluateGenerationFailureLaterKeepsLastCandidate(t *testing.T) {
	tc := newFakeToolchain()
	tc.compile["int v1;"] = &toolchain.Result{Stderr: warnings("A", "B")}
	tc.compile["int v2;"] = &toolchain.Result{Stderr: warnings("A")}
	gen := modeltest.NewScripted(map[string][]modeltest.Step{
		"t": {{Text: "int v1;"}, {Text: "int v2;"}, {Err: errors.New("boom")}},
	})
	task := runner.NewTask("t", "write a driver", 5)
	out, err := runner.Evaluate(context.Background(), []*runner.Task{task}, deps(t, gen, tc))
	require.NoError(t, err)
	rep := out.Reports[0]
	assert.Equal(t, score.StatusGenerationFailed, rep.Status)
	assert.Equal(t, 3, rep.Iterations)
	assert.Equal(t, 0.0, rep.CompileScore)
	assert.InDelta(t, 0.5, rep.WarningHandlingScore, 1e-9)
}

func TestEvaluateAnalyzerSkippedWhenCompileRequired(t *testing.T) {
	tc := newFakeToolchain()
	tc.compile["int bad = ;"] = &toolchain.Result{ExitCode: 1, Stderr: "driver.c:1:8: error: expected ';'\n"}
	tc.analyze["int good;"] = &toolchain.Result{Stdout: `[{"check":"misc-unused","message":"unused 'good'","file":"driver.c","line":1,"column":5}]`}
	gen := modeltest.NewScripted(map[string][]modeltest.Step{"t": reply("int bad = ;", "int good;")})

	d := deps(t, gen, tc)
	d.Analyzer = &toolchain.Tool{Name: toolchain.ToolAnalyzer, Template: "tidy {source}", RequiresCompile: true}
	d.AnalyzerFormat = diagnostic.FormatJSON

	task := runner.NewTask("t", "write a driver", 2)
	out, err := runner.Evaluate(context.Background(), []*runner.Task{task}, d)
	require.NoError(t, err)

	its := task.Iterations()
	require.Len(t, its, 2)
	assert.Nil(t, its[0].Analyze)
	require.NotNil(t, its[1].Analyze)
	require.Len(t, its[1].Diagnostics, 1)
	assert.Equal(t, diagnostic.OriginAnalyzer, its[1].Diagnostics[0].Origin)
	assert.Equal(t, 1, tc.calls(toolchain.ToolAnalyzer))
	// The analyzer finding is new relative to the compiler-only baseline, so
	// it neither lowers the score nor keeps the task going.
	assert.Equal(t, 1.0, out.Reports[0].WarningHandlingScore)
	assert.Equal(t, score.StatusCompleted, out.Reports[0].Status)
}

func TestEvaluateToolCrashIsNoted(t *testing.T) {
	tc := newFakeToolchain()
	tc.compile["int v1;"] = &toolchain.Result{ExitCode: 139, Stderr: "Segmentation fault\n"}
	gen := modeltest.NewScripted(map[string][]modeltest.Step{"t": reply("int v1;")})

	task := runner.NewTask("t", "write a driver", 1)
	_, err := runner.Evaluate(context.Background(), []*runner.Task{task}, deps(t, gen, tc))
	require.NoError(t, err)
	it := task.Iterations()[0]
	assert.Empty(t, it.Diagnostics)
	assert.False(t, it.Compiled())
	assert.Contains(t, strings.Join(it.Notes, "\n"), "no parseable diagnostics")
}

func TestEvaluateAnalyzerFailureIsNotACleanRun(t *testing.T) {
	tests := []struct {
		name    string
		analyze *toolchain.Result
		note    string
	}{
		{
			name:    "timeout",
			analyze: &toolchain.Result{ExitCode: toolchain.ExitTimeout, TimedOut: true},
			note:    "timed out",
		},
		{
			name:    "crash",
			analyze: &toolchain.Result{ExitCode: 139, Stderr: "Segmentation fault\n"},
			note:    "analyzer exited 139 with no parseable diagnostics",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := newFakeToolchain()
			tc.analyze["int v1;"] = &toolchain.Result{ExitCode: 1, Stdout: warnings("A", "B")}
			tc.analyze["int v2;"] = tt.analyze
			gen := modeltest.NewScripted(map[string][]modeltest.Step{"t": reply("int v1;", "int v2;")})

			d := deps(t, gen, tc)
			d.Analyzer = &toolchain.Tool{Name: toolchain.ToolAnalyzer, Template: "tidy {source}"}
			d.AnalyzerFormat = diagnostic.FormatText

			task := runner.NewTask("t", "write a driver", 2)
			out, err := runner.Evaluate(context.Background(), []*runner.Task{task}, d)
			require.NoError(t, err)

			its := task.Iterations()
			require.Len(t, its, 2)
			assert.True(t, its[0].Compiled())
			assert.Len(t, its[0].Diagnostics, 2)
			assert.True(t, its[1].AnalyzeFailed)
			assert.True(t, its[1].Incomplete)
			assert.False(t, its[1].Compiled())
			assert.Contains(t, strings.Join(its[1].Notes, "\n"), tt.note)

			rep := out.Reports[0]
			assert.Equal(t, score.StatusBudgetExhausted, rep.Status)
			assert.Equal(t, 0.0, rep.CompileScore)
			assert.Equal(t, 0, rep.Resolved)
			assert.Equal(t, 2, rep.Total)
			assert.Equal(t, 0.0, rep.WarningHandlingScore)

			rec, err := result.ReadIteration(result.IterationDir(d.RunDir, "t", 2))
			require.NoError(t, err)
			assert.True(t, rec.AnalyzeFailed)
			assert.False(t, rec.Compiled)
		})
	}
}

func TestEvaluateAnalyzerTimeoutIsFedBack(t *testing.T) {
	tc := newFakeToolchain()
	tc.analyze["int v1;"] = &toolchain.Result{ExitCode: 1, Stdout: warnings("A")}
	tc.analyze["int v2;"] = &toolchain.Result{ExitCode: toolchain.ExitTimeout, TimedOut: true}
	gen := modeltest.NewScripted(map[string][]modeltest.Step{"t": reply("int v1;", "int v2;", "int v3;")})

	d := deps(t, gen, tc)
	d.Analyzer = &toolchain.Tool{Name: toolchain.ToolAnalyzer, Template: "tidy {source}"}

	out, err := runner.Evaluate(context.Background(), []*runner.Task{runner.NewTask("t", "write a driver", 3)}, d)
	require.NoError(t, err)
	rep := out.Reports[0]
	assert.Equal(t, score.StatusCompleted, rep.Status)
	assert.Equal(t, 3, rep.Iterations)
	assert.Equal(t, 1.0, rep.CompileScore)
	assert.Equal(t, 1.0, rep.WarningHandlingScore)

	calls := gen.Calls("t")
	require.Len(t, calls, 3)
	assert.Contains(t, calls[2].Prompt, "The analyzer failed with this output:")
	assert.Contains(t, calls[2].Prompt, "time limit")
}

func TestEvaluateTruncatedFixesNeverComplete(t *testing.T) {
	tc := newFakeToolchain()
	tc.analyze["int v1;"] = &toolchain.Result{Stdout: `{"MainSourceFile": "driver.c", "Diagnostics": [` +
		`{"DiagnosticName": "misc-a", "Level": "Warning", ` +
		`"DiagnosticMessage": {"Message": "problem a", "FilePath": "driver.c", "FileOffset": 4}}]}`}
	tc.analyze["int v2;"] = &toolchain.Result{Stdout: `{"Diagnostics": [{"DiagnosticName": "mi`}
	gen := modeltest.NewScripted(map[string][]modeltest.Step{"t": reply("int v1;", "int v2;")})

	d := deps(t, gen, tc)
	d.Analyzer = &toolchain.Tool{Name: toolchain.ToolAnalyzer, Template: "tidy {source}"}
	d.AnalyzerFormat = diagnostic.FormatFixes

	task := runner.NewTask("t", "write a driver", 2)
	out, err := runner.Evaluate(context.Background(), []*runner.Task{task}, d)
	require.NoError(t, err)

	its := task.Iterations()
	require.Len(t, its, 2)
	require.Len(t, its[0].Diagnostics, 1)
	assert.Equal(t, "misc-a", its[0].Diagnostics[0].Code)
	assert.True(t, its[1].Incomplete)
	assert.False(t, its[1].AnalyzeFailed)
	assert.Empty(t, its[1].Diagnostics)

	rep := out.Reports[0]
	assert.Equal(t, score.StatusBudgetExhausted, rep.Status)
	assert.Equal(t, 1.0, rep.CompileScore)
	assert.Equal(t, 0, rep.Resolved)
	assert.Equal(t, 1, rep.Total)
	assert.Equal(t, 0.0, rep.WarningHandlingScore)
}

func TestEvaluatePersistsArtifacts(t *testing.T) {
	tc := newFakeToolchain()
	tc.compile["int v1;"] = &toolchain.Result{Stderr: warnings("A")}
	tc.compile["int v2;"] = &toolchain.Result{}
	gen := modeltest.NewScripted(map[string][]modeltest.Step{"t": reply("int v1;", "int v2;")})
	d := deps(t, gen, tc)

	_, err := runner.Evaluate(context.Background(), []*runner.Task{runner.NewTask("t", "write a driver", 3)}, d)
	require.NoError(t, err)

	rec, err := result.ReadIteration(result.IterationDir(d.RunDir, "t", 1))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Unresolved)
	assert.Equal(t, "driver.c", rec.Diagnostics[0].Location.File)

	_, err = os.Stat(filepath.Join(result.IterationDir(d.RunDir, "t", 2), "diff.patch"))
	assert.NoError(t, err)

	reports, err := result.LoadReports(d.RunDir)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "t", reports[0].TaskID)
}

func TestEvaluateCancellationKeepsFinishedReports(t *testing.T) {
	defer goleak.VerifyNone(t)

	tc := newFakeToolchain()
	scripts := map[string][]modeltest.Step{}
	var tasks []*runner.Task
	for i := 0; i < 10; i++ {
		task := runner.NewTask(fmt.Sprintf("task-%02d", i), "write a driver", 3)
		tasks = append(tasks, task)
		if i < 5 {
			scripts[task.ID] = reply("int done;")
		} else {
			scripts[task.ID] = []modeltest.Step{{Block: true}}
		}
	}
	gen := modeltest.NewScripted(scripts)

	d := deps(t, gen, tc)
	d.Workers = 10
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for {
			done := 0
			for _, task := range tasks {
				if task.Status() == runner.StatusDone {
					done++
				}
			}
			if done == 5 {
				cancel()
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	out, err := runner.Evaluate(ctx, tasks, d)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, out)
	require.Len(t, out.Reports, 5)
	assert.Len(t, out.Cancelled, 5)
	for i, rep := range out.Reports {
		assert.Equal(t, tasks[i].ID, rep.TaskID)
		assert.Equal(t, score.StatusCompleted, rep.Status)
	}
	for _, task := range tasks[5:] {
		assert.Equal(t, runner.StatusCancelled, task.Status())
		_, err := os.Stat(filepath.Join(result.TaskDir(d.RunDir, task.ID), "report.json"))
		assert.True(t, os.IsNotExist(err))
	}
	assert.Equal(t, 5, out.Summary.Tasks)
	assert.Equal(t, 5, out.Summary.Cancelled)
}

func TestEvaluateRejectsDuplicateIDs(t *testing.T) {
	tc := newFakeToolchain()
	gen := modeltest.NewScripted(nil)
	_, err := runner.Evaluate(context.Background(),
		[]*runner.Task{runner.NewTask("x", "a", 1), runner.NewTask("x", "b", 1)}, deps(t, gen, tc))
	assert.ErrorContains(t, err, "duplicate task id")
}

func TestEvaluateRequiresDeps(t *testing.T) {
	_, err := runner.Evaluate(context.Background(), nil, &runner.Deps{})
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "generating", runner.StateGenerating.String())
	assert.Equal(t, "done", runner.StateDone.String())
}
