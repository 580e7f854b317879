package result_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/driverbench/internal/diagnostic"
	"github.com/signalnine/driverbench/internal/result"
	"github.com/signalnine/driverbench/internal/score"
	"github.com/signalnine/driverbench/internal/toolchain"
)

func TestCreateRunDir(t *testing.T) {
	base := t.TempDir()
	runDir, runID, err := result.CreateRunDir(base)
	if err != nil {
		t.Fatalf("CreateRunDir: %v", err)
	}
	if _, err := os.Stat(runDir); os.IsNotExist(err) {
		t.Errorf("run directory not created: %s", runDir)
	}
	if !strings.HasSuffix(runDir, runID[:8]) {
		t.Errorf("run dir %q does not carry run id %q", runDir, runID)
	}
	target, err := os.Readlink(filepath.Join(base, "latest"))
	if err != nil {
		t.Fatalf("reading latest symlink: %v", err)
	}
	if target != runDir {
		t.Errorf("latest symlink: got %q, want %q", target, runDir)
	}
}

func TestCreateRunDirTwice(t *testing.T) {
	base := t.TempDir()
	first, _, err := result.CreateRunDir(base)
	require.NoError(t, err)
	second, _, err := result.CreateRunDir(base)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	target, err := os.Readlink(filepath.Join(base, "latest"))
	require.NoError(t, err)
	assert.Equal(t, second, target)
}

func TestIterationDir(t *testing.T) {
	base := t.TempDir()
	dir := result.IterationDir(base, "ldd-basic", 3)
	expected := filepath.Join(base, "tasks", "ldd-basic", "iter-3")
	if dir != expected {
		t.Errorf("got %q, want %q", dir, expected)
	}
}

func TestWriteAndReadIteration(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "iter-2")
	rec := &result.IterationRecord{
		Task:     "ldd-basic",
		Ordinal:  2,
		Compile:  &toolchain.Result{ExitCode: 1},
		Compiled: false,
		Counts:   diagnostic.Counts{Errors: 1},
		Diagnostics: []diagnostic.Diagnostic{{
			Kind: diagnostic.KindError, Origin: diagnostic.OriginCompiler,
			Message: "expected ';'", Location: diagnostic.Location{File: "driver.c", Line: 3, Column: 9},
		}},
		Unresolved: 1,
	}
	err := result.WriteIteration(dir, rec, result.IterationArtifacts{
		Source:         "int a;\nint c;\n",
		PreviousSource: "int a;\nint b;\n",
		CompileOutput:  "driver.c:3:9: error: expected ';'\n",
	})
	require.NoError(t, err)

	got, err := result.ReadIteration(dir)
	require.NoError(t, err)
	assert.Equal(t, rec.Diagnostics, got.Diagnostics)
	assert.Equal(t, 1, got.Compile.ExitCode)

	log, err := os.ReadFile(filepath.Join(dir, "compile.log"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "expected ';'")

	patch, err := os.ReadFile(filepath.Join(dir, "diff.patch"))
	require.NoError(t, err)
	assert.Contains(t, string(patch), "-int b;\n")
	assert.Contains(t, string(patch), "+int c;\n")

	_, err = os.Stat(filepath.Join(dir, "analyze.log"))
	assert.True(t, os.IsNotExist(err), "empty artifacts are not written")
}

func TestReadIterationsOrdersByOrdinal(t *testing.T) {
	runDir := t.TempDir()
	for _, n := range []int{10, 2, 1} {
		rec := &result.IterationRecord{Task: "ldd-basic", Ordinal: n}
		require.NoError(t, result.WriteIteration(result.IterationDir(runDir, "ldd-basic", n), rec, result.IterationArtifacts{}))
	}

	recs, err := result.ReadIterations(runDir, "ldd-basic")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []int{1, 2, 10}, []int{recs[0].Ordinal, recs[1].Ordinal, recs[2].Ordinal})

	none, err := result.ReadIterations(runDir, "absent")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDiff(t *testing.T) {
	got := result.Diff("a\nb\nc\n", "a\nc\nd")
	want := "--- a/driver.c\n+++ b/driver.c\n@@ -1,3 +1,3 @@\n a\n-b\n c\n+d\n\\ No newline at end of file\n"
	assert.Equal(t, want, got)
}

func TestLoadReports(t *testing.T) {
	runDir := t.TempDir()
	for _, r := range []score.Report{
		{TaskID: "zeta", CompileScore: 1, WarningHandlingScore: 0.5, Status: score.StatusCompleted},
		{TaskID: "alpha", CompileScore: 0, WarningHandlingScore: 1, Status: score.StatusBudgetExhausted},
	} {
		r := r
		require.NoError(t, result.WriteReport(result.TaskDir(runDir, r.TaskID), &r))
	}
	// A cancelled task leaves iterations but no report.
	require.NoError(t, os.MkdirAll(result.IterationDir(runDir, "cancelled", 1), 0o755))

	reports, err := result.LoadReports(runDir)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "alpha", reports[0].TaskID)
	assert.Equal(t, score.StatusBudgetExhausted, reports[0].Status)
	assert.Equal(t, "zeta", reports[1].TaskID)
}

func TestWriteAndReadSummary(t *testing.T) {
	runDir := t.TempDir()
	s := &result.RunSummary{
		Run:     result.RunMeta{ID: "abc", Model: "gemini-2.5-flash", Budget: 5, Cancelled: []string{"t9"}},
		Summary: score.Summary{Tasks: 1, Total: 0.75},
		Reports: []score.Report{{TaskID: "t1", CompileScore: 1, WarningHandlingScore: 0.5}},
	}
	require.NoError(t, result.WriteSummary(runDir, s))
	got, err := result.ReadSummary(runDir)
	require.NoError(t, err)
	assert.Equal(t, s.Run.Cancelled, got.Run.Cancelled)
	assert.Equal(t, 0.75, got.Summary.Total)
	assert.Len(t, got.Reports, 1)

	require.NoError(t, result.WriteRunMeta(runDir, &s.Run))
	meta, err := result.ReadRunMeta(runDir)
	require.NoError(t, err)
	assert.Equal(t, "abc", meta.ID)
}

func TestReadSummaryMissing(t *testing.T) {
	_, err := result.ReadSummary(t.TempDir())
	assert.ErrorContains(t, err, "summary.json")
}
