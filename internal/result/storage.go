package result

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/signalnine/driverbench/internal/score"
)

const (
	metaFile      = "run.json"
	summaryFile   = "summary.json"
	reportFile    = "report.json"
	iterationFile = "iteration.json"
)

// CreateRunDir makes <base>/runs/<stamp>-<id> and points <base>/latest at it.
func CreateRunDir(baseDir string) (runDir, runID string, err error) {
	runID = uuid.NewString()
	stamp := time.Now().UTC().Format("2006-01-02T15-04-05")
	runDir, err = filepath.Abs(filepath.Join(baseDir, "runs", stamp+"-"+runID[:8]))
	if err != nil {
		return "", "", fmt.Errorf("resolving run dir: %w", err)
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating run dir: %w", err)
	}
	latest := filepath.Join(baseDir, "latest")
	os.Remove(latest)
	if err := os.Symlink(runDir, latest); err != nil {
		return "", "", fmt.Errorf("creating latest symlink: %w", err)
	}
	return runDir, runID, nil
}

func TaskDir(runDir, task string) string {
	return filepath.Join(runDir, "tasks", task)
}

func IterationDir(runDir, task string, ordinal int) string {
	return filepath.Join(TaskDir(runDir, task), fmt.Sprintf("iter-%d", ordinal))
}

// IterationArtifacts are the raw files kept next to an iteration record.
type IterationArtifacts struct {
	// Response is the model's raw reply, kept when no source could be
	// extracted from it.
	Response       string
	Source         string
	PreviousSource string
	CompileOutput  string
	AnalyzeOutput  string
}

// WriteIteration stores rec and its artifacts in dir. The candidate source is
// already in dir when the toolchain ran, so it is not rewritten.
func WriteIteration(dir string, rec *IterationRecord, art IterationArtifacts) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating iteration dir: %w", err)
	}
	files := map[string]string{
		"compile.log":  art.CompileOutput,
		"analyze.log":  art.AnalyzeOutput,
		"response.txt": art.Response,
	}
	if art.PreviousSource != "" && art.Source != "" {
		files["diff.patch"] = Diff(art.PreviousSource, art.Source)
	}
	for name, content := range files {
		if content == "" {
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return writeJSON(filepath.Join(dir, iterationFile), rec)
}

func ReadIteration(dir string) (*IterationRecord, error) {
	var rec IterationRecord
	if err := readJSON(filepath.Join(dir, iterationFile), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ReadIterations returns every stored iteration of task in ordinal order.
func ReadIterations(runDir, task string) ([]*IterationRecord, error) {
	dirs, err := filepath.Glob(filepath.Join(TaskDir(runDir, task), "iter-*"))
	if err != nil {
		return nil, fmt.Errorf("listing iterations: %w", err)
	}
	recs := make([]*IterationRecord, 0, len(dirs))
	for _, dir := range dirs {
		rec, err := ReadIteration(dir)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", task, err)
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Ordinal < recs[j].Ordinal })
	return recs, nil
}

// Diff renders a line-level unified diff of two candidates as one hunk.
func Diff(before, after string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var body strings.Builder
	var oldN, newN int
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			body.WriteString(prefix)
			body.WriteString(line)
			if !strings.HasSuffix(line, "\n") {
				body.WriteString("\n\\ No newline at end of file\n")
			}
			switch d.Type {
			case diffmatchpatch.DiffDelete:
				oldN++
			case diffmatchpatch.DiffInsert:
				newN++
			default:
				oldN++
				newN++
			}
		}
	}
	return fmt.Sprintf("--- a/driver.c\n+++ b/driver.c\n@@ -1,%d +1,%d @@\n%s", oldN, newN, body.String())
}

func WriteReport(taskDir string, r *score.Report) error {
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return fmt.Errorf("creating task dir: %w", err)
	}
	return writeJSON(filepath.Join(taskDir, reportFile), r)
}

func ReadReport(path string) (*score.Report, error) {
	var r score.Report
	if err := readJSON(path, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// LoadReports reads every task report under runDir, ordered by task ID.
// Cancelled tasks have no report and are skipped.
func LoadReports(runDir string) ([]score.Report, error) {
	paths, err := filepath.Glob(filepath.Join(runDir, "tasks", "*", reportFile))
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	reports := make([]score.Report, 0, len(paths))
	for _, p := range paths {
		r, err := ReadReport(p)
		if err != nil {
			return nil, err
		}
		reports = append(reports, *r)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].TaskID < reports[j].TaskID })
	return reports, nil
}

func WriteRunMeta(runDir string, meta *RunMeta) error {
	return writeJSON(filepath.Join(runDir, metaFile), meta)
}

func ReadRunMeta(runDir string) (*RunMeta, error) {
	var meta RunMeta
	if err := readJSON(filepath.Join(runDir, metaFile), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func WriteSummary(runDir string, s *RunSummary) error {
	return writeJSON(filepath.Join(runDir, summaryFile), s)
}

func ReadSummary(runDir string) (*RunSummary, error) {
	var s RunSummary
	if err := readJSON(filepath.Join(runDir, summaryFile), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return nil
}
