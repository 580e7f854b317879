// Package report renders a run's task reports and summary.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"text/tabwriter"

	"github.com/signalnine/driverbench/internal/result"
	"github.com/signalnine/driverbench/internal/score"
)

const (
	FormatTable    = "table"
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
)

// Load reads a run's summary.json. A run interrupted before the summary was
// written is rebuilt from its task reports with default weights.
func Load(runDir string) (*result.RunSummary, error) {
	rs, err := result.ReadSummary(runDir)
	if err == nil {
		return rs, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	reports, err := result.LoadReports(runDir)
	if err != nil {
		return nil, err
	}
	rs = &result.RunSummary{Reports: reports, Summary: score.Aggregate(reports, score.DefaultWeights)}
	if meta, err := result.ReadRunMeta(runDir); err == nil {
		rs.Run = *meta
	}
	rs.Summary.Cancelled = len(rs.Run.Tasks) - len(reports)
	if rs.Summary.Cancelled < 0 {
		rs.Summary.Cancelled = 0
	}
	return rs, nil
}

// Generate loads runDir and writes it to w in format.
func Generate(runDir, format string, w io.Writer) error {
	rs, err := Load(runDir)
	if err != nil {
		return err
	}
	return Write(rs, format, w)
}

func Write(rs *result.RunSummary, format string, w io.Writer) error {
	switch format {
	case FormatMarkdown:
		return writeMarkdown(rs, w)
	case FormatJSON:
		return writeJSON(rs, w)
	case FormatTable, "":
		return writeTable(rs, w)
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

func writeTable(rs *result.RunSummary, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATUS\tITERATIONS\tCOMPILE\tWARNINGS\tRESOLVED\tTOKENS\tCOST")
	fmt.Fprintln(tw, strings.Repeat("-", 90))
	for _, r := range rs.Reports {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.0f\t%.3f\t%d/%d\t%d\t$%.4f\n",
			r.TaskID, r.Status, r.Iterations, r.CompileScore, r.WarningHandlingScore,
			r.Resolved, r.Total, r.PromptTokens+r.CompletionTokens, r.CostUSD)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	s := rs.Summary
	fmt.Fprintf(w, "\ntasks: %d scored, %d cancelled\n", s.Tasks, s.Cancelled)
	fmt.Fprintf(w, "mean compile score: %.3f\n", s.MeanCompile)
	fmt.Fprintf(w, "mean warning handling score: %.3f\n", s.MeanWarningHandling)
	fmt.Fprintf(w, "total score: %.3f (weights %.2f/%.2f)\n", s.Total, s.Weights.Compile, s.Weights.WarningHandling)
	_, err := fmt.Fprintf(w, "tokens: %d in, %d out, cost $%.4f\n", s.PromptTokens, s.CompletionTokens, s.CostUSD)
	return err
}

func writeMarkdown(rs *result.RunSummary, w io.Writer) error {
	if rs.Run.ID != "" {
		fmt.Fprintf(w, "## Run %s (%s/%s)\n\n", rs.Run.ID, rs.Run.Provider, rs.Run.Model)
	}
	fmt.Fprintln(w, "| Task | Status | Iterations | Compile | Warnings | Resolved | Tokens | Cost |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|---|---|")
	for _, r := range rs.Reports {
		fmt.Fprintf(w, "| %s | %s | %d | %.0f | %.3f | %d/%d | %d | $%.4f |\n",
			r.TaskID, r.Status, r.Iterations, r.CompileScore, r.WarningHandlingScore,
			r.Resolved, r.Total, r.PromptTokens+r.CompletionTokens, r.CostUSD)
	}
	s := rs.Summary
	fmt.Fprintln(w)
	fmt.Fprintf(w, "**Total score: %.3f** (compile %.3f, warning handling %.3f, %d scored, %d cancelled)\n",
		s.Total, s.MeanCompile, s.MeanWarningHandling, s.Tasks, s.Cancelled)
	return nil
}

func writeJSON(rs *result.RunSummary, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rs)
}
