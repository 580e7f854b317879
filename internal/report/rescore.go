package report

import (
	"fmt"

	"github.com/signalnine/driverbench/internal/identity"
	"github.com/signalnine/driverbench/internal/result"
	"github.com/signalnine/driverbench/internal/score"
)

// Rescore recomputes every stored task report under runDir from its
// iteration records, matching diagnostics with m and combining with w.
// Status, iteration count, duration, tokens and cost are carried over; they
// describe how the run went, not how it is scored.
func Rescore(runDir string, m *identity.Matcher, w score.Weights) (*result.RunSummary, error) {
	reports, err := result.LoadReports(runDir)
	if err != nil {
		return nil, err
	}
	for i := range reports {
		recs, err := result.ReadIterations(runDir, reports[i].TaskID)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			return nil, fmt.Errorf("task %s: no iteration records", reports[i].TaskID)
		}
		reports[i] = rescoreTask(reports[i], recs, m)
	}

	rs := &result.RunSummary{Reports: reports, Summary: score.Aggregate(reports, w)}
	if meta, err := result.ReadRunMeta(runDir); err == nil {
		rs.Run = *meta
		rs.Summary.Cancelled = len(meta.Cancelled)
	}
	return rs, nil
}

func rescoreTask(old score.Report, recs []*result.IterationRecord, m *identity.Matcher) score.Report {
	attempts := make([]score.Attempt, len(recs))
	for i, rec := range recs {
		attempts[i] = score.Attempt{
			Diagnostics: rec.Diagnostics,
			Candidate:   !rec.GenerationFailed,
			Complete:    !rec.Incomplete,
			Compiled:    rec.Compiled,
		}
	}
	rep := score.ScoreAttempts(m, attempts)
	rep.TaskID = old.TaskID
	rep.Iterations = old.Iterations
	rep.Status = old.Status
	rep.Failure = old.Failure
	rep.DurationS = old.DurationS
	rep.PromptTokens = old.PromptTokens
	rep.CompletionTokens = old.CompletionTokens
	rep.CostUSD = old.CostUSD
	return rep
}
