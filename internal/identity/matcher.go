package identity

import "github.com/signalnine/driverbench/internal/diagnostic"

// Matcher compares diagnostic sets across iterations of one task.
type Matcher struct {
	identify Func
}

func NewMatcher(fn Func) *Matcher {
	if fn == nil {
		fn = Normalized
	}
	return &Matcher{identify: fn}
}

// Identify returns the identity d is compared under.
func (m *Matcher) Identify(d diagnostic.Diagnostic) Identity {
	return m.identify(d)
}

// Distinct returns the identities present in diags, in first-seen order.
func (m *Matcher) Distinct(diags []diagnostic.Diagnostic) []Identity {
	seen := make(map[Identity]bool, len(diags))
	var out []Identity
	for _, d := range diags {
		id := m.Identify(d)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Resolved counts the distinct baseline identities and how many of them no
// longer appear in final.
func (m *Matcher) Resolved(baseline, final []diagnostic.Diagnostic) (resolved, total int) {
	remaining := m.set(final)
	for _, id := range m.Distinct(baseline) {
		total++
		if !remaining[id] {
			resolved++
		}
	}
	return resolved, total
}

// Partition splits current into diagnostics whose identity is part of the
// baseline (unresolved) and those that are new. Both keep source order.
func (m *Matcher) Partition(baseline, current []diagnostic.Diagnostic) (unresolved, introduced []diagnostic.Diagnostic) {
	base := m.set(baseline)
	for _, d := range current {
		if base[m.Identify(d)] {
			unresolved = append(unresolved, d)
		} else {
			introduced = append(introduced, d)
		}
	}
	return unresolved, introduced
}

func (m *Matcher) set(diags []diagnostic.Diagnostic) map[Identity]bool {
	s := make(map[Identity]bool, len(diags))
	for _, d := range diags {
		s[m.Identify(d)] = true
	}
	return s
}

// HandlingScore is resolved/total, defined as 1.0 for an empty baseline.
func HandlingScore(resolved, total int) float64 {
	if total <= 0 {
		return 1.0
	}
	if resolved > total {
		resolved = total
	}
	if resolved < 0 {
		resolved = 0
	}
	return float64(resolved) / float64(total)
}
