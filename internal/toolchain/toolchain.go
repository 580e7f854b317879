// Package toolchain runs the compiler and static analyzer against a candidate
// source file and captures what they print.
package toolchain

import (
	"context"
	"strings"
	"time"
)

const (
	ToolCompiler = "compiler"
	ToolAnalyzer = "analyzer"
)

// Invocation is one fully rendered tool command.
type Invocation struct {
	Tool    string
	Command string
	// Dir is the iteration's scratch directory. The command runs inside it.
	Dir     string
	Timeout time.Duration
	Env     map[string]string
}

type Result struct {
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"-"`
	Stderr    string        `json:"-"`
	TimedOut  bool          `json:"timed_out"`
	Duration  time.Duration `json:"duration_ns"`
	Truncated bool          `json:"truncated,omitempty"`
}

// Succeeded reports a clean exit within the time budget.
func (r *Result) Succeeded() bool {
	return r != nil && !r.TimedOut && r.ExitCode == 0
}

// Combined returns stdout followed by stderr. clang prints diagnostics on
// stderr, clang-tidy prints findings on stdout; parsing both covers either.
func (r *Result) Combined() string {
	if r == nil {
		return ""
	}
	switch {
	case r.Stdout == "":
		return r.Stderr
	case r.Stderr == "":
		return r.Stdout
	}
	var b strings.Builder
	b.WriteString(r.Stdout)
	if !strings.HasSuffix(r.Stdout, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString(r.Stderr)
	return b.String()
}

// Runner executes an invocation. A non-nil error means the tool could not be
// run at all or the context was cancelled; a tool that ran and failed is
// reported through Result.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (*Result, error)
}

// Exit code reported for a process killed by its time budget, matching
// coreutils timeout(1).
const ExitTimeout = 124

// Tool binds a command template to how its output is read back.
type Tool struct {
	Name     string
	Template Template
	// FromFixes reads findings from the exported fixes file instead of the
	// tool's output.
	FromFixes bool
	// RequiresCompile skips the tool when the compile step failed.
	RequiresCompile bool
}

func (t Tool) Invocation(ws *Workspace, flags []string, timeout time.Duration) Invocation {
	return Invocation{
		Tool:    t.Name,
		Command: t.Template.Render(ws.Vars(flags)),
		Dir:     ws.Dir,
		Timeout: timeout,
	}
}
