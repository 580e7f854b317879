// Package feedback turns a task's outstanding diagnostics into the prompt for
// the model's next attempt.
package feedback

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/signalnine/driverbench/internal/diagnostic"
	"github.com/signalnine/driverbench/internal/toolchain"
)

// DefaultMaxBytes bounds the raw compiler output carried in a request.
const DefaultMaxBytes = 8 << 10

// Style is the shared context added to every prompt.
type Style struct {
	// Reference is a coding-style guide the model should follow.
	Reference string
	// Author is the name the model should put in the file header.
	Author string
}

// CorrectionRequest is what the model receives after a failed attempt.
type CorrectionRequest struct {
	PreviousSource string                  `json:"previous_source"`
	Unresolved     []diagnostic.Diagnostic `json:"unresolved"`
	Introduced     []diagnostic.Diagnostic `json:"introduced,omitempty"`
	// RawOutput is set only when a tool failed without any parseable
	// diagnostics. Tool names that tool.
	Tool         string `json:"tool,omitempty"`
	RawOutput    string `json:"raw_output,omitempty"`
	RawTruncated bool   `json:"raw_truncated,omitempty"`
	Style        Style  `json:"-"`
}

// Compose builds the correction request for the next iteration. unresolved and
// introduced must already be in source order; Compose does not reorder them.
func Compose(unresolved, introduced []diagnostic.Diagnostic, previousSource string, compile *toolchain.Result, maxBytes int) *CorrectionRequest {
	req := &CorrectionRequest{
		PreviousSource: previousSource,
		Unresolved:     unresolved,
		Introduced:     introduced,
	}
	if req.Empty() && compile != nil && !compile.Succeeded() {
		raw := compile.Stderr
		if strings.TrimSpace(raw) == "" {
			raw = compile.Stdout
		}
		req.AttachOutput(toolchain.ToolCompiler, raw, compile.TimedOut, maxBytes)
	}
	return req
}

// AttachOutput carries a failed tool's raw output, truncated to maxBytes.
func (r *CorrectionRequest) AttachOutput(tool, raw string, timedOut bool, maxBytes int) {
	if strings.TrimSpace(raw) == "" {
		if !timedOut {
			return
		}
		raw = fmt.Sprintf("the %s was killed after exceeding its time limit", tool)
	}
	r.Tool = tool
	r.RawOutput, r.RawTruncated = Truncate(raw, maxBytes)
}

// Empty reports whether the request carries no actionable signal.
func (r *CorrectionRequest) Empty() bool {
	return len(r.Unresolved) == 0 && len(r.Introduced) == 0 && r.RawOutput == ""
}

// Truncate cuts s to at most limit bytes and appends a marker. A non-positive limit
// uses DefaultMaxBytes.
func Truncate(s string, limit int) (string, bool) {
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	if len(s) <= limit {
		return s, false
	}
	n := limit
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + fmt.Sprintf("\n... [output truncated from %d to %d bytes] ...", len(s), n), true
}

var funcs = template.FuncMap{
	"trim": strings.TrimSpace,
}

var initialTmpl = template.Must(template.New("initial").Funcs(funcs).Parse(
	`{{trim .Spec}}

Write the complete driver as a single C source file.
{{- if .Style.Reference}}
Follow this coding style:
{{trim .Style.Reference}}
{{- end}}
{{- if .Style.Author}}
Use "{{.Style.Author}}" as the module author.
{{- end}}
Respond with only the code. Do not wrap it in markdown fences and do not add explanations.
`))

var correctionTmpl = template.Must(template.New("correction").Funcs(funcs).Parse(
	`The following C source was rejected by the toolchain.

<source>
{{trim .PreviousSource}}
</source>
{{if .Unresolved}}
These diagnostics are still reported:
{{range .Unresolved}}- {{.}}
{{end}}{{end}}
{{- if .Introduced}}
These diagnostics are new in this version:
{{range .Introduced}}- {{.}}
{{end}}{{end}}
{{- if .RawOutput}}
The {{.Tool}} failed with this output:
<output>
{{.RawOutput}}
</output>
{{end}}
Fix every problem listed above and return the complete corrected file.
{{- if .Style.Author}}
Keep "{{.Style.Author}}" as the module author.
{{- end}}
Respond with only the code. Do not wrap it in markdown fences and do not add explanations.
`))

// InitialPrompt renders the first request for a task.
func InitialPrompt(spec string, style Style) (string, error) {
	var buf bytes.Buffer
	if err := initialTmpl.Execute(&buf, struct {
		Spec  string
		Style Style
	}{spec, style}); err != nil {
		return "", fmt.Errorf("rendering initial prompt: %w", err)
	}
	return buf.String(), nil
}

// Prompt renders the request for the model.
func (r *CorrectionRequest) Prompt() (string, error) {
	var buf bytes.Buffer
	if err := correctionTmpl.Execute(&buf, r); err != nil {
		return "", fmt.Errorf("rendering correction prompt: %w", err)
	}
	return buf.String(), nil
}
