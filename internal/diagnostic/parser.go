package diagnostic

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

// Format selects how raw tool output is decoded.
type Format string

const (
	// FormatText is the `file:line:col: severity: message [flag]` shape that
	// both clang and clang-tidy print.
	FormatText Format = "text"
	// FormatFixes is a clang-tidy --export-fixes document (YAML, or the same
	// schema serialized as JSON).
	FormatFixes Format = "fixes"
	// FormatJSON is a flat array of finding records.
	FormatJSON Format = "json"
)

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatText:
		return FormatText, nil
	case FormatFixes, "yaml":
		return FormatFixes, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown diagnostic format %q", s)
}

type Options struct {
	Format Format
	// Source is the candidate text the tool ran against. The fixes format
	// reports byte offsets and needs it to recover line and column.
	Source string
}

// Result holds the diagnostics of one tool run in source order. Incomplete is
// set when part of the raw output could not be decoded.
type Result struct {
	Diagnostics []Diagnostic
	Incomplete  bool
	Notes       []string
}

func (r *Result) anomaly(format string, args ...any) {
	r.Incomplete = true
	r.Notes = append(r.Notes, fmt.Sprintf(format, args...))
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	diagLine = regexp.MustCompile(`^(.+?):(\d+):(?:(\d+):)?\s+(fatal error|error|warning|note|remark):\s+(.*)$`)
	// Anything that starts like a located diagnostic but failed diagLine was
	// cut off or mangled.
	locatedPrefix = regexp.MustCompile(`^[^\s:]+:\d+:`)
	flagSuffix    = regexp.MustCompile(`\s+\[([^\[\]]+)\]$`)
)

// Parse turns raw tool output into diagnostics. It never reorders or
// deduplicates.
func Parse(origin Origin, raw string, opts Options) Result {
	switch opts.Format {
	case FormatFixes:
		return parseFixes(origin, raw, opts.Source)
	case FormatJSON:
		return parseJSON(origin, raw)
	default:
		return parseText(origin, raw)
	}
}

func parseText(origin Origin, raw string) Result {
	var res Result
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		m := diagLine.FindStringSubmatch(line)
		if m == nil {
			if locatedPrefix.MatchString(line) && !strings.HasSuffix(line, ":") {
				res.anomaly("unrecognized diagnostic line: %q", truncate(line, 120))
			}
			continue
		}
		var kind Kind
		switch m[4] {
		case "error", "fatal error":
			kind = KindError
		case "warning":
			kind = KindWarning
		default:
			continue
		}
		lineNo, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		msg, code := splitFlag(m[5])
		res.Diagnostics = append(res.Diagnostics, Diagnostic{
			Kind:     kind,
			Origin:   origin,
			Code:     code,
			Message:  msg,
			Location: Location{File: m[1], Line: lineNo, Column: col},
		})
	}
	return res
}

// splitFlag separates a trailing "[flag,...]" from the message and picks the
// flag that names the check.
func splitFlag(msg string) (string, string) {
	msg = strings.TrimSpace(msg)
	m := flagSuffix.FindStringSubmatchIndex(msg)
	if m == nil {
		return msg, ""
	}
	flags := strings.Split(msg[m[2]:m[3]], ",")
	code := ""
	for _, f := range flags {
		f = strings.TrimSpace(f)
		if f == "" || f == "-Werror" || f == "-warnings-as-errors" {
			continue
		}
		code = f
		break
	}
	return strings.TrimSpace(msg[:m[0]]), code
}

type fixesMessage struct {
	Message    string `yaml:"Message"`
	FilePath   string `yaml:"FilePath"`
	FileOffset int    `yaml:"FileOffset"`
}

type fixesDiagnostic struct {
	DiagnosticName    string        `yaml:"DiagnosticName"`
	DiagnosticMessage *fixesMessage `yaml:"DiagnosticMessage"`
	Level             string        `yaml:"Level"`
	// clang-tidy before 9 put the message fields at the top level.
	Legacy fixesMessage `yaml:",inline"`
}

type fixesDocument struct {
	MainSourceFile string            `yaml:"MainSourceFile"`
	Diagnostics    []fixesDiagnostic `yaml:"Diagnostics"`
}

func parseFixes(origin Origin, raw, source string) Result {
	var res Result
	if strings.TrimSpace(raw) == "" {
		return res
	}
	var doc fixesDocument
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		res.anomaly("decoding fixes document: %v", err)
		return res
	}
	idx := newLineIndex(source)
	for _, fd := range doc.Diagnostics {
		msg := fd.Legacy
		if fd.DiagnosticMessage != nil {
			msg = *fd.DiagnosticMessage
		}
		var kind Kind
		switch strings.ToLower(fd.Level) {
		case "error":
			kind = KindError
		case "warning", "":
			kind = KindWarning
		default:
			continue
		}
		if fd.DiagnosticName == "" && msg.Message == "" {
			res.anomaly("fixes entry without name or message")
			continue
		}
		file := msg.FilePath
		if file == "" {
			file = doc.MainSourceFile
		}
		loc := Location{File: file}
		loc.Line, loc.Column = idx.position(msg.FileOffset)
		res.Diagnostics = append(res.Diagnostics, Diagnostic{
			Kind:     kind,
			Origin:   origin,
			Code:     fd.DiagnosticName,
			Message:  strings.TrimSpace(msg.Message),
			Location: loc,
		})
	}
	return res
}

type jsonFinding struct {
	Check    string `json:"check"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	File     string `json:"file"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	Level    string `json:"level"`
	Severity string `json:"severity"`
}

func parseJSON(origin Origin, raw string) Result {
	var res Result
	if strings.TrimSpace(raw) == "" {
		return res
	}
	var findings []jsonFinding
	if err := json.UnmarshalFromString(raw, &findings); err != nil {
		var wrapped struct {
			Findings []jsonFinding `json:"findings"`
		}
		if werr := json.UnmarshalFromString(raw, &wrapped); werr != nil {
			res.anomaly("decoding findings: %v", err)
			return res
		}
		findings = wrapped.Findings
	}
	for _, f := range findings {
		code := f.Check
		if code == "" {
			code = f.Code
		}
		level := f.Level
		if level == "" {
			level = f.Severity
		}
		kind := KindWarning
		switch strings.ToLower(level) {
		case "error", "fatal":
			kind = KindError
		case "note", "remark", "info":
			continue
		}
		res.Diagnostics = append(res.Diagnostics, Diagnostic{
			Kind:     kind,
			Origin:   origin,
			Code:     code,
			Message:  strings.TrimSpace(f.Message),
			Location: Location{File: f.File, Line: f.Line, Column: f.Column},
		})
	}
	return res
}

// lineIndex maps byte offsets in a source text to 1-based line and column.
type lineIndex struct {
	starts []int
	size   int
}

func newLineIndex(src string) lineIndex {
	idx := lineIndex{starts: []int{0}, size: len(src)}
	for i := 0; i < len(src); i++ {
		if src[i] == '\n' {
			idx.starts = append(idx.starts, i+1)
		}
	}
	return idx
}

func (idx lineIndex) position(offset int) (int, int) {
	if idx.size == 0 || offset < 0 || offset > idx.size {
		return 0, 0
	}
	lo, hi := 0, len(idx.starts)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if idx.starts[mid] <= offset {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo + 1, offset - idx.starts[lo] + 1
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
