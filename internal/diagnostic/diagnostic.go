package diagnostic

import "fmt"

type Kind string

const (
	KindError   Kind = "error"
	KindWarning Kind = "warning"
)

type Origin string

const (
	OriginCompiler Origin = "compiler"
	OriginAnalyzer Origin = "analyzer"
)

// Location is advisory only. It is never part of a diagnostic's identity.
type Location struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

func (l Location) String() string {
	switch {
	case l.File == "":
		return ""
	case l.Line == 0:
		return l.File
	case l.Column == 0:
		return fmt.Sprintf("%s:%d", l.File, l.Line)
	default:
		return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
	}
}

// Diagnostic is a normalized compiler or static-analyzer finding.
type Diagnostic struct {
	Kind     Kind     `json:"kind"`
	Origin   Origin   `json:"origin"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Location Location `json:"location"`
}

func (d Diagnostic) String() string {
	code := ""
	if d.Code != "" {
		code = " [" + d.Code + "]"
	}
	if loc := d.Location.String(); loc != "" {
		return fmt.Sprintf("%s: %s: %s%s", loc, d.Kind, d.Message, code)
	}
	return fmt.Sprintf("%s: %s%s", d.Kind, d.Message, code)
}

// Counts tallies diagnostics by kind.
type Counts struct {
	Errors   int `json:"errors"`
	Warnings int `json:"warnings"`
}

func Count(diags []Diagnostic) Counts {
	var c Counts
	for _, d := range diags {
		switch d.Kind {
		case KindError:
			c.Errors++
		case KindWarning:
			c.Warnings++
		}
	}
	return c
}
