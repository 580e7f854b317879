// Package identity decides whether a diagnostic seen in one iteration is the
// same issue as one seen in another, even after the surrounding code moved.
package identity

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/signalnine/driverbench/internal/diagnostic"
)

// Identity is the matching key for a diagnostic. Location never takes part.
type Identity struct {
	Origin  diagnostic.Origin
	Code    string
	Message string
}

func (id Identity) String() string {
	return fmt.Sprintf("%s/%s/%s", id.Origin, id.Code, id.Message)
}

// Func derives an Identity from a diagnostic.
type Func func(diagnostic.Diagnostic) Identity

const (
	StrategyNormalized = "normalized"
	StrategyStrict     = "strict"
	StrategyCode       = "code"
)

// ForStrategy returns the identity function registered under name.
func ForStrategy(name string) (Func, error) {
	switch name {
	case "", StrategyNormalized:
		return Normalized, nil
	case StrategyStrict:
		return Strict, nil
	case StrategyCode:
		return CodeOnly, nil
	}
	return nil, fmt.Errorf("unknown identity strategy %q", name)
}

var (
	locationRef = regexp.MustCompile(`[\w./-]*\.[ch]:\d+(?::\d+)?`)
	lineRef     = regexp.MustCompile(`(?i)\b(?:line|column|col)\s+\d+`)
	quoted      = regexp.MustCompile("'[^']*'|\"[^\"]*\"|‘[^’]*’|`[^`]*'")
	hexLiteral  = regexp.MustCompile(`\b0[xX][0-9a-fA-F]+\b`)
	number      = regexp.MustCompile(`\b\d+\b`)
	spaces      = regexp.MustCompile(`\s+`)
)

// Normalized keys on origin, code and the message with embedded locations,
// numbers and quoted identifiers replaced by placeholders.
func Normalized(d diagnostic.Diagnostic) Identity {
	msg := stripLocations(d.Message)
	msg = quoted.ReplaceAllString(msg, "'_'")
	msg = hexLiteral.ReplaceAllString(msg, "#")
	msg = number.ReplaceAllString(msg, "#")
	return Identity{Origin: d.Origin, Code: d.Code, Message: canonical(msg)}
}

// Strict keeps quoted identifiers, so "unused variable 'a'" and
// "unused variable 'b'" are different issues.
func Strict(d diagnostic.Diagnostic) Identity {
	msg := stripLocations(d.Message)
	msg = number.ReplaceAllString(msg, "#")
	return Identity{Origin: d.Origin, Code: d.Code, Message: canonical(msg)}
}

// CodeOnly ignores the message entirely.
func CodeOnly(d diagnostic.Diagnostic) Identity {
	id := Identity{Origin: d.Origin, Code: d.Code}
	if d.Code == "" {
		// Without a code the message is all there is to go on.
		id.Message = Normalized(d).Message
	}
	return id
}

func stripLocations(msg string) string {
	msg = locationRef.ReplaceAllString(msg, "<loc>")
	return lineRef.ReplaceAllString(msg, "<loc>")
}

func canonical(msg string) string {
	msg = spaces.ReplaceAllString(strings.TrimSpace(msg), " ")
	return strings.ToLower(msg)
}
