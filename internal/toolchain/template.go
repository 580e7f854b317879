package toolchain

import (
	"strings"
)

// Template is a shell command with placeholders:
//
//	{source}  candidate source file
//	{dir}     iteration scratch directory (also holds compile_commands.json)
//	{db}      compile_commands.json path
//	{fixes}   path the analyzer may export fixes to
//	{flags}   filtered compile flags
//
// Substituted values are shell-quoted.
type Template string

type Vars struct {
	Source string
	Dir    string
	DB     string
	Fixes  string
	Flags  []string
}

func (t Template) Render(v Vars) string {
	quotedFlags := make([]string, len(v.Flags))
	for i, f := range v.Flags {
		quotedFlags[i] = ShellQuote(f)
	}
	r := strings.NewReplacer(
		"{source}", ShellQuote(v.Source),
		"{dir}", ShellQuote(v.Dir),
		"{db}", ShellQuote(v.DB),
		"{fixes}", ShellQuote(v.Fixes),
		"{flags}", strings.Join(quotedFlags, " "),
	)
	return r.Replace(string(t))
}

// ShellQuote wraps s in single quotes for sh.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || strings.ContainsRune("-_./=+,:@%", c)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// FilterFlags drops flags matching any entry of drop. An entry ending in '*'
// matches by prefix. {kernel_release} in a flag is replaced by release.
func FilterFlags(flags, drop []string, release string) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		if dropped(f, drop) {
			continue
		}
		out = append(out, strings.ReplaceAll(f, "{kernel_release}", release))
	}
	return out
}

func dropped(flag string, drop []string) bool {
	for _, d := range drop {
		if prefix, ok := strings.CutSuffix(d, "*"); ok {
			if strings.HasPrefix(flag, prefix) {
				return true
			}
			continue
		}
		if flag == d {
			return true
		}
	}
	return false
}
