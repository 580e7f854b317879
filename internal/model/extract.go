package model

import (
	"regexp"
	"strings"
)

var fence = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*[ \t]*\r?\n(.*?)```")

// cMarkers are tokens at least one of which any C translation unit we care
// about contains.
var cMarkers = []string{"#include", "#define", "{", ";"}

// ExtractSource pulls a single C translation unit out of a model response.
// Fenced blocks win over surrounding prose; with several fences the longest
// is taken. An unterminated opening fence is stripped.
func ExtractSource(text string) (string, error) {
	src := strings.TrimSpace(text)
	if blocks := fence.FindAllStringSubmatch(src, -1); len(blocks) > 0 {
		best := ""
		for _, b := range blocks {
			if len(b[1]) > len(best) {
				best = b[1]
			}
		}
		src = best
	} else if strings.HasPrefix(src, "```") {
		if i := strings.IndexByte(src, '\n'); i >= 0 {
			src = src[i+1:]
		} else {
			src = ""
		}
		src = strings.TrimSuffix(strings.TrimSpace(src), "```")
	}
	src = strings.TrimSpace(src)
	if src == "" || !looksLikeC(src) {
		return "", ErrNoSource
	}
	return src + "\n", nil
}

func looksLikeC(src string) bool {
	for _, m := range cMarkers {
		if strings.Contains(src, m) {
			return true
		}
	}
	return false
}
