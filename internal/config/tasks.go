package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// TaskSpec is a task with its prompt loaded and its budget resolved.
type TaskSpec struct {
	ID     string
	Prompt string
	Budget int
}

func taskIDFromPath(p string) string {
	base := filepath.Base(p)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// LoadTasks reads inline tasks, prompt files and task_globs in that order.
// Globbed files yield one task each, sorted by path, and never replace an
// explicitly configured task with the same ID. If only is non-empty, tasks
// not named in it are dropped.
func (c *Config) LoadTasks(only []string) ([]TaskSpec, error) {
	var specs []TaskSpec
	seen := map[string]bool{}
	add := func(id, prompt string, budget int) {
		if budget <= 0 {
			budget = c.Evaluation.Iterations
		}
		seen[id] = true
		specs = append(specs, TaskSpec{ID: id, Prompt: strings.TrimSpace(prompt), Budget: budget})
	}

	for _, t := range c.Tasks {
		prompt := t.Prompt
		if t.PromptFile != "" {
			data, err := os.ReadFile(c.Path(t.PromptFile))
			if err != nil {
				return nil, fmt.Errorf("task %q: reading prompt: %w", t.ID, err)
			}
			prompt = string(data)
		}
		add(t.ID, prompt, t.Iterations)
	}

	for _, pattern := range c.TaskGlobs {
		matches, err := doublestar.FilepathGlob(c.Path(pattern), doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("task glob %q: %w", pattern, err)
		}
		sort.Strings(matches)
		for _, m := range matches {
			id := taskIDFromPath(m)
			if seen[id] {
				continue
			}
			data, err := os.ReadFile(m)
			if err != nil {
				return nil, fmt.Errorf("reading task %s: %w", m, err)
			}
			add(id, string(data), 0)
		}
	}

	if len(only) > 0 {
		want := map[string]bool{}
		for _, id := range only {
			want[id] = true
		}
		filtered := specs[:0]
		for _, s := range specs {
			if want[s.ID] {
				filtered = append(filtered, s)
				delete(want, s.ID)
			}
		}
		if len(want) > 0 {
			missing := make([]string, 0, len(want))
			for id := range want {
				missing = append(missing, id)
			}
			sort.Strings(missing)
			return nil, fmt.Errorf("unknown task(s): %s", strings.Join(missing, ", "))
		}
		specs = filtered
	}

	if len(specs) == 0 {
		return nil, fmt.Errorf("no tasks matched")
	}
	for _, s := range specs {
		if s.Prompt == "" {
			return nil, fmt.Errorf("task %q has an empty prompt", s.ID)
		}
	}
	return specs, nil
}

// ReadCodingStyle returns coding_style, reading it from a file when it names
// one.
func (c *Config) ReadCodingStyle() (string, error) {
	style := c.CodingStyle
	if style == "" || strings.ContainsAny(style, "\n") {
		return style, nil
	}
	p := c.Path(style)
	if info, err := os.Stat(p); err == nil && !info.IsDir() {
		data, err := os.ReadFile(p)
		if err != nil {
			return "", fmt.Errorf("reading coding style: %w", err)
		}
		return string(data), nil
	}
	return style, nil
}
