// Package modeltest provides a scripted Generator for tests.
package modeltest

import (
	"context"
	"errors"
	"sync"

	"github.com/signalnine/driverbench/internal/model"
)

// Step is one scripted reply. Exactly one of Text or Err is used.
type Step struct {
	Text string
	Err  error
	// Block makes the call wait for ctx cancellation.
	Block bool
}

// Scripted replays per-task steps in order. Once a task's script is used up
// the last step repeats.
type Scripted struct {
	mu      sync.Mutex
	scripts map[string][]Step
	// Default is used for tasks without a script.
	Default []Step
	calls   map[string][]model.Request
}

func NewScripted(scripts map[string][]Step) *Scripted {
	if scripts == nil {
		scripts = map[string][]Step{}
	}
	return &Scripted{scripts: scripts, calls: map[string][]model.Request{}}
}

func (s *Scripted) Generate(ctx context.Context, req model.Request) (*model.Response, error) {
	s.mu.Lock()
	steps, ok := s.scripts[req.TaskID]
	if !ok {
		steps = s.Default
	}
	n := len(s.calls[req.TaskID])
	s.calls[req.TaskID] = append(s.calls[req.TaskID], req)
	s.mu.Unlock()

	if len(steps) == 0 {
		return nil, errors.New("modeltest: no script for task " + req.TaskID)
	}
	if n >= len(steps) {
		n = len(steps) - 1
	}
	step := steps[n]
	if step.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return &model.Response{Text: step.Text, PromptTokens: len(req.Prompt) / 4, CompletionTokens: len(step.Text) / 4}, nil
}

// Calls returns the requests seen for a task.
func (s *Scripted) Calls(taskID string) []model.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Request(nil), s.calls[taskID]...)
}
