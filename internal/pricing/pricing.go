// Package pricing converts model token usage into dollars.
package pricing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelPricing is the price of one million tokens in each direction.
type ModelPricing struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// Table maps provider → model → price. A nil Table prices everything at zero.
type Table struct {
	Providers map[string]map[string]ModelPricing
}

// Load reads a pricing table:
//
//	gemini:
//	  gemini-2.5-flash: {input: 0.30, output: 2.50}
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pricing file: %w", err)
	}
	var providers map[string]map[string]ModelPricing
	if err := yaml.Unmarshal(data, &providers); err != nil {
		return nil, fmt.Errorf("parsing pricing file %s: %w", path, err)
	}
	for provider, models := range providers {
		for model, p := range models {
			if p.Input < 0 || p.Output < 0 {
				return nil, fmt.Errorf("pricing for %s/%s must not be negative", provider, model)
			}
		}
	}
	return &Table{Providers: providers}, nil
}

// Lookup returns the price for provider/model and whether one is listed.
func (t *Table) Lookup(provider, model string) (ModelPricing, bool) {
	if t == nil || t.Providers == nil {
		return ModelPricing{}, false
	}
	p, ok := t.Providers[provider][model]
	return p, ok
}

// Cost prices a token count. Unknown models cost nothing.
func (t *Table) Cost(provider, model string, promptTokens, completionTokens int) float64 {
	p, ok := t.Lookup(provider, model)
	if !ok {
		return 0
	}
	return (float64(promptTokens)*p.Input + float64(completionTokens)*p.Output) / 1e6
}

// For binds the table to one model, in the shape the evaluation engine takes.
func (t *Table) For(provider, model string) func(promptTokens, completionTokens int) float64 {
	return func(promptTokens, completionTokens int) float64 {
		return t.Cost(provider, model, promptTokens, completionTokens)
	}
}
