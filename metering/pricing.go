// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package metering

import (
	"math"
	"strings"
	"sync"
)

// ModelPricing is the USD price per 1K tokens of one model.
type ModelPricing struct {
	InputPer1K  float64 `json:"input_per_1k" yaml:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k" yaml:"output_per_1k"`
}

// PricingTable estimates interaction cost. Unknown models use the default entry.
type PricingTable struct {
	mu     sync.RWMutex
	models map[string]ModelPricing
	def    ModelPricing
}

// NewPricingTable returns a table with built-in prices for the runtimes the
// gateway talks to.
func NewPricingTable() *PricingTable {
	return &PricingTable{
		models: map[string]ModelPricing{
			"anthropic.claude-3-5-sonnet-20240620-v1:0": {InputPer1K: 0.003, OutputPer1K: 0.015},
			"anthropic.claude-3-haiku-20240307-v1:0":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
			"anthropic.claude-3-opus-20240229-v1:0":     {InputPer1K: 0.015, OutputPer1K: 0.075},
			"amazon.titan-text-express-v1":              {InputPer1K: 0.0002, OutputPer1K: 0.0006},
			"meta.llama3-70b-instruct-v1:0":             {InputPer1K: 0.00265, OutputPer1K: 0.0035},
		},
		def: ModelPricing{InputPer1K: 0.003, OutputPer1K: 0.015},
	}
}

// Set overrides the price of a model.
func (p *PricingTable) Set(model string, pricing ModelPricing) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.models[strings.ToLower(model)] = pricing
}

// Lookup returns the price of model and whether it was explicitly configured.
func (p *PricingTable) Lookup(model string) (ModelPricing, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if m, ok := p.models[strings.ToLower(model)]; ok {
		return m, true
	}
	return p.def, false
}

// Cost returns the USD cost rounded to micro-dollars.
func (p *PricingTable) Cost(model string, tokensIn, tokensOut int64) float64 {
	m, _ := p.Lookup(model)
	cost := float64(tokensIn)/1000*m.InputPer1K + float64(tokensOut)/1000*m.OutputPer1K
	return math.Round(cost*1e6) / 1e6
}
