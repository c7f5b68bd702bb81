// Package usage tracks token consumption and estimates its cost.
package usage

import (
	"sort"
	"strings"
	"time"
)

// Usage holds token counts for one provider call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Total returns the combined token count.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Cost is USD per million tokens.
type Cost struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

// Estimate returns the USD cost of u.
func (c Cost) Estimate(u Usage) float64 {
	return (float64(u.InputTokens)*c.Input + float64(u.OutputTokens)*c.Output) / 1_000_000
}

// Record is one accounted provider call.
type Record struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	OrgID     string    `json:"org_id"`
	Model     string    `json:"model"`
	Usage     Usage     `json:"usage"`
	UsedTools bool      `json:"used_tools"`
	CostUSD   float64   `json:"cost_usd"`
	Timestamp time.Time `json:"timestamp"`
}

// Pricing maps model name prefixes to per-million-token costs.
// The longest matching prefix wins.
type Pricing map[string]Cost

// DefaultPricing returns list prices for the supported model families.
func DefaultPricing() Pricing {
	return Pricing{
		"claude-opus":       {Input: 15, Output: 75},
		"claude-sonnet":     {Input: 3, Output: 15},
		"claude-haiku":      {Input: 0.8, Output: 4},
		"claude-3-opus":     {Input: 15, Output: 75},
		"claude-3-5-sonnet": {Input: 3, Output: 15},
		"claude-3-5-haiku":  {Input: 0.8, Output: 4},
		"gpt-4o-mini":       {Input: 0.15, Output: 0.6},
		"gpt-4o":            {Input: 2.5, Output: 10},
		"gpt-4.1":           {Input: 2, Output: 8},
	}
}

// Lookup returns the cost for model and whether a price was found.
func (p Pricing) Lookup(model string) (Cost, bool) {
	if cost, ok := p[model]; ok {
		return cost, true
	}
	prefixes := make([]string, 0, len(p))
	for prefix := range p {
		if strings.HasPrefix(model, prefix) {
			prefixes = append(prefixes, prefix)
		}
	}
	if len(prefixes) == 0 {
		return Cost{}, false
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	return p[prefixes[0]], true
}

// Merge returns a copy of p overlaid with overrides.
func (p Pricing) Merge(overrides map[string]Cost) Pricing {
	out := make(Pricing, len(p)+len(overrides))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
