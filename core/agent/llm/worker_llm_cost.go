package llm

import (
	"strings"
	"sync"
)

// USD per million tokens (input, output).
var modelPricing = map[string][2]float64{
	"gpt-4o-mini":  {0.15, 0.60},
	"gpt-4o":       {2.50, 10.00},
	"gpt-4.1-mini": {0.40, 1.60},
	"gpt-4.1-nano": {0.10, 0.40},
	"gpt-4.1":      {2.00, 8.00},
}

// CalculateCost estimates the USD cost of one call. Unknown models cost 0.
func CalculateCost(model string, inputTokens, outputTokens int) float64 {
	price, ok := modelPricing[model]
	if !ok {
		// dated snapshots share the price of the longest matching base model
		best := ""
		for name, p := range modelPricing {
			if strings.HasPrefix(model, name+"-") && len(name) > len(best) {
				best, price, ok = name, p, true
			}
		}
	}
	if !ok {
		return 0
	}
	return (float64(inputTokens)*price[0] + float64(outputTokens)*price[1]) / 1_000_000
}

// CostTracker accumulates token usage per response schema.
type CostTracker struct {
	mu       sync.Mutex
	total    UsageStats
	bySchema map[string]UsageStats
}

type UsageStats struct {
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

func NewCostTracker() *CostTracker {
	return &CostTracker{bySchema: make(map[string]UsageStats)}
}

// Track records one call and returns its estimated cost.
func (t *CostTracker) Track(model, schema string, inputTokens, outputTokens int) float64 {
	cost := CalculateCost(model, inputTokens, outputTokens)

	t.mu.Lock()
	defer t.mu.Unlock()
	add := func(s UsageStats) UsageStats {
		s.Requests++
		s.InputTokens += int64(inputTokens)
		s.OutputTokens += int64(outputTokens)
		s.CostUSD += cost
		return s
	}
	t.total = add(t.total)
	t.bySchema[schema] = add(t.bySchema[schema])
	return cost
}

func (t *CostTracker) Total() UsageStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

func (t *CostTracker) BySchema() map[string]UsageStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]UsageStats, len(t.bySchema))
	for k, v := range t.bySchema {
		out[k] = v
	}
	return out
}
