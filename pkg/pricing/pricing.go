package pricing

import "math"

// ScalingFactor converts a USD amount into integer sparks before the
// per-model multiplier is applied: $1 = 100000 base units.
const ScalingFactor = 100000

// SearchSurcharge is the multiplier applied when grounding/search is used.
const SearchSurcharge = 1.2

// ModelPrice holds per-token USD prices and billing metadata for a model.
type ModelPrice struct {
	InputUSD   float64 // USD per prompt token
	OutputUSD  float64 // USD per completion token
	Multiplier float64 // sparks multiplier on top of the scaled USD cost
	Weight     int     // daily-quota weight of one call
}

// fallback is the price applied to unknown model ids: cheapest tier,
// lowest multiplier, so new model names degrade to minimal cost instead
// of blocking the user.
var fallback = ModelPrice{
	InputUSD:   0.10 / 1e6,
	OutputUSD:  0.40 / 1e6,
	Multiplier: 0.1,
	Weight:     1,
}

var priceTable = map[string]ModelPrice{
	"gemini-2.5-pro": {
		InputUSD:   1.25 / 1e6,
		OutputUSD:  10.00 / 1e6,
		Multiplier: 4.0,
		Weight:     4,
	},
	"gemini-2.5-flash": {
		InputUSD:   0.30 / 1e6,
		OutputUSD:  2.50 / 1e6,
		Multiplier: 1.0,
		Weight:     1,
	},
	"gemini-2.5-flash-lite": {
		InputUSD:   0.10 / 1e6,
		OutputUSD:  0.40 / 1e6,
		Multiplier: 0.1,
		Weight:     1,
	},
	"gemini-2.0-flash": {
		InputUSD:   0.10 / 1e6,
		OutputUSD:  0.40 / 1e6,
		Multiplier: 0.5,
		Weight:     1,
	},
}

// Lookup returns the price entry for a model, or ok=false on a miss.
func Lookup(model string) (ModelPrice, bool) {
	p, ok := priceTable[model]
	return p, ok
}

// PriceOrFallback resolves a model's price, degrading unknown ids to the
// cheapest tier rather than failing.
func PriceOrFallback(model string) (ModelPrice, bool) {
	if p, ok := priceTable[model]; ok {
		return p, true
	}
	return fallback, false
}

// Weight returns the daily-quota weight of one call against the model.
// Unknown models count as a single ordinary message.
func Weight(model string) int {
	p, _ := PriceOrFallback(model)
	if p.Weight <= 0 {
		return 1
	}
	return p.Weight
}

// EstimateTokens approximates a token count from raw text length using
// the chars/4 heuristic. The empty string estimates to zero.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / 4))
}

// Cost computes the spark cost of a turn from actual or estimated token
// counts. The result is deterministic for identical inputs and never
// below 1, so every committed turn charges something.
func Cost(model string, promptTokens, completionTokens int, useSearch bool) int64 {
	p, _ := PriceOrFallback(model)
	usd := float64(promptTokens)*p.InputUSD + float64(completionTokens)*p.OutputUSD
	raw := math.Ceil(usd * ScalingFactor * p.Multiplier)
	if useSearch {
		raw = math.Ceil(raw * SearchSurcharge)
	}
	if raw < 1 {
		return 1
	}
	return int64(raw)
}
