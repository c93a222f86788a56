package entitlement

import (
	"math"
	"strings"
)

// modelRate is the price in cents per 1K tokens.
type modelRate struct {
	input  float64
	output float64
}

var (
	claudeRate  = modelRate{input: 0.5, output: 2.5} // $5/1M in, $25/1M out
	geminiRate  = modelRate{input: 0.2, output: 1.2} // $2/1M in, $12/1M out
	defaultRate = modelRate{input: 0.175, output: 1.4}
)

// modelPricing maps exact model identifiers to their rates. Models missing
// from the table fall back by family substring, then to defaultRate.
var modelPricing = map[string]modelRate{
	"claude":                  claudeRate,
	"claude-3-opus":           claudeRate,
	"claude-3-sonnet":         claudeRate,
	"claude-3-5-sonnet":       claudeRate,
	"claude-3-haiku":          claudeRate,
	"anthropic/claude-3-opus": claudeRate,

	"gemini":                geminiRate,
	"gemini-pro":            geminiRate,
	"gemini-1.5-pro":        geminiRate,
	"gemini-1.5-flash":      geminiRate,
	"google/gemini-pro":     geminiRate,
	"google/gemini-1.5-pro": geminiRate,

	"default": defaultRate,
}

// EstimateCostCents estimates the cost of a metered call in cents from its
// token counts. Used only when the provider did not return an authoritative
// cost figure. Every priced request costs at least one cent.
func EstimateCostCents(model string, inputUnits, outputUnits int64) int64 {
	rate, ok := modelPricing[model]
	if !ok {
		lower := strings.ToLower(model)
		switch {
		case strings.Contains(lower, "claude") || strings.Contains(lower, "anthropic"):
			rate = claudeRate
		case strings.Contains(lower, "gemini") || strings.Contains(lower, "google"):
			rate = geminiRate
		default:
			rate = defaultRate
		}
	}

	inputCost := float64(inputUnits) / 1000 * rate.input
	outputCost := float64(outputUnits) / 1000 * rate.output

	cents := int64(math.Round(inputCost + outputCost))
	if cents < 1 {
		cents = 1
	}
	return cents
}

// DollarsToCents converts a provider-supplied dollar figure to cents.
func DollarsToCents(dollars float64) int64 {
	return int64(math.Round(dollars * 100))
}
