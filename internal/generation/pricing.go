// ABOUTME: Per-model token price table used to estimate generation cost
// ABOUTME: Unknown models fall back to the "default" row

package generation

// DefaultPriceKey names the row used for models missing from the table.
const DefaultPriceKey = "default"

// Price is the USD cost per million tokens.
type Price struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// DefaultPrices covers the default models of each backend.
var DefaultPrices = map[string]Price{
	"claude-3-5-haiku-latest":  {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"claude-sonnet-4-20250514": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"gpt-4o-mini":              {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4o":                   {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	DefaultPriceKey:            {InputPerMTok: 3.00, OutputPerMTok: 15.00},
}

func mergePrices(overrides map[string]Price) map[string]Price {
	prices := make(map[string]Price, len(DefaultPrices)+len(overrides))
	for k, v := range DefaultPrices {
		prices[k] = v
	}
	for k, v := range overrides {
		prices[k] = v
	}
	return prices
}

func (s *Service) estimateCost(model string, inputTokens, outputTokens int64) float64 {
	p, ok := s.prices[model]
	if !ok {
		p = s.prices[DefaultPriceKey]
	}
	return float64(inputTokens)*p.InputPerMTok/1e6 + float64(outputTokens)*p.OutputPerMTok/1e6
}
