package llm

// pricePer1K is USD per 1000 tokens (prompt and completion together)
var pricePer1K = map[string]float64{
	"gpt-3.5-turbo": 0.002,
	"gpt-4":         0.03,
	"gpt-4-turbo":   0.01,
}

const defaultPricePer1K = 0.002

// EstimateCost returns the approximate spend for tokens on model
func EstimateCost(model string, tokens int64) float64 {
	price, ok := pricePer1K[model]
	if !ok {
		price = defaultPricePer1K
	}
	return float64(tokens) / 1000 * price
}
