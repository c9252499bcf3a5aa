package cost

// ModelPricing describes per-model token pricing and capabilities.
type ModelPricing struct {
	InputPer1KUSD  float64
	OutputPer1KUSD float64
	MaxContext     int
	SupportsVision bool
}

// defaultModel is the fallback pricing row for unknown models.
const defaultModel = "default"

// pricingTable maps model names to their pricing. Unknown models fall
// back to the default row rather than failing estimation.
var pricingTable = map[string]ModelPricing{
	"gpt-4o": {
		InputPer1KUSD:  0.0025,
		OutputPer1KUSD: 0.01,
		MaxContext:     128000,
		SupportsVision: true,
	},
	"gpt-4o-mini": {
		InputPer1KUSD:  0.00015,
		OutputPer1KUSD: 0.0006,
		MaxContext:     128000,
		SupportsVision: true,
	},
	"gpt-4-vision-preview": {
		InputPer1KUSD:  0.01,
		OutputPer1KUSD: 0.03,
		MaxContext:     128000,
		SupportsVision: true,
	},
	"gpt-4-turbo": {
		InputPer1KUSD:  0.01,
		OutputPer1KUSD: 0.03,
		MaxContext:     128000,
		SupportsVision: true,
	},
	"gpt-3.5-turbo": {
		InputPer1KUSD:  0.0005,
		OutputPer1KUSD: 0.0015,
		MaxContext:     16385,
		SupportsVision: false,
	},
	"claude-3-5-sonnet": {
		InputPer1KUSD:  0.003,
		OutputPer1KUSD: 0.015,
		MaxContext:     200000,
		SupportsVision: true,
	},
	"claude-3-haiku": {
		InputPer1KUSD:  0.00025,
		OutputPer1KUSD: 0.00125,
		MaxContext:     200000,
		SupportsVision: true,
	},
	defaultModel: {
		InputPer1KUSD:  0.01,
		OutputPer1KUSD: 0.03,
		MaxContext:     128000,
		SupportsVision: false,
	},
}

// Pricing returns the pricing row for a model, falling back to the
// default row for unknown models.
func Pricing(model string) ModelPricing {
	if p, ok := pricingTable[model]; ok {
		return p
	}
	return pricingTable[defaultModel]
}

// SupportsVision reports whether a model accepts inline images.
func SupportsVision(model string) bool {
	return Pricing(model).SupportsVision
}

// UsageCostUSD computes the actual cost of a completed call from its
// token usage and the model's pricing.
func UsageCostUSD(model string, promptTokens, completionTokens int) float64 {
	p := Pricing(model)
	return float64(promptTokens)/1000*p.InputPer1KUSD +
		float64(completionTokens)/1000*p.OutputPer1KUSD
}
