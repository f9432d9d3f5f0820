package generate

import "strings"

// rate is the price per million tokens, in USD.
type rate struct {
	inputUSD  float64
	outputUSD float64
}

// pricing maps model name prefixes to per-million-token rates. Unknown
// models fall back to the most expensive known rate so estimates err high.
var pricing = map[string]rate{
	"claude-opus":   {inputUSD: 15.00, outputUSD: 75.00},
	"claude-sonnet": {inputUSD: 3.00, outputUSD: 15.00},
	"claude-haiku":  {inputUSD: 0.80, outputUSD: 4.00},
}

// tokensPerChar is the rough prose heuristic used for estimates: about four
// characters of English text per token.
const tokensPerChar = 0.25

// CostUSD computes the settled cost of a call from its actual token usage.
func CostUSD(model string, inputTokens, outputTokens int64) float64 {
	r := rateFor(model)
	return float64(inputTokens)/1e6*r.inputUSD + float64(outputTokens)/1e6*r.outputUSD
}

// EstimateUSD projects the cost of critiquing or revising the given unit
// bodies before any call is made. The estimate assumes the full text is
// sent as input and a comparable volume comes back.
func EstimateUSD(model string, unitTexts []string) float64 {
	var chars int
	for _, text := range unitTexts {
		chars += len(text)
	}

	tokens := float64(chars) * tokensPerChar
	r := rateFor(model)

	// Prompt scaffolding on input, comparable-length output
	inputTokens := tokens * 1.2
	outputTokens := tokens

	return inputTokens/1e6*r.inputUSD + outputTokens/1e6*r.outputUSD
}

func rateFor(model string) rate {
	for prefix, r := range pricing {
		if strings.HasPrefix(model, prefix) {
			return r
		}
	}
	return pricing["claude-opus"]
}
