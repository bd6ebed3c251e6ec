package router

import (
	"github.com/vnmchuo/llm-router/internal/provider"
)

const charsPerToken = 4

// EstimateContextSize returns the explicit estimate when given, otherwise roughly one token
// per four characters of message text, rounded up.
func EstimateContextSize(messages []provider.Message, explicit *int) int {
	if explicit != nil {
		return *explicit
	}
	chars := totalChars(messages)
	return (chars + charsPerToken - 1) / charsPerToken
}

// EstimateComplexity returns the explicit score when given, otherwise a tier based on how
// much text the request carries. Long prompts are assumed to be harder.
func EstimateComplexity(messages []provider.Message, explicit *float64) float64 {
	if explicit != nil {
		return clamp01(*explicit)
	}
	chars := totalChars(messages)
	switch {
	case chars < 500:
		return 0.2
	case chars < 2000:
		return 0.4
	case chars < 8000:
		return 0.6
	default:
		return 0.8
	}
}

func totalChars(messages []provider.Message) int {
	n := 0
	for _, m := range messages {
		n += len([]rune(m.Content))
	}
	return n
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
