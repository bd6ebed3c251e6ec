// Package vendors maps a profile's provider type onto its transport implementation.
package vendors

import (
	"fmt"

	"github.com/vnmchuo/llm-router/internal/provider"
	"github.com/vnmchuo/llm-router/internal/provider/claude"
	"github.com/vnmchuo/llm-router/internal/provider/openai"
)

// New is a provider.Factory covering every supported provider type.
func New(p provider.Profile) (provider.Transport, error) {
	switch p.Type {
	case provider.TypeOpenAI, provider.TypeAzureOpenAI:
		return openai.New(p)
	case provider.TypeAnthropic:
		return claude.New(p)
	}
	return nil, fmt.Errorf("no transport for provider type %s", p.Type)
}
