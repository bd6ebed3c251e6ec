package vendors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-router/internal/provider"
	"github.com/vnmchuo/llm-router/internal/provider/claude"
	"github.com/vnmchuo/llm-router/internal/provider/openai"
)

func TestNew_DispatchesByType(t *testing.T) {
	tr, err := New(provider.Profile{Name: "o", Type: provider.TypeOpenAI, APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &openai.OpenAITransport{}, tr)

	tr, err = New(provider.Profile{Name: "c", Type: provider.TypeAnthropic, APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &claude.ClaudeTransport{}, tr)

	_, err = New(provider.Profile{Name: "x", Type: provider.Type(42), APIKey: "k"})
	assert.Error(t, err)
}
