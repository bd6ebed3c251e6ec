package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"

	"github.com/vnmchuo/llm-router/internal/provider"
)

// OpenAITransport serves both the openai and azure-openai profile types; Azure differs only
// in endpoint, auth header and the deployment name standing in for the model.
type OpenAITransport struct {
	name   string
	model  string
	client openai.Client
}

// New builds a transport for an openai or azure-openai profile. Retries are disabled in the
// SDK because the router owns retry policy.
func New(p provider.Profile) (provider.Transport, error) {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	model := p.Model

	switch p.Type {
	case provider.TypeOpenAI:
		if p.APIKey == "" {
			return nil, errors.New("openai: api key is required")
		}
		opts = append(opts, option.WithAPIKey(p.APIKey))
		if p.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(withTrailingSlash(p.BaseURL)))
		}
	case provider.TypeAzureOpenAI:
		if p.APIKey == "" || p.BaseURL == "" {
			return nil, errors.New("azure-openai: api key and endpoint are required")
		}
		if p.AzureDeployment == "" || p.AzureAPIVersion == "" {
			return nil, errors.New("azure-openai: deployment name and api version are required")
		}
		opts = append(opts,
			azure.WithEndpoint(p.BaseURL, p.AzureAPIVersion),
			azure.WithAPIKey(p.APIKey),
		)
		model = p.AzureDeployment
	default:
		return nil, fmt.Errorf("openai transport cannot serve provider type %s", p.Type)
	}

	return &OpenAITransport{
		name:   p.Name,
		model:  model,
		client: openai.NewClient(opts...),
	}, nil
}

func (t *OpenAITransport) Send(ctx context.Context, messages []provider.Message, params provider.Params) (*provider.Completion, error) {
	req := openai.ChatCompletionNewParams{
		Model:    t.model,
		Messages: mapMessages(messages),
	}
	if params.Model != "" {
		req.Model = params.Model
	}
	if params.Temperature != nil {
		req.Temperature = openai.Float(*params.Temperature)
	}
	if params.MaxOutputTokens != nil && *params.MaxOutputTokens > 0 {
		req.MaxTokens = openai.Int(int64(*params.MaxOutputTokens))
	}

	var httpResp *http.Response
	resp, err := t.client.Chat.Completions.New(ctx, req, option.WithResponseInto(&httpResp))
	if err != nil {
		return nil, t.mapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai api returned no choices")
	}

	out := &provider.Completion{
		Content:      resp.Choices[0].Message.Content,
		Model:        resp.Model,
		FinishReason: string(resp.Choices[0].FinishReason),
	}
	if u := resp.Usage; u.PromptTokens > 0 || u.CompletionTokens > 0 || u.TotalTokens > 0 {
		out.Usage = &provider.Usage{
			InputTokens:  int(u.PromptTokens),
			OutputTokens: int(u.CompletionTokens),
			TotalTokens:  int(u.TotalTokens),
		}
	}
	if httpResp != nil {
		out.RateLimitRemaining = remainingFraction(httpResp.Header)
	}
	return out, nil
}

func (t *OpenAITransport) mapError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	se := &provider.StatusError{
		Provider:   t.name,
		StatusCode: apiErr.StatusCode,
		Err:        err,
	}
	if apiErr.Response != nil {
		se.RetryAfter = provider.ParseRetryAfter(apiErr.Response.Header)
		se.RateLimitRemaining = remainingFraction(apiErr.Response.Header)
	}
	return se
}

func mapMessages(msgs []provider.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case provider.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case provider.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func remainingFraction(h http.Header) *float64 {
	return provider.RemainingFraction(h, "x-ratelimit-remaining-requests", "x-ratelimit-limit-requests")
}

func withTrailingSlash(u string) string {
	if strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}
