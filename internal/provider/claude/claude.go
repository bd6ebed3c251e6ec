package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/vnmchuo/llm-router/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

type ClaudeTransport struct {
	name    string
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID         string          `json:"id"`
	Content    []claudeContent `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stop_reason"`
	Usage      claudeUsage     `json:"usage"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// New builds an Anthropic Messages API transport for the profile.
func New(p provider.Profile) (provider.Transport, error) {
	if p.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	baseURL := p.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &ClaudeTransport{
		name:    p.Name,
		apiKey:  p.APIKey,
		model:   p.Model,
		baseURL: baseURL,
		client:  http.DefaultClient,
	}, nil
}

func (t *ClaudeTransport) Send(ctx context.Context, messages []provider.Message, params provider.Params) (*provider.Completion, error) {
	body, err := json.Marshal(t.mapRequest(messages, params))
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/messages", t.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", t.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	remaining := provider.RemainingFraction(resp.Header,
		"anthropic-ratelimit-requests-remaining", "anthropic-ratelimit-requests-limit")

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &provider.StatusError{
			Provider:           t.name,
			StatusCode:         resp.StatusCode,
			RetryAfter:         provider.ParseRetryAfter(resp.Header),
			RateLimitRemaining: remaining,
			Err:                errors.New(errorMessage(respBody)),
		}
	}

	var claudeResp claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&claudeResp); err != nil {
		return nil, fmt.Errorf("decode anthropic response: %w", err)
	}

	var text string
	for _, c := range claudeResp.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}
	if text == "" && len(claudeResp.Content) == 0 {
		return nil, fmt.Errorf("claude api returned no content")
	}

	return &provider.Completion{
		Content: text,
		Model:   claudeResp.Model,
		Usage: &provider.Usage{
			InputTokens:  claudeResp.Usage.InputTokens,
			OutputTokens: claudeResp.Usage.OutputTokens,
			TotalTokens:  claudeResp.Usage.InputTokens + claudeResp.Usage.OutputTokens,
		},
		FinishReason:       claudeResp.StopReason,
		RateLimitRemaining: remaining,
	}, nil
}

func (t *ClaudeTransport) mapRequest(msgs []provider.Message, params provider.Params) claudeRequest {
	var system string
	var messages []claudeMessage

	for _, m := range msgs {
		if m.Role == provider.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		role := "user"
		if m.Role == provider.RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, claudeMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	maxTokens := defaultMaxTokens
	if params.MaxOutputTokens != nil && *params.MaxOutputTokens > 0 {
		maxTokens = *params.MaxOutputTokens
	}
	model := t.model
	if params.Model != "" {
		model = params.Model
	}

	return claudeRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    messages,
		Temperature: params.Temperature,
	}
}

func errorMessage(body []byte) string {
	var eb claudeErrorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error.Message != "" {
		return eb.Error.Type + ": " + eb.Error.Message
	}
	return string(body)
}
