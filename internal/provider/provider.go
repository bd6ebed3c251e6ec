package provider

import (
	"context"
	"fmt"
)

// Type identifies the vendor API a profile talks to.
type Type int

const (
	TypeOpenAI Type = iota + 1
	TypeAnthropic
	TypeAzureOpenAI
)

func (t Type) String() string {
	switch t {
	case TypeOpenAI:
		return "openai"
	case TypeAnthropic:
		return "anthropic"
	case TypeAzureOpenAI:
		return "azure-openai"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType maps a config string onto a Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "openai":
		return TypeOpenAI, nil
	case "anthropic":
		return TypeAnthropic, nil
	case "azure-openai":
		return TypeAzureOpenAI, nil
	}
	return 0, fmt.Errorf("unknown provider type %q", s)
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Pricing is expressed in currency units per 1000 tokens.
type Pricing struct {
	InputPer1K  float64 `yaml:"input" json:"input"`
	OutputPer1K float64 `yaml:"output" json:"output"`
}

func (p *Pricing) Cost(u Usage) float64 {
	if p == nil {
		return 0
	}
	return float64(u.InputTokens)/1000*p.InputPer1K + float64(u.OutputTokens)/1000*p.OutputPer1K
}

// Profile is an immutable provider definition. It is replaced wholesale on reload.
type Profile struct {
	Name          string
	Type          Type
	APIKey        string
	Model         string
	ContextWindow int
	Pricing       *Pricing
	Priority      int
	Enabled       bool
	BaseURL       string

	AzureDeployment string
	AzureAPIVersion string
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Params carries the optional per-call generation settings.
type Params struct {
	Model           string
	Temperature     *float64
	MaxOutputTokens *int
}

type Completion struct {
	Content      string
	Model        string
	Usage        *Usage
	FinishReason string

	// RateLimitRemaining is the fraction (0..1) of the request budget left, when the
	// vendor reported it.
	RateLimitRemaining *float64
}

// Transport is the only capability the router needs from a vendor adapter.
// Failures should be returned as *StatusError when an HTTP status is known.
type Transport interface {
	Send(ctx context.Context, messages []Message, params Params) (*Completion, error)
}

// Factory builds the transport for a profile.
type Factory func(p Profile) (Transport, error)
