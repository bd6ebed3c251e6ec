package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vnmchuo/llm-router/internal/provider"
	"github.com/vnmchuo/llm-router/internal/router"
)

// Default context windows for profiles synthesized from environment keys.
const (
	defaultOpenAIContextWindow    = 128000
	defaultAnthropicContextWindow = 200000
)

var ErrNoProviders = errors.New("no providers configured: set PROVIDERS_FILE or a vendor API key")

type providersFile struct {
	Routing   *routingSection  `yaml:"routing"`
	Providers []profileSection `yaml:"providers"`
}

// routingSection uses pointers so a file only overrides what it names.
type routingSection struct {
	TaskComplexityThreshold *float64 `yaml:"task_complexity_threshold"`
	ContextSizeThreshold    *int     `yaml:"context_size_threshold"`
	RateLimitThreshold      *float64 `yaml:"rate_limit_threshold"`
	EnableFallback          *bool    `yaml:"enable_fallback"`
	UserPreference          *string  `yaml:"user_preference"`
}

type profileSection struct {
	Name            string            `yaml:"name"`
	Type            string            `yaml:"type"`
	APIKey          string            `yaml:"api_key"`
	Model           string            `yaml:"model"`
	ContextWindow   int               `yaml:"context_window"`
	Pricing         *provider.Pricing `yaml:"pricing"`
	Priority        int               `yaml:"priority"`
	Enabled         *bool             `yaml:"enabled"`
	BaseURL         string            `yaml:"base_url"`
	AzureDeployment string            `yaml:"azure_deployment"`
	AzureAPIVersion string            `yaml:"azure_api_version"`
}

// Providers resolves the provider profiles and routing config. A providers file takes
// precedence; otherwise profiles are built from the vendor keys in the environment.
func (c *Config) Providers() ([]provider.Profile, router.RoutingConfig, error) {
	if c.ProvidersFile != "" {
		return ReadProvidersFile(c.ProvidersFile, c.Routing)
	}
	profiles := c.envProfiles()
	if len(profiles) == 0 {
		return nil, c.Routing, ErrNoProviders
	}
	return profiles, c.Routing, nil
}

// ReadProvidersFile parses a YAML providers file. ${VAR} references are expanded from the
// environment before parsing so keys need not live in the file.
func ReadProvidersFile(path string, base router.RoutingConfig) ([]provider.Profile, router.RoutingConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, base, fmt.Errorf("failed to read providers file: %w", err)
	}
	return ParseProviders(raw, base)
}

func ParseProviders(raw []byte, base router.RoutingConfig) ([]provider.Profile, router.RoutingConfig, error) {
	expanded := os.ExpandEnv(string(raw))

	var f providersFile
	dec := yaml.NewDecoder(bytes.NewBufferString(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, base, fmt.Errorf("failed to parse providers file: %w", err)
	}

	routing := base
	if r := f.Routing; r != nil {
		if r.TaskComplexityThreshold != nil {
			routing.TaskComplexityThreshold = *r.TaskComplexityThreshold
		}
		if r.ContextSizeThreshold != nil {
			routing.ContextSizeThreshold = *r.ContextSizeThreshold
		}
		if r.RateLimitThreshold != nil {
			routing.RateLimitThreshold = *r.RateLimitThreshold
		}
		if r.EnableFallback != nil {
			routing.EnableFallback = *r.EnableFallback
		}
		if r.UserPreference != nil {
			routing.UserPreference = *r.UserPreference
		}
	}

	if len(f.Providers) == 0 {
		return nil, routing, ErrNoProviders
	}

	profiles := make([]provider.Profile, 0, len(f.Providers))
	for i, s := range f.Providers {
		t, err := provider.ParseType(s.Type)
		if err != nil {
			return nil, routing, &router.ConfigurationError{Provider: s.Name, Reason: fmt.Sprintf("providers[%d]: %v", i, err)}
		}
		enabled := true
		if s.Enabled != nil {
			enabled = *s.Enabled
		}
		p := provider.Profile{
			Name:            s.Name,
			Type:            t,
			APIKey:          s.APIKey,
			Model:           s.Model,
			ContextWindow:   s.ContextWindow,
			Pricing:         s.Pricing,
			Priority:        s.Priority,
			Enabled:         enabled,
			BaseURL:         s.BaseURL,
			AzureDeployment: s.AzureDeployment,
			AzureAPIVersion: s.AzureAPIVersion,
		}
		if err := router.ValidateProfile(p); err != nil {
			return nil, routing, err
		}
		profiles = append(profiles, p)
	}
	return profiles, routing, nil
}

func (c *Config) envProfiles() []provider.Profile {
	var profiles []provider.Profile
	if c.OpenAIAPIKey != "" {
		profiles = append(profiles, provider.Profile{
			Name:          "openai",
			Type:          provider.TypeOpenAI,
			APIKey:        c.OpenAIAPIKey,
			Model:         c.OpenAIModel,
			ContextWindow: defaultOpenAIContextWindow,
			Priority:      1,
			Enabled:       true,
		})
	}
	if c.AnthropicAPIKey != "" {
		profiles = append(profiles, provider.Profile{
			Name:          "anthropic",
			Type:          provider.TypeAnthropic,
			APIKey:        c.AnthropicAPIKey,
			Model:         c.AnthropicModel,
			ContextWindow: defaultAnthropicContextWindow,
			Priority:      1,
			Enabled:       true,
		})
	}
	if c.AzureOpenAIAPIKey != "" && c.AzureOpenAIEndpoint != "" {
		profiles = append(profiles, provider.Profile{
			Name:            "azure-openai",
			Type:            provider.TypeAzureOpenAI,
			APIKey:          c.AzureOpenAIAPIKey,
			Model:           c.AzureOpenAIDeployment,
			ContextWindow:   defaultOpenAIContextWindow,
			Enabled:         true,
			BaseURL:         c.AzureOpenAIEndpoint,
			AzureDeployment: c.AzureOpenAIDeployment,
			AzureAPIVersion: c.AzureOpenAIAPIVersion,
		})
	}
	return profiles
}
