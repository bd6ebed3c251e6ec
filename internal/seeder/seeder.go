package seeder

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vnmchuo/llm-router/internal/auth"
)

const keyPrefix = "lr-"

// KeySpec describes an API key to issue.
type KeySpec struct {
	TenantID  string
	Label     string
	RateLimit int64 // tokens per minute
	// Key is used verbatim when set; otherwise a random key is generated.
	Key string
}

// NewKey returns a random API key.
func NewKey() string {
	raw := strings.ReplaceAll(uuid.New().String()+uuid.New().String(), "-", "")
	return keyPrefix + raw[:48]
}

// SeedAPIKey stores the hashed key and returns the raw key. The raw key is not recoverable
// afterwards.
func SeedAPIKey(ctx context.Context, store auth.Store, spec KeySpec, logger logrus.FieldLogger) (string, *auth.APIKey, error) {
	if spec.TenantID == "" {
		spec.TenantID = uuid.New().String()
	}
	if spec.RateLimit <= 0 {
		return "", nil, fmt.Errorf("rate limit must be positive")
	}
	raw := spec.Key
	if raw == "" {
		raw = NewKey()
	}

	apiKey := &auth.APIKey{
		TenantID:  spec.TenantID,
		Label:     spec.Label,
		KeyHash:   auth.HashKey(raw),
		RateLimit: spec.RateLimit,
		Active:    true,
	}
	if err := store.Create(ctx, apiKey); err != nil {
		return "", nil, fmt.Errorf("failed to seed api key: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"tenant_id": apiKey.TenantID,
		"key_id":    apiKey.ID,
		"label":     apiKey.Label,
	}).Info("API key created")
	return raw, apiKey, nil
}
