// Package agents provides the decision providers polled by the consensus aggregator.
package agents

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"sentinentx/internal/config"
	"sentinentx/internal/models"
)

// Provider is one independent source of trade recommendations.
type Provider interface {
	// Name returns the unique name of the provider.
	Name() string
	// Enabled reports whether the provider takes part in consensus.
	Enabled() bool
	// Decide returns the provider's vote for the snapshot.
	Decide(ctx context.Context, snap models.Snapshot) (*models.ProviderVote, error)
}

// BaseProvider provides common functionality for all providers.
type BaseProvider struct {
	name    string
	enabled bool
}

// NewBaseProvider creates a new base provider.
func NewBaseProvider(name string, enabled bool) BaseProvider {
	return BaseProvider{name: name, enabled: enabled}
}

// Name returns the provider's name.
func (b *BaseProvider) Name() string {
	return b.name
}

// Enabled reports whether the provider is enabled.
func (b *BaseProvider) Enabled() bool {
	return b.enabled
}

// NewVote creates a vote with common fields populated.
func (b *BaseProvider) NewVote(snap models.Snapshot, action models.Action, confidence float64, reason string) *models.ProviderVote {
	stage := 1
	if len(snap.Stage1) > 0 {
		stage = 2
	}
	return &models.ProviderVote{
		ProviderID: b.name,
		Action:     action,
		Confidence: ClampConfidence(confidence),
		Reason:     reason,
		Stage:      stage,
		Timestamp:  time.Now(),
	}
}

// ClampConfidence ensures confidence is within valid range [0, 100].
func ClampConfidence(confidence float64) float64 {
	if confidence < 0 {
		return 0
	}
	if confidence > 100 {
		return 100
	}
	return confidence
}

// FromConfig builds the configured providers. Disabled entries are built too so that
// listings show them; the aggregator skips them.
func FromConfig(cfg *config.Config, logger zerolog.Logger) ([]Provider, error) {
	providers := make([]Provider, 0, len(cfg.Agents.Providers))
	seen := make(map[string]bool)

	for _, pc := range cfg.Agents.Providers {
		name := strings.TrimSpace(pc.Name)
		if name == "" {
			return nil, fmt.Errorf("provider entry without name")
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate provider %q", name)
		}
		seen[name] = true

		switch strings.ToLower(pc.Kind) {
		case "momentum":
			providers = append(providers, NewMomentumProvider(name, pc.Enabled, cfg.Trading.AtrK))
		case "openai":
			apiKey := cfg.Credentials.OpenAI.APIKey
			if pc.APIKeyEnv != "" {
				apiKey = os.Getenv(pc.APIKeyEnv)
			}
			enabled := pc.Enabled
			if apiKey == "" && enabled {
				logger.Warn().Str("provider", name).Msg("No API key configured, provider disabled")
				enabled = false
			}
			providers = append(providers, NewOpenAIProvider(name, enabled, apiKey, pc.Model, pc.BaseURL))
		default:
			return nil, fmt.Errorf("unknown provider kind %q for %s", pc.Kind, name)
		}
	}

	return providers, nil
}
