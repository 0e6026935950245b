package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.IsPaperMode())
	assert.Equal(t, "rich", cfg.Trading.Ladder)
	assert.Equal(t, 0.20, cfg.Consensus.DeviationThreshold)
	assert.Equal(t, 1.2, cfg.Risk.LiqBufferK)
	assert.Equal(t, 50.0, cfg.Execution.SlippageCapBps)
	assert.Equal(t, 0.25, cfg.Execution.TWAPChunkFraction)
	assert.Equal(t, 3, cfg.Protection.OCOMaxRetries)
	assert.Equal(t, []float64{0.15, 0.10, 0.05, 0.02}, cfg.Risk.BandIMCaps)
	assert.Len(t, cfg.Agents.Providers, 2)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"mode", func(c *Config) { c.Trading.Mode = "yolo" }},
		{"ladder", func(c *Config) { c.Trading.Ladder = "fancy" }},
		{"deviation", func(c *Config) { c.Consensus.DeviationThreshold = 1.5 }},
		{"leverage bounds", func(c *Config) { c.Consensus.LeverageMax = 1 }},
		{"negative weight", func(c *Config) { c.Consensus.Weights = map[string]float64{"x": -1} }},
		{"corr threshold", func(c *Config) { c.Risk.CorrThreshold = 0 }},
		{"bands", func(c *Config) { c.Risk.BandThresholds = []float64{0.3, 0.2, 0.8} }},
		{"twap fraction", func(c *Config) { c.Execution.TWAPChunkFraction = 0 }},
		{"jitter", func(c *Config) { c.Protection.Jitter = 1 }},
		{"lock backend", func(c *Config) { c.Lock.Backend = "etcd" }},
		{"lock ttl", func(c *Config) { c.Lock.TTL = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWeightAndSymbolOverridesAreCaseInsensitive(t *testing.T) {
	c := ConsensusConfig{Weights: map[string]float64{"openai": 1.2}}
	assert.Equal(t, 1.2, c.Weight("OpenAI"))
	assert.Equal(t, 1.0, c.Weight("momentum"))

	r := RiskConfig{Symbols: map[string]SymbolRiskConfig{"btcusdt": {FundingLimitBps: 25}}}
	assert.Equal(t, 25.0, r.ForSymbol("BTCUSDT").FundingLimitBps)
	assert.Zero(t, r.ForSymbol("ETHUSDT").FundingLimitBps)
}

func TestLoadWritesTemplatesAndAppliesEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TRADING_MODE", "paper")
	t.Setenv("BYBIT_API_KEY", "env-key")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.Credentials.Bybit.APIKey)

	_, err = os.Stat(filepath.Join(dir, "config.toml"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "credentials.toml"))
	assert.NoError(t, err)
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	content := `
[trading]
mode = "paper"
ladder = "simple"
symbols = ["BTCUSDT"]

[risk.symbols.BTCUSDT]
funding_limit_bps = 25.0
corr_threshold = 0.80
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "simple", cfg.Trading.Ladder)
	assert.Equal(t, []string{"BTCUSDT"}, cfg.Trading.Symbols)
	assert.Equal(t, 25.0, cfg.Risk.ForSymbol("BTCUSDT").FundingLimitBps)
	assert.Equal(t, 0.80, cfg.Risk.ForSymbol("BTCUSDT").CorrThreshold)
	// untouched sections keep defaults
	assert.Equal(t, 1.2, cfg.Risk.LiqBufferK)
}
