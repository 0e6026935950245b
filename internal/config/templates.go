package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# SentinentX engine configuration

[trading]
# Trading mode: "live" or "paper"
mode = "paper"
# Entry ladder: "rich" (PostOnly, LimitIOC, guarded MarketIOC, TWAP) or "simple"
ladder = "rich"
symbols = ["BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT"]
cycle_interval = "5m"

[[agents.providers]]
name = "momentum"
kind = "momentum"
enabled = true

[[agents.providers]]
name = "openai"
kind = "openai"
model = "gpt-4o-mini"
enabled = true

[consensus]
deviation_threshold = 0.20
min_confidence = 60
none_veto_confidence = 90
two_stage = true

[consensus.weights]
# openai = 1.2
# momentum = 1.0

[risk]
liq_buffer_k = 1.2
funding_window_minutes = 5
funding_limit_bps = 30
corr_threshold = 0.85
band_thresholds = [0.3, 0.6, 0.8]
band_im_caps = [0.15, 0.10, 0.05, 0.02]
band_max_leverage = [25, 15, 10, 5]

[risk.symbols.BTCUSDT]
funding_limit_bps = 25
corr_threshold = 0.80
max_qty_multiplier = 8.0

[execution]
slippage_cap_bps = 50
twap_chunk_fraction = 0.25

[protection]
oco_max_retries = 3
tp_max_retries = 3
# Take-profit ladder as multiples of the target distance; empty uses a single OCO pair
tp_ladder_multiples = []

[lock]
# "memory" or "redis"
backend = "memory"
redis_addr = "localhost:6379"

[exchange]
base_url = "https://api-testnet.bybit.com"

[security]
# Read sealed credentials from credentials.enc with SENTINENTX_MASTER_KEY
encrypt_credentials = false
`

const credentialsTemplate = `# SentinentX credentials
# Environment variables BYBIT_API_KEY, BYBIT_API_SECRET and OPENAI_API_KEY take precedence.

[bybit]
api_key = ""
api_secret = ""

[openai]
api_key = ""
`

func createTemplateConfig(configDir string) error {
	return writeTemplate(configDir, "config.toml", configTemplate, 0644)
}

func createTemplateCredentials(configDir string) error {
	return writeTemplate(configDir, "credentials.toml", credentialsTemplate, 0600)
}

func writeTemplate(configDir, name, content string, perm os.FileMode) error {
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		return fmt.Errorf("writing %s template: %w", name, err)
	}
	return nil
}
