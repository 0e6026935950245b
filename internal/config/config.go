// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"sentinentx/internal/logging"
	"sentinentx/internal/security"
)

// Config holds all application configuration.
type Config struct {
	Trading     TradingConfig     `mapstructure:"trading"`
	Agents      AgentsConfig      `mapstructure:"agents"`
	Consensus   ConsensusConfig   `mapstructure:"consensus"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Execution   ExecutionConfig   `mapstructure:"execution"`
	Protection  ProtectionConfig  `mapstructure:"protection"`
	Lock        LockConfig        `mapstructure:"lock"`
	Exchange    ExchangeConfig    `mapstructure:"exchange"`
	Store       StoreConfig       `mapstructure:"store"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
	Security    SecurityConfig    `mapstructure:"security"`
	Log         logging.LogConfig `mapstructure:"log"`
	Credentials Credentials       `mapstructure:"-" json:"-"` // Loaded separately
}

// TradingConfig holds trading-related configuration.
type TradingConfig struct {
	Mode          string        `mapstructure:"mode"`   // "live", "paper"
	Ladder        string        `mapstructure:"ladder"` // "rich", "simple"
	Category      string        `mapstructure:"category"`
	Symbols       []string      `mapstructure:"symbols"`
	CycleInterval time.Duration `mapstructure:"cycle_interval"`
	KlineInterval string        `mapstructure:"kline_interval"`
	KlineLimit    int           `mapstructure:"kline_limit"`
	AtrK          float64       `mapstructure:"atr_k"`
	PaperEquity   float64       `mapstructure:"paper_equity"`
}

// ProviderConfig describes one decision provider.
type ProviderConfig struct {
	Name    string `mapstructure:"name"`
	Kind    string `mapstructure:"kind"` // "openai", "momentum"
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
	// APIKeyEnv names the environment variable holding the key; empty uses the OpenAI credential.
	APIKeyEnv string `mapstructure:"api_key_env"`
	Enabled   bool   `mapstructure:"enabled"`
}

// AgentsConfig holds the decision provider registry.
type AgentsConfig struct {
	Providers []ProviderConfig `mapstructure:"providers"`
}

// ConsensusConfig holds aggregation and veto configuration.
type ConsensusConfig struct {
	Weights            map[string]float64 `mapstructure:"weights"`
	DeviationThreshold float64            `mapstructure:"deviation_threshold"`
	DynamicDeviation   bool               `mapstructure:"dynamic_deviation"`
	ATRMultiplier      float64            `mapstructure:"atr_multiplier"`
	MinConfidence      float64            `mapstructure:"min_confidence"`
	NoneVetoConfidence float64            `mapstructure:"none_veto_confidence"`
	ProviderTimeout    time.Duration      `mapstructure:"provider_timeout"`
	MaxParallel        int                `mapstructure:"max_parallel"`
	TwoStage           bool               `mapstructure:"two_stage"`
	MinProviders       int                `mapstructure:"min_providers"`
	VetoRatePerMinute  int                `mapstructure:"veto_rate_per_minute"`
	VetoCooldown       time.Duration      `mapstructure:"veto_cooldown"`
	LeverageMin        float64            `mapstructure:"leverage_min"`
	LeverageMax        float64            `mapstructure:"leverage_max"`
}

// SymbolRiskConfig holds per-symbol risk overrides. Zero values fall back to the global setting.
type SymbolRiskConfig struct {
	FundingLimitBps  float64 `mapstructure:"funding_limit_bps"`
	CorrThreshold    float64 `mapstructure:"corr_threshold"`
	MaxQtyMultiplier float64 `mapstructure:"max_qty_multiplier"`
}

// RiskConfig holds risk gate and sizing configuration.
type RiskConfig struct {
	LiqBufferK           float64                     `mapstructure:"liq_buffer_k"`
	FundingWindowMinutes float64                     `mapstructure:"funding_window_minutes"`
	FundingLimitBps      float64                     `mapstructure:"funding_limit_bps"`
	CorrThreshold        float64                     `mapstructure:"corr_threshold"`
	CorrBars             int                         `mapstructure:"corr_bars"`
	CorrInterval         string                      `mapstructure:"corr_interval"`
	BetaBenchmark        string                      `mapstructure:"beta_benchmark"`
	BetaScaling          bool                        `mapstructure:"beta_scaling"`
	BandThresholds       []float64                   `mapstructure:"band_thresholds"`
	BandIMCaps           []float64                   `mapstructure:"band_im_caps"`
	BandMaxLeverage      []float64                   `mapstructure:"band_max_leverage"`
	FreeCollateralCap    float64                     `mapstructure:"free_collateral_cap"`
	MaxQtyMultiplier     float64                     `mapstructure:"max_qty_multiplier"`
	MaxQtyAbsolute       float64                     `mapstructure:"max_qty_absolute"`
	ShortQtyFactor       float64                     `mapstructure:"short_qty_factor"`
	QtyPrecision         int32                       `mapstructure:"qty_precision"`
	PerTradeRiskPct      float64                     `mapstructure:"per_trade_risk_pct"`
	MinUnitRisk          float64                     `mapstructure:"min_unit_risk"`
	Symbols              map[string]SymbolRiskConfig `mapstructure:"symbols"`
}

// ForSymbol returns the overrides for symbol. Viper lowercases map keys.
func (r RiskConfig) ForSymbol(symbol string) SymbolRiskConfig {
	if r.Symbols == nil {
		return SymbolRiskConfig{}
	}
	if o, ok := r.Symbols[strings.ToLower(symbol)]; ok {
		return o
	}
	return r.Symbols[symbol]
}

// ExecutionConfig holds entry ladder configuration.
type ExecutionConfig struct {
	SlippageCapBps    float64       `mapstructure:"slippage_cap_bps"`
	TWAPChunkFraction float64       `mapstructure:"twap_chunk_fraction"`
	TWAPChunkInterval time.Duration `mapstructure:"twap_chunk_interval"`
	TWAPChunkDelay    time.Duration `mapstructure:"twap_chunk_delay"`
	TWAPDriftPct      float64       `mapstructure:"twap_drift_pct"`
	VolatilityGuard   float64       `mapstructure:"volatility_guard"`
	LiquidityGuard    float64       `mapstructure:"liquidity_guard"`
	FillTimeout       time.Duration `mapstructure:"fill_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

// ProtectionConfig holds exit protection configuration.
type ProtectionConfig struct {
	OCOMaxRetries    int           `mapstructure:"oco_max_retries"`
	OCOBackoffBase   time.Duration `mapstructure:"oco_backoff_base"`
	TPMaxRetries     int           `mapstructure:"tp_max_retries"`
	TPBackoffBase    time.Duration `mapstructure:"tp_backoff_base"`
	Jitter           float64       `mapstructure:"jitter"`
	TPLadderMultiple []float64     `mapstructure:"tp_ladder_multiples"`
}

// LockConfig holds per-symbol lock configuration.
type LockConfig struct {
	Backend   string        `mapstructure:"backend"` // "memory", "redis"
	TTL       time.Duration `mapstructure:"ttl"`
	Wait      time.Duration `mapstructure:"wait"`
	RedisAddr string        `mapstructure:"redis_addr"`
	RedisDB   int           `mapstructure:"redis_db"`
}

// ExchangeConfig holds exchange connectivity configuration.
type ExchangeConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	WSURL         string        `mapstructure:"ws_url"`
	RecvWindow    int           `mapstructure:"recv_window"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	UseStream     bool          `mapstructure:"use_stream"`
}

// StoreConfig holds persistence configuration.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// AlertsConfig holds alert delivery configuration.
type AlertsConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	EncryptCredentials bool `mapstructure:"encrypt_credentials"`
	ReadOnlyMode       bool `mapstructure:"read_only_mode"`
}

// Credentials holds API credentials.
type Credentials struct {
	Bybit  BybitCredentials  `mapstructure:"bybit"`
	OpenAI OpenAICredentials `mapstructure:"openai"`
}

// BybitCredentials holds exchange API credentials.
type BybitCredentials struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// OpenAICredentials holds OpenAI API credentials.
type OpenAICredentials struct {
	APIKey string `mapstructure:"api_key"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/sentinentx"
	}
	return filepath.Join(home, ".config", "sentinentx")
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("trading.mode", "paper")
	v.SetDefault("trading.ladder", "rich")
	v.SetDefault("trading.category", "linear")
	v.SetDefault("trading.symbols", []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT"})
	v.SetDefault("trading.cycle_interval", 5*time.Minute)
	v.SetDefault("trading.kline_interval", "5")
	v.SetDefault("trading.kline_limit", 100)
	v.SetDefault("trading.atr_k", 1.5)
	v.SetDefault("trading.paper_equity", 10000.0)

	v.SetDefault("agents.providers", []map[string]interface{}{
		{"name": "momentum", "kind": "momentum", "enabled": true},
		{"name": "openai", "kind": "openai", "model": "gpt-4o-mini", "enabled": true},
	})

	v.SetDefault("consensus.weights", map[string]float64{})
	v.SetDefault("consensus.deviation_threshold", 0.20)
	v.SetDefault("consensus.dynamic_deviation", false)
	v.SetDefault("consensus.atr_multiplier", 2.0)
	v.SetDefault("consensus.min_confidence", 60.0)
	v.SetDefault("consensus.none_veto_confidence", 90.0)
	v.SetDefault("consensus.provider_timeout", 30*time.Second)
	v.SetDefault("consensus.max_parallel", 4)
	v.SetDefault("consensus.two_stage", true)
	v.SetDefault("consensus.min_providers", 1)
	v.SetDefault("consensus.veto_rate_per_minute", 10)
	v.SetDefault("consensus.veto_cooldown", 30*time.Second)
	v.SetDefault("consensus.leverage_min", 3.0)
	v.SetDefault("consensus.leverage_max", 75.0)

	v.SetDefault("risk.liq_buffer_k", 1.2)
	v.SetDefault("risk.funding_window_minutes", 5.0)
	v.SetDefault("risk.funding_limit_bps", 30.0)
	v.SetDefault("risk.corr_threshold", 0.85)
	v.SetDefault("risk.corr_bars", 60)
	v.SetDefault("risk.corr_interval", "5")
	v.SetDefault("risk.beta_benchmark", "BTCUSDT")
	v.SetDefault("risk.beta_scaling", false)
	v.SetDefault("risk.band_thresholds", []float64{0.3, 0.6, 0.8})
	v.SetDefault("risk.band_im_caps", []float64{0.15, 0.10, 0.05, 0.02})
	v.SetDefault("risk.band_max_leverage", []float64{25, 15, 10, 5})
	v.SetDefault("risk.free_collateral_cap", 0.8)
	v.SetDefault("risk.max_qty_multiplier", 10.0)
	v.SetDefault("risk.max_qty_absolute", 1000000.0)
	v.SetDefault("risk.short_qty_factor", 0.8)
	v.SetDefault("risk.qty_precision", 8)
	v.SetDefault("risk.per_trade_risk_pct", 1.0)
	v.SetDefault("risk.min_unit_risk", 0.0001)

	v.SetDefault("execution.slippage_cap_bps", 50.0)
	v.SetDefault("execution.twap_chunk_fraction", 0.25)
	v.SetDefault("execution.twap_chunk_interval", 2*time.Minute)
	v.SetDefault("execution.twap_chunk_delay", time.Second)
	v.SetDefault("execution.twap_drift_pct", 0.001)
	v.SetDefault("execution.volatility_guard", 0.05)
	v.SetDefault("execution.liquidity_guard", 0.3)
	v.SetDefault("execution.fill_timeout", 10*time.Second)
	v.SetDefault("execution.poll_interval", 500*time.Millisecond)

	v.SetDefault("protection.oco_max_retries", 3)
	v.SetDefault("protection.oco_backoff_base", 100*time.Millisecond)
	v.SetDefault("protection.tp_max_retries", 3)
	v.SetDefault("protection.tp_backoff_base", 200*time.Millisecond)
	v.SetDefault("protection.jitter", 0.2)
	v.SetDefault("protection.tp_ladder_multiples", []float64{})

	v.SetDefault("lock.backend", "memory")
	v.SetDefault("lock.ttl", 120*time.Second)
	v.SetDefault("lock.wait", time.Second)
	v.SetDefault("lock.redis_addr", "localhost:6379")
	v.SetDefault("lock.redis_db", 0)

	v.SetDefault("exchange.base_url", "https://api-testnet.bybit.com")
	v.SetDefault("exchange.ws_url", "wss://stream-testnet.bybit.com/v5/public/linear")
	v.SetDefault("exchange.recv_window", 5000)
	v.SetDefault("exchange.timeout", 10*time.Second)
	v.SetDefault("exchange.rate_per_second", 10.0)
	v.SetDefault("exchange.burst", 5)
	v.SetDefault("exchange.use_stream", false)

	v.SetDefault("store.path", filepath.Join(configDir, "sentinentx.db"))
	v.SetDefault("metrics.addr", ":9108")
	v.SetDefault("alerts.webhook_url", "")
	v.SetDefault("alerts.timeout", 5*time.Second)
	v.SetDefault("security.encrypt_credentials", false)
	v.SetDefault("security.read_only_mode", false)

	logDefaults := logging.DefaultLogConfig()
	v.SetDefault("log.level", logDefaults.Level)
	v.SetDefault("log.console", logDefaults.Console)
	v.SetDefault("log.file", logDefaults.File)
	v.SetDefault("log.file_path", filepath.Join(configDir, "logs", "engine.log"))
	v.SetDefault("log.max_size", logDefaults.MaxSize)
	v.SetDefault("log.max_backups", logDefaults.MaxBackups)
	v.SetDefault("log.max_age", logDefaults.MaxAge)
}

// Default returns a configuration built from defaults only.
func Default() *Config {
	v := viper.New()
	SetDefaults(v, DefaultConfigDir())
	cfg := &Config{}
	// Unmarshal of registered defaults cannot fail.
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// .env values become process env before viper reads overrides
	loadDotEnv(configDir)

	cfg := &Config{}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	if cfg.Security.EncryptCredentials {
		if err := loadSealedCredentials(configDir, &cfg.Credentials); err != nil {
			return nil, fmt.Errorf("loading sealed credentials: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadDotEnv(configDir string) {
	for _, path := range []string{".env", filepath.Join(configDir, ".env")} {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
		}
	}
}

func loadConfigFile(configDir string, target *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix("SENTINENTX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		// First run: write a template and continue on defaults
		if err := createTemplateConfig(configDir); err != nil {
			return err
		}
	}

	return v.Unmarshal(target)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func loadSealedCredentials(configDir string, creds *Credentials) error {
	masterKey := os.Getenv("SENTINENTX_MASTER_KEY")
	if masterKey == "" {
		return nil
	}

	manager := security.NewCredentialManager(configDir)
	if !manager.Exists() {
		return nil
	}

	plain, err := manager.Load(masterKey)
	if err != nil {
		return err
	}

	if plain.BybitAPIKey != "" {
		creds.Bybit.APIKey = plain.BybitAPIKey
	}
	if plain.BybitAPISecret != "" {
		creds.Bybit.APISecret = plain.BybitAPISecret
	}
	if plain.OpenAIAPIKey != "" {
		creds.OpenAI.APIKey = plain.OpenAIAPIKey
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BYBIT_API_KEY"); v != "" {
		cfg.Credentials.Bybit.APIKey = v
	}
	if v := os.Getenv("BYBIT_API_SECRET"); v != "" {
		cfg.Credentials.Bybit.APISecret = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Credentials.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		for i := range cfg.Agents.Providers {
			if cfg.Agents.Providers[i].Kind == "openai" && cfg.Agents.Providers[i].Model == "" {
				cfg.Agents.Providers[i].Model = v
			}
		}
	}
	if v := os.Getenv("TRADING_MODE"); v != "" {
		cfg.Trading.Mode = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Trading.Mode != "" && c.Trading.Mode != "live" && c.Trading.Mode != "paper" {
		return fmt.Errorf("invalid trading mode: %s (must be 'live' or 'paper')", c.Trading.Mode)
	}
	if c.Trading.Ladder != "" && c.Trading.Ladder != "rich" && c.Trading.Ladder != "simple" {
		return fmt.Errorf("invalid ladder: %s (must be 'rich' or 'simple')", c.Trading.Ladder)
	}

	if c.Consensus.DeviationThreshold <= 0 || c.Consensus.DeviationThreshold >= 1 {
		return fmt.Errorf("deviation_threshold must be in (0, 1)")
	}
	if c.Consensus.MinConfidence < 0 || c.Consensus.MinConfidence > 100 {
		return fmt.Errorf("min_confidence must be between 0 and 100")
	}
	if c.Consensus.LeverageMin <= 0 || c.Consensus.LeverageMax < c.Consensus.LeverageMin {
		return fmt.Errorf("leverage bounds invalid: [%v, %v]", c.Consensus.LeverageMin, c.Consensus.LeverageMax)
	}
	for name, w := range c.Consensus.Weights {
		if w < 0 {
			return fmt.Errorf("weight for provider %s must be non-negative", name)
		}
	}

	if c.Risk.LiqBufferK <= 0 {
		return fmt.Errorf("liq_buffer_k must be positive")
	}
	if c.Risk.CorrThreshold <= 0 || c.Risk.CorrThreshold > 1 {
		return fmt.Errorf("corr_threshold must be in (0, 1]")
	}
	if len(c.Risk.BandThresholds) != 3 || len(c.Risk.BandIMCaps) != 4 || len(c.Risk.BandMaxLeverage) != 4 {
		return fmt.Errorf("risk bands need 3 thresholds, 4 IM caps and 4 max leverages")
	}
	for i := 1; i < len(c.Risk.BandThresholds); i++ {
		if c.Risk.BandThresholds[i] <= c.Risk.BandThresholds[i-1] {
			return fmt.Errorf("band_thresholds must be strictly increasing")
		}
	}

	if c.Execution.SlippageCapBps <= 0 {
		return fmt.Errorf("slippage_cap_bps must be positive")
	}
	if c.Execution.TWAPChunkFraction <= 0 || c.Execution.TWAPChunkFraction > 1 {
		return fmt.Errorf("twap_chunk_fraction must be in (0, 1]")
	}

	if c.Protection.OCOMaxRetries < 1 || c.Protection.TPMaxRetries < 1 {
		return fmt.Errorf("protection retries must be at least 1")
	}
	if c.Protection.Jitter < 0 || c.Protection.Jitter >= 1 {
		return fmt.Errorf("jitter must be in [0, 1)")
	}

	if c.Lock.Backend != "memory" && c.Lock.Backend != "redis" {
		return fmt.Errorf("invalid lock backend: %s", c.Lock.Backend)
	}
	if c.Lock.TTL < time.Second {
		return fmt.Errorf("lock.ttl must be at least 1s")
	}

	return nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Trading.Mode == "paper"
}

// Weight returns the configured weight of a provider, 1.0 when unset.
func (c ConsensusConfig) Weight(provider string) float64 {
	if w, ok := c.Weights[strings.ToLower(provider)]; ok {
		return w
	}
	return 1.0
}
