package params

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// AssetConfig names a tracked trading pair and the exchanges it is
// fetched from.
type AssetConfig struct {
	Symbol  string   `mapstructure:"symbol" toml:"symbol"`
	Sources []string `mapstructure:"sources" toml:"sources"`
}

// FetcherConfig tunes the per-(source,asset) retry and circuit-breaker
// discipline and the weighted aggregation across sources.
type FetcherConfig struct {
	MaxRetries          int                `mapstructure:"max_retries" toml:"max_retries"`
	RetryDelayMs        int64              `mapstructure:"retry_delay_ms" toml:"retry_delay_ms"`
	BreakerThreshold    int                `mapstructure:"breaker_threshold" toml:"breaker_threshold"`
	BreakerOpenTimeoutS int64              `mapstructure:"breaker_open_timeout_secs" toml:"breaker_open_timeout_secs"`
	HTTPTimeoutSecs     int64              `mapstructure:"http_timeout_secs" toml:"http_timeout_secs"`
	SourceWeights       map[string]float64 `mapstructure:"source_weights" toml:"source_weights"`
}

// GossipConfig tunes the CRDS overlay.
type GossipConfig struct {
	Port           int      `mapstructure:"port" toml:"port"`
	Bootstrap      []string `mapstructure:"bootstrap" toml:"bootstrap"`
	Fanout         int      `mapstructure:"fanout" toml:"fanout"`
	PullIntervalMs int64    `mapstructure:"pull_interval_ms" toml:"pull_interval_ms"`
	MaxEntries     int      `mapstructure:"max_entries" toml:"max_entries"`
}

// Config is the node's TOML configuration. Environment variables with
// the TACHYON_ prefix override file values; a .env file is honored.
type Config struct {
	KeypairPath         string            `mapstructure:"keypair_path" toml:"keypair_path"`
	ChainRPCURL         string            `mapstructure:"chain_rpc_url" toml:"chain_rpc_url"`
	GovernanceProgramID string            `mapstructure:"governance_program_id" toml:"governance_program_id"`
	SettlementProgramID string            `mapstructure:"settlement_program_id" toml:"settlement_program_id"`
	GossipPort          int               `mapstructure:"gossip_port" toml:"gossip_port"`
	APIPort             int               `mapstructure:"api_port" toml:"api_port"`
	DataDir             string            `mapstructure:"data_dir" toml:"data_dir"`
	UpdateIntervalMs    int64             `mapstructure:"update_interval_ms" toml:"update_interval_ms"`
	BatchIntervalMs     int64             `mapstructure:"batch_interval_ms" toml:"batch_interval_ms"`
	MinPublishers       int               `mapstructure:"min_publishers" toml:"min_publishers"`
	Assets              []AssetConfig     `mapstructure:"assets" toml:"assets"`
	SourceCredentials   map[string]string `mapstructure:"source_credentials" toml:"source_credentials,omitempty"`
	Fetcher             FetcherConfig     `mapstructure:"fetcher" toml:"fetcher"`
	Gossip              GossipConfig      `mapstructure:"gossip" toml:"gossip"`
}

func (c *Config) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalMs) * time.Millisecond
}

func (c *Config) BatchInterval() time.Duration {
	return time.Duration(c.BatchIntervalMs) * time.Millisecond
}

// Default mirrors the asset set and intervals the network launched with.
func Default() *Config {
	defaultSources := []string{"binance", "coinbase"}
	symbols := []string{
		"BTC/USD", "ETH/USD", "SOL/USD", "AVAX/USD", "MATIC/USD",
		"BNB/USD", "XRP/USD", "ADA/USD", "DOT/USD",
	}
	assets := make([]AssetConfig, 0, len(symbols))
	for _, s := range symbols {
		assets = append(assets, AssetConfig{Symbol: s, Sources: defaultSources})
	}
	return &Config{
		KeypairPath:         "~/.config/tachyon/id.json",
		ChainRPCURL:         "http://127.0.0.1:8899",
		GovernanceProgramID: "2a5e9f0c7b1d4e8a6c3f5b9d7e1a4c8f6b3d5e9a7c1f4b8d6e3a5c9f7b1d4e8a",
		SettlementProgramID: "7c1f4b8d6e3a5c9f7b1d4e8a2a5e9f0c7b1d4e8a6c3f5b9d7e1a4c8f6b3d5e9a",
		GossipPort:          7777,
		APIPort:             8899,
		DataDir:             "data",
		UpdateIntervalMs:    1000,
		BatchIntervalMs:     100,
		MinPublishers:       3,
		Assets:              assets,
		Fetcher: FetcherConfig{
			MaxRetries:          3,
			RetryDelayMs:        100,
			BreakerThreshold:    5,
			BreakerOpenTimeoutS: 60,
			HTTPTimeoutSecs:     5,
			SourceWeights: map[string]float64{
				"binance":  1.5,
				"coinbase": 1.3,
				"kraken":   1.2,
				"okx":      1.0,
				"bybit":    1.0,
			},
		},
		Gossip: GossipConfig{
			Port:           7777,
			Fanout:         6,
			PullIntervalMs: 5000,
			MaxEntries:     10000,
		},
	}
}

// Load reads the TOML config at path, applies .env and TACHYON_*
// environment overrides, and validates it.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(ExpandPath(path))
	v.SetConfigType("toml")
	v.SetEnvPrefix("TACHYON")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	// An asset list in the file replaces the default list instead of
	// being merged into it element by element.
	if v.IsSet("assets") {
		cfg.Assets = nil
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as TOML, creating parent directories.
func (c *Config) Save(path string) error {
	expanded := ExpandPath(path)
	if dir := filepath.Dir(expanded); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(expanded, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the node cannot start with.
func (c *Config) Validate() error {
	if c.KeypairPath == "" {
		return fmt.Errorf("keypair_path is required")
	}
	if c.ChainRPCURL == "" {
		return fmt.Errorf("chain_rpc_url is required")
	}
	if c.GossipPort <= 0 || c.GossipPort > 65535 {
		return fmt.Errorf("gossip_port %d out of range", c.GossipPort)
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("api_port %d out of range", c.APIPort)
	}
	if c.MinPublishers < 1 {
		return fmt.Errorf("min_publishers must be at least 1")
	}
	if c.BatchIntervalMs <= 0 || c.UpdateIntervalMs <= 0 {
		return fmt.Errorf("intervals must be positive")
	}
	if len(c.Assets) == 0 {
		return fmt.Errorf("at least one asset is required")
	}
	for _, a := range c.Assets {
		if a.Symbol == "" || len(a.Sources) == 0 {
			return fmt.Errorf("asset %q needs a symbol and at least one source", a.Symbol)
		}
	}
	return nil
}

// ExpandPath resolves a leading ~ against the home directory.
func ExpandPath(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
