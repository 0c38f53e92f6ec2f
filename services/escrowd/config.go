package escrowd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for escrowd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"env"`
	DatabaseDSN   string          `yaml:"database"`
	DisputeWindow Duration        `yaml:"dispute_window"`
	Chain         ChainConfig     `yaml:"chain"`
	Wallet        WalletConfig    `yaml:"wallet"`
	Payout        PayoutConfig    `yaml:"payout"`
	Jury          JuryConfig      `yaml:"jury"`
	Funding       FundingConfig   `yaml:"funding"`
	Auth          AuthConfig      `yaml:"auth"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

// TelemetryConfig points at an OTLP collector. Telemetry stays off unless an
// endpoint is configured.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Headers  string `yaml:"headers"`
	Metrics  bool   `yaml:"metrics"`
	Traces   bool   `yaml:"traces"`
}

// ChainConfig points at the chain index the verifier reads.
type ChainConfig struct {
	RPCURL     string   `yaml:"rpc_url"`
	RPCToken   string   `yaml:"rpc_token"`
	ChainType  string   `yaml:"type"`
	Mint       string   `yaml:"mint"`
	Tolerance  float64  `yaml:"tolerance"`
	ScanWindow Duration `yaml:"scan_window"`
	ScanLimit  int      `yaml:"scan_limit"`
}

// WalletConfig points at the custodial wallet provider.
type WalletConfig struct {
	ProviderURL string `yaml:"provider_url"`
	Credential  string `yaml:"credential"`
	Simulated   bool   `yaml:"simulated"`
}

// PayoutConfig controls the payout engine and retry sweep.
type PayoutConfig struct {
	PlatformWallet string   `yaml:"platform_wallet"`
	FeePercent     float64  `yaml:"fee_percent"`
	QueueSize      int      `yaml:"queue_size"`
	RetryInterval  Duration `yaml:"retry_interval"`
	SimulatedDelay Duration `yaml:"simulated_delay"`
}

// JuryConfig points at the external evaluator service.
type JuryConfig struct {
	EvaluatorURL string   `yaml:"evaluator_url"`
	APIKey       string   `yaml:"api_key"`
	Quorum       int      `yaml:"quorum"`
	Timeout      Duration `yaml:"timeout"`
}

// FundingConfig controls the background funding watcher.
type FundingConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	Budget       Duration `yaml:"budget"`
}

// AuthConfig carries the bearer-token verification secret.
type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	JWTSecretFile string `yaml:"jwt_secret_file"`
}

// LoadConfig reads and validates the YAML configuration at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("escrowd: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("escrowd: parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = ":8080"
	}
	if c.DatabaseDSN == "" {
		c.DatabaseDSN = "escrowd.db"
	}
	if c.DisputeWindow.Duration <= 0 {
		c.DisputeWindow.Duration = 48 * time.Hour
	}
	if c.Chain.ChainType == "" {
		c.Chain.ChainType = "evm"
	}
	if c.Chain.ScanWindow.Duration <= 0 {
		c.Chain.ScanWindow.Duration = 600 * time.Second
	}
	if c.Payout.FeePercent <= 0 {
		c.Payout.FeePercent = 5
	}
	if c.Payout.RetryInterval.Duration <= 0 {
		c.Payout.RetryInterval.Duration = time.Minute
	}
	if c.Jury.Quorum <= 0 {
		c.Jury.Quorum = 2
	}
	if c.Jury.Timeout.Duration <= 0 {
		c.Jury.Timeout.Duration = 60 * time.Second
	}
	if c.Funding.PollInterval.Duration <= 0 {
		c.Funding.PollInterval.Duration = 5 * time.Second
	}
	if c.Funding.Budget.Duration <= 0 {
		c.Funding.Budget.Duration = 10 * time.Minute
	}
	if secret := os.Getenv("ESCROWD_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" && c.Auth.JWTSecretFile != "" {
		data, err := os.ReadFile(c.Auth.JWTSecretFile)
		if err != nil {
			return fmt.Errorf("escrowd: read jwt secret file: %w", err)
		}
		c.Auth.JWTSecret = strings.TrimSpace(string(data))
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("escrowd: jwt secret not configured")
	}
	if c.Chain.Mint == "" {
		return fmt.Errorf("escrowd: chain mint not configured")
	}
	if !c.Wallet.Simulated && c.Wallet.ProviderURL == "" {
		return fmt.Errorf("escrowd: wallet provider url required outside simulated mode")
	}
	if c.Payout.PlatformWallet == "" {
		return fmt.Errorf("escrowd: platform wallet not configured")
	}
	return nil
}
