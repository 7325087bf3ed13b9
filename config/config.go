package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Aggregator   AggregatorConfig   `mapstructure:"aggregator"`
	AlphaVantage AlphaVantageConfig `mapstructure:"alphavantage"`
	Validation   ValidationConfig   `mapstructure:"validation"`
	Secrets      SecretsConfig      `mapstructure:"secrets"`
	Log          LogConfig          `mapstructure:"log"`
}

// AggregatorConfig configures the crypto-exchange aggregator REST API.
type AggregatorConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxMarkets int           `mapstructure:"max_markets"` // markets priced per overview
	FanOut     FanOutConfig  `mapstructure:"fanout"`
}

type AlphaVantageConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	ToCurrency      string        `mapstructure:"to_currency"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Symbols         []string      `mapstructure:"symbols"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	FanOut          FanOutConfig  `mapstructure:"fanout"`
}

// FanOutConfig is the concurrency/pacing policy of a multi-item fetch.
type FanOutConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	Delay       time.Duration `mapstructure:"delay"`
}

type ValidationConfig struct {
	BatchSize int          `mapstructure:"batch_size"`
	FanOut    FanOutConfig `mapstructure:"fanout"`
}

// LogConfig defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

// flagKeys maps config keys to the command-line flags that may override them.
var flagKeys = map[string]string{
	"alphavantage.symbols": "symbols",
	"secrets.environment":  "env",
	"log.level":            "log-level",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("aggregator.base_url", "https://api.cryptoapis.io/v1")
	v.SetDefault("aggregator.api_key", "")
	v.SetDefault("aggregator.timeout", 10*time.Second)
	v.SetDefault("aggregator.max_markets", 20)
	v.SetDefault("aggregator.fanout.concurrency", 20)
	v.SetDefault("aggregator.fanout.delay", time.Duration(0))

	v.SetDefault("alphavantage.base_url", "https://www.alphavantage.co")
	v.SetDefault("alphavantage.api_key", "")
	v.SetDefault("alphavantage.to_currency", "USD")
	v.SetDefault("alphavantage.timeout", 10*time.Second)
	v.SetDefault("alphavantage.symbols", []string{"BTC", "ETH", "BNB", "XRP", "ADA", "DOT"})
	v.SetDefault("alphavantage.refresh_interval", 5*time.Minute)
	// free tier allows 5 requests per minute
	v.SetDefault("alphavantage.fanout.concurrency", 1)
	v.SetDefault("alphavantage.fanout.delay", 1500*time.Millisecond)

	v.SetDefault("validation.batch_size", 5)
	v.SetDefault("validation.fanout.concurrency", 5)
	v.SetDefault("validation.fanout.delay", time.Duration(0))

	v.SetDefault("secrets.environment", "dev")
	v.SetDefault("secrets.aggregator_key_param", "")
	v.SetDefault("secrets.alphavantage_key_param", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_file", "")
	v.SetDefault("log.environment", "dev")
}

// Load loads application configuration using Viper.
// It reads from config.yaml and overrides with environment variables and flags.
func Load(flags *pflag.FlagSet) *Config {
	cfg, err := Read(flags)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// Read is Load without the fatal exit. A missing config.yaml is not an error:
// defaults and environment variables are enough to run.
func Read(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config") // config.yaml
	v.SetConfigType("yaml")

	if flags != nil {
		if f := flags.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
		}
		for key, name := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	ex, _ := os.Executable()
	if strings.Contains(ex, "go-build") {
		pwd, _ := os.Getwd()
		v.AddConfigPath(filepath.Join(pwd, "../../config"))
	} else {
		v.AddConfigPath(filepath.Join(filepath.Dir(ex), "../config"))
	}
	v.AddConfigPath(".")

	// Support environment variables with dot notation (e.g., AGGREGATOR_API_KEY)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the fetch pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Aggregator.MaxMarkets <= 0 {
		return fmt.Errorf("aggregator.max_markets must be positive, got %d", c.Aggregator.MaxMarkets)
	}
	if c.Validation.BatchSize <= 0 {
		return fmt.Errorf("validation.batch_size must be positive, got %d", c.Validation.BatchSize)
	}
	for name, f := range map[string]FanOutConfig{
		"aggregator.fanout":   c.Aggregator.FanOut,
		"alphavantage.fanout": c.AlphaVantage.FanOut,
		"validation.fanout":   c.Validation.FanOut,
	} {
		if f.Concurrency <= 0 {
			return fmt.Errorf("%s.concurrency must be positive, got %d", name, f.Concurrency)
		}
		if f.Delay < 0 {
			return fmt.Errorf("%s.delay must not be negative", name)
		}
	}
	return nil
}
