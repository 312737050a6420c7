// Package config loads settings for the negotiation server and the CLI from
// an optional YAML file, LINGUA_* environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "LINGUA"

type Config struct {
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	OpenAI OpenAIConfig `mapstructure:"openai" yaml:"openai"`
	Auth   AuthConfig   `mapstructure:"auth" yaml:"auth"`
	Kafka  KafkaConfig  `mapstructure:"kafka" yaml:"kafka"`
	Client ClientConfig `mapstructure:"client" yaml:"client"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	// Mode is gin's mode: debug or release.
	Mode string `mapstructure:"mode" yaml:"mode"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key" yaml:"-"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	Model   string `mapstructure:"model" yaml:"model"`
	Voice   string `mapstructure:"voice" yaml:"voice"`
	// SecretTTL is how long a minted client secret stays valid.
	SecretTTL time.Duration `mapstructure:"secret_ttl" yaml:"secret_ttl"`
}

type AuthConfig struct {
	SessionTTL time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
	BcryptCost int           `mapstructure:"bcrypt_cost" yaml:"bcrypt_cost"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled"`
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
}

type ClientConfig struct {
	// ServerURL is where the negotiation server runs.
	ServerURL     string        `mapstructure:"server_url" yaml:"server_url"`
	Scenario      string        `mapstructure:"scenario" yaml:"scenario"`
	Level         int           `mapstructure:"level" yaml:"level"`
	GatherTimeout time.Duration `mapstructure:"gather_timeout" yaml:"gather_timeout"`
	RecordDir     string        `mapstructure:"record_dir" yaml:"record_dir"`
	Email         string        `mapstructure:"email" yaml:"email"`
	Password      string        `mapstructure:"password" yaml:"-"`
}

type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.mode", "release")
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-realtime")
	v.SetDefault("openai.voice", "sage")
	v.SetDefault("openai.secret_ttl", "10m")
	v.SetDefault("auth.session_ttl", "24h")
	v.SetDefault("auth.bcrypt_cost", 10)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "lingua.usage")
	v.SetDefault("client.server_url", "http://localhost:3000")
	v.SetDefault("client.scenario", "1")
	v.SetDefault("client.level", 1)
	v.SetDefault("client.gather_timeout", "5s")
	v.SetDefault("client.record_dir", "recordings")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 2)
	v.SetDefault("log.max_age_days", 3)
	v.SetDefault("log.compress", false)
}

// Load reads path when non-empty; a missing file is an error only then.
// Every key can be overridden from the environment, e.g. LINGUA_SERVER_ADDR.
// OPENAI_API_KEY and OPENAI_BASE_URL are honoured as well.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("openai.api_key", EnvPrefix+"_OPENAI_API_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("openai.base_url", EnvPrefix+"_OPENAI_BASE_URL", "OPENAI_BASE_URL"); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Mode != "debug" && c.Server.Mode != "release" && c.Server.Mode != "test" {
		errs = append(errs, fmt.Errorf("server.mode must be debug, release or test, got %q", c.Server.Mode))
	}
	if c.OpenAI.SecretTTL < 10*time.Second || c.OpenAI.SecretTTL > 2*time.Hour {
		errs = append(errs, fmt.Errorf("openai.secret_ttl must be between 10s and 2h, got %s", c.OpenAI.SecretTTL))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}
	if c.Client.Level < 0 {
		errs = append(errs, fmt.Errorf("client.level must not be negative, got %d", c.Client.Level))
	}
	return errors.Join(errs...)
}
