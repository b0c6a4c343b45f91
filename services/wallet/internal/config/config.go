package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location relative to the working dir.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port            string   `yaml:"port"`
	DatabaseURL     string   `yaml:"databaseURL"`
	LogLevel        string   `yaml:"logLevel"`
	AMQPURL         string   `yaml:"amqpURL"`
	RollupQueue     string   `yaml:"rollupQueue"`
	RedisAddr       string   `yaml:"redisAddr"`
	RedisPassword   string   `yaml:"redisPassword"`
	AuthJWKSURL     string   `yaml:"authJWKSURL"`
	JWTIssuer       string   `yaml:"jwtIssuer"`
	JWTAudience     string   `yaml:"jwtAudience"`
	TrustedProxies  []string `yaml:"trustedProxies"`
	RateLimitPerMin int      `yaml:"rateLimitPerMin"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if cfg.RollupQueue == "" {
		cfg.RollupQueue = "wallet.rollups"
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	return nil
}
