// Package config loads service configuration from a yaml file with
// environment overrides, falling back to defaults when no file is present.
package config

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v2"

	"docvault/pkg/blob"
)

// TokenUser is the identity a static bearer token resolves to.
type TokenUser struct {
	ID       string `yaml:"id"`
	Username string `yaml:"username"`
	Email    string `yaml:"email"`
}

// Config is the full service configuration.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Storage struct {
		Path     string        `yaml:"path"`
		Database string        `yaml:"database"`
		Backend  string        `yaml:"backend"` // "local" or "s3"
		S3       blob.S3Config `yaml:"s3"`
	} `yaml:"storage"`
	Auth struct {
		// Tokens maps static bearer tokens to identities; useful for
		// service accounts and tests.
		Tokens map[string]TokenUser `yaml:"tokens"`
		// JWTSecret enables HS256 bearer tokens when set.
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
}

// Load reads the config file named by DOCVAULT_CONFIG (default
// config.yaml), then applies environment overrides.
func Load() (*Config, error) {
	cfg := defaults()

	configPath := "config.yaml"
	if envPath := os.Getenv("DOCVAULT_CONFIG"); envPath != "" {
		configPath = envPath
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		log.Printf("config file %s not found, using defaults", configPath)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if port := os.Getenv("DOCVAULT_PORT"); port != "" {
		cfg.Server.Port = port
	}
	if secret := os.Getenv("DOCVAULT_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}
	cfg.Server.Port = "8080"
	cfg.Storage.Path = "./storage"
	cfg.Storage.Database = "./docvault.db"
	cfg.Storage.Backend = "local"
	cfg.Auth.Tokens = map[string]TokenUser{}
	return cfg
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "local":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if len(c.Auth.Tokens) == 0 && c.Auth.JWTSecret == "" {
		return fmt.Errorf("no authentication configured: set auth.tokens or auth.jwt_secret")
	}
	return nil
}
