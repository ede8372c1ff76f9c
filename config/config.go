package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PlaceholderAPIKey is the template value shipped in example env files.
// A cloud credential equal to this value is treated as absent.
const PlaceholderAPIKey = "your-e2b-api-key-here"

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Cloud      CloudConfig      `mapstructure:"cloud"`
	Serverless ServerlessConfig `mapstructure:"serverless"`
	Local      LocalConfig      `mapstructure:"local"`
	Session    SessionConfig    `mapstructure:"session"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// CloudConfig holds configuration for the managed micro-VM sandbox backend.
// The API key is sourced from the E2B_API_KEY environment variable unless
// set explicitly in the config file.
type CloudConfig struct {
	APIKey   string `mapstructure:"api_key"`
	Domain   string `mapstructure:"domain"`
	APIURL   string `mapstructure:"api_url"`
	Template string `mapstructure:"template"`
}

// HasCredential reports whether a usable cloud API key is configured.
func (c CloudConfig) HasCredential() bool {
	key := strings.TrimSpace(c.APIKey)
	return key != "" && key != PlaceholderAPIKey
}

// ServerlessConfig holds configuration for the serverless endpoint backend.
// ConfigFile points at the gateway credentials file (ini format with a
// [default] section containing gateway_host, gateway_port and token).
type ServerlessConfig struct {
	ConfigFile string `mapstructure:"config_file"`
	Endpoint   string `mapstructure:"endpoint"`
	Volume     string `mapstructure:"volume"`
	CLIBinary  string `mapstructure:"cli_binary"`
}

// LocalConfig holds configuration for the local container backend
type LocalConfig struct {
	Runtime     string `mapstructure:"runtime"`
	ComposeFile string `mapstructure:"compose_file"`
	Service     string `mapstructure:"service"`
	Interpreter string `mapstructure:"interpreter"`
}

// SessionConfig holds session-level configuration
type SessionConfig struct {
	TimeoutSec   int    `mapstructure:"timeout_sec"`
	ReferenceDir string `mapstructure:"reference_dir"`
	DataDir      string `mapstructure:"data_dir"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set default values
	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.http_port", 8080)

	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	viper.SetDefault("cloud.api_key", "")
	viper.SetDefault("cloud.domain", "e2b.app")
	viper.SetDefault("cloud.api_url", "")
	viper.SetDefault("cloud.template", "gdpval-workspace")

	viper.SetDefault("serverless.config_file", "~/.beta9/config.ini")
	viper.SetDefault("serverless.endpoint", "agento-code-exec")
	viper.SetDefault("serverless.volume", "agento-sandbox-vol")
	viper.SetDefault("serverless.cli_binary", "beta9")

	viper.SetDefault("local.runtime", "docker")
	viper.SetDefault("local.compose_file", "docker-compose.yml")
	viper.SetDefault("local.service", "app")
	viper.SetDefault("local.interpreter", "python")

	// One hour, matching the longest permitted task duration
	viper.SetDefault("session.timeout_sec", 3600)
	viper.SetDefault("session.reference_dir", "/home/user/reference_files")
	viper.SetDefault("session.data_dir", "./data")

	// The cloud credential normally arrives through the environment
	if err := viper.BindEnv("cloud.api_key", "E2B_API_KEY"); err != nil {
		return nil, fmt.Errorf("error binding cloud.api_key: %w", err)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	config.Serverless.ConfigFile = ExpandHome(config.Serverless.ConfigFile)

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Session.TimeoutSec <= 0 {
		return fmt.Errorf("session.timeout_sec must be positive, got: %d", c.Session.TimeoutSec)
	}

	if c.Session.ReferenceDir == "" {
		return fmt.Errorf("session.reference_dir must not be empty")
	}

	if c.Serverless.Endpoint == "" {
		return fmt.Errorf("serverless.endpoint must not be empty")
	}

	if c.Serverless.Volume == "" {
		return fmt.Errorf("serverless.volume must not be empty")
	}

	supportedRuntimes := map[string]bool{
		"docker": true,
		"podman": true,
	}
	if !supportedRuntimes[c.Local.Runtime] {
		return fmt.Errorf("unsupported local.runtime: %s", c.Local.Runtime)
	}

	return nil
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Session.TimeoutSec) * time.Second
}

// ExpandHome resolves a leading ~/ against the current user's home directory.
func ExpandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(p, "~"), "/"))
	}
	return p
}
