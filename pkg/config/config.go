package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rahul/warden/internal/session"
)

type Config struct {
	App       AppConfig                 `yaml:"app"`
	Gateways  map[string]GatewayConfig  `yaml:"gateways"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Safety    SafetyConfig              `yaml:"safety"`
	Audit     AuditConfig               `yaml:"audit"`
	Web       WebConfig                 `yaml:"web"`
}

type AppConfig struct {
	Name      string `yaml:"name"`
	Workspace string `yaml:"workspace"`
}

type GatewayConfig struct {
	Token   string `yaml:"token"`
	Enabled bool   `yaml:"enabled"`
}

type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url,omitempty"`
	Enabled bool   `yaml:"enabled"`
}

type SafetyConfig struct {
	Mode                       string `yaml:"mode"`
	EmergencyResetCode         string `yaml:"emergency_reset_code"`
	AllowDesktopControl        bool   `yaml:"allow_desktop_control"`
	AllowSystemCommands        bool   `yaml:"allow_system_commands"`
	AllowBrowserAutomation     bool   `yaml:"allow_browser_automation"`
	AllowSoftwareInstallation  bool   `yaml:"allow_software_installation"`
	ConfirmationTimeoutSeconds int    `yaml:"confirmation_timeout_seconds"`
	RateLimitPerMinute         int    `yaml:"rate_limit_per_minute"`
}

type AuditConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Addr    string `yaml:"addr"`
	Enabled bool   `yaml:"enabled"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	if _, err := cfg.SafetyMode(); err != nil {
		return nil, err
	}
	if cfg.Safety.EmergencyResetCode == "" {
		return nil, fmt.Errorf("safety.emergency_reset_code must be set")
	}
	if cfg.Safety.ConfirmationTimeoutSeconds <= 0 {
		cfg.Safety.ConfirmationTimeoutSeconds = 300
	}
	if cfg.Safety.RateLimitPerMinute <= 0 {
		cfg.Safety.RateLimitPerMinute = 10
	}
	if cfg.Audit.Path == "" {
		cfg.Audit.Path = "warden.db"
	}

	return &cfg, nil
}

// SafetyMode validates and returns the configured mode. Empty defaults to strict.
func (c *Config) SafetyMode() (session.SafetyMode, error) {
	switch c.Safety.Mode {
	case "", "strict":
		return session.ModeStrict, nil
	case "moderate":
		return session.ModeModerate, nil
	case "minimal":
		return session.ModeMinimal, nil
	}
	return "", fmt.Errorf("safety.mode must be strict, moderate or minimal, got %q", c.Safety.Mode)
}

// GetDefaultProvider returns the first enabled provider.
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	for name, p := range c.Providers {
		if p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}

// GetGateway returns a gateway config if enabled.
func (c *Config) GetGateway(name string) (GatewayConfig, bool) {
	gw, ok := c.Gateways[name]
	if ok && gw.Enabled && gw.Token != "" {
		return gw, true
	}
	return GatewayConfig{}, false
}
