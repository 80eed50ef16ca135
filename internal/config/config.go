// Package config provides configuration for the guide service.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CountryPlaceholder must appear in GuideURLTemplate.
const CountryPlaceholder = "{COUNTRY}"

// Config holds the application configuration.
type Config struct {
	// Guide sources
	Countries        string `yaml:"countries"`
	GuideURLTemplate string `yaml:"guideUrlTemplate"`
	ChannelsFile     string `yaml:"channelsFile"`

	// Server
	BindAddr string `yaml:"bindAddr"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	// Ingestion
	CacheTTL      time.Duration `yaml:"cacheTtl"`
	HoursAhead    time.Duration `yaml:"hoursAhead"`
	FetchTimeout  time.Duration `yaml:"fetchTimeout"`
	Concurrency   int           `yaml:"concurrency"`
	ParserBackend string        `yaml:"parser"`
	HonorTimezone bool          `yaml:"honorTimezone"`

	// Data refresh, zero disables it
	RefreshInterval time.Duration `yaml:"refreshInterval"`

	// Persistent cache storage
	Store     string `yaml:"store"`
	StorePath string `yaml:"storePath"`
	RedisAddr string `yaml:"redisAddr"`
	RedisDB   int    `yaml:"redisDb"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		GuideURLTemplate: "https://epg.example.com/epg/EPG-" + CountryPlaceholder + ".xml",
		BindAddr:         "0.0.0.0",
		Port:             8080,
		LogLevel:         "info",
		CacheTTL:         6 * time.Hour,
		HoursAhead:       24 * time.Hour,
		FetchTimeout:     60 * time.Second,
		Concurrency:      4,
		ParserBackend:    "scan",
		RefreshInterval:  30 * time.Minute,
		Store:            "memory",
	}
}

// Load overlays the YAML file at path onto c. Keys absent from the file keep
// their current values.
func (c *Config) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.GuideURLTemplate == "" {
		return errors.New("--guide-url is required")
	}

	if !strings.Contains(c.GuideURLTemplate, CountryPlaceholder) {
		return fmt.Errorf("guide URL must contain %s", CountryPlaceholder)
	}

	if _, err := url.Parse(strings.ReplaceAll(c.GuideURLTemplate, CountryPlaceholder, "XX")); err != nil {
		return fmt.Errorf("invalid guide URL: %w", err)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}

	if c.CacheTTL <= 0 {
		return errors.New("cache TTL must be positive")
	}

	if c.HoursAhead <= 0 {
		return errors.New("hours ahead must be positive")
	}

	if c.FetchTimeout <= 0 {
		return errors.New("fetch timeout must be positive")
	}

	if c.Concurrency < 1 {
		return errors.New("concurrency must be at least 1")
	}

	if c.RefreshInterval < 0 {
		return errors.New("refresh interval must not be negative")
	}

	switch c.ParserBackend {
	case "scan", "xml":
	default:
		return fmt.Errorf("unknown parser %q, want scan or xml", c.ParserBackend)
	}

	switch c.Store {
	case "memory":
	case "file", "badger", "sqlite":
		if c.StorePath == "" {
			return fmt.Errorf("--store-path is required for the %s store", c.Store)
		}
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("--redis-addr is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}

	return nil
}

// ListenAddr returns the full listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddr, c.Port)
}

// CountryCodes returns the comma-separated Countries as upper-case codes.
func (c *Config) CountryCodes() []string {
	if c.Countries == "" {
		return nil
	}

	parts := strings.Split(c.Countries, ",")
	result := make([]string, 0, len(parts))

	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			result = append(result, p)
		}
	}

	return result
}
