// Package config provides configuration management for the go-beanbag application.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/securemtr/go-beanbag/internal/domain"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel string `mapstructure:"log_level"`
	TimeZone string `mapstructure:"timezone"`
	BaseURL  string `mapstructure:"base_url"`

	// Cloud account credentials
	Account struct {
		Email          string `mapstructure:"email"`
		PasswordDigest string `mapstructure:"password_digest"`
	} `mapstructure:"account"`

	// HTTP API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// MQTT settings
	MQTT struct {
		Enabled  bool   `mapstructure:"enabled"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		Topic    string `mapstructure:"topic"`
		Retain   bool   `mapstructure:"retain"`

		// Home Assistant Auto-Discovery settings
		HomeAssistantAutoDiscovery struct {
			Enabled            bool   `mapstructure:"enabled"`
			DiscoveryPrefix    string `mapstructure:"discovery_prefix"`
			DeviceName         string `mapstructure:"device_name"`
			DeviceManufacturer string `mapstructure:"device_manufacturer"`
			RetainDiscovery    bool   `mapstructure:"retain_discovery"`
		} `mapstructure:"homeassistant_autodiscovery"`
	} `mapstructure:"mqtt"`

	// Statistics settings
	Statistics struct {
		FallbackPowerKW float64 `mapstructure:"fallback_power_kw"`
		AnchorStrategy  string  `mapstructure:"anchor_strategy"`
		FixedAnchorHour int     `mapstructure:"fixed_anchor_hour"`
		RefreshHour     int     `mapstructure:"refresh_hour"`
		WindowIndex     int     `mapstructure:"window_index"`
		StatePath       string  `mapstructure:"state_path"`
	} `mapstructure:"statistics"`

	// Boost settings
	Boost struct {
		DefaultDurationMinutes int `mapstructure:"default_duration_minutes"`
	} `mapstructure:"boost"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel: "info",
		TimeZone: "UTC",
	}

	// Default API settings
	cfg.API.Enabled = true
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080

	// Default MQTT settings
	cfg.MQTT.Enabled = true
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.Topic = "energy/waterheater"
	cfg.MQTT.Retain = false

	// Default Home Assistant Auto-Discovery settings
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = false
	cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix = "homeassistant"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceName = "E7+ Water Heater"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceManufacturer = "Secure Meters"
	cfg.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery = true

	// Default statistics settings
	cfg.Statistics.FallbackPowerKW = 3.0
	cfg.Statistics.AnchorStrategy = "midpoint"
	cfg.Statistics.FixedAnchorHour = 2
	cfg.Statistics.RefreshHour = 1
	cfg.Statistics.WindowIndex = 1
	cfg.Statistics.StatePath = "statistics_state.json"

	// Default boost settings
	cfg.Boost.DefaultDurationMinutes = 60

	return cfg
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Set up Viper
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Override with specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use defaults
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			fmt.Println("No configuration file found, using defaults")
		} else {
			// Other errors (like invalid YAML) should be returned
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// Bind environment variables
	v.SetEnvPrefix("BEANBAG")
	v.AutomaticEnv()

	// Unmarshal config
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks settings that would otherwise fail deep inside the
// runtime.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", domain.ErrValidation, c.TimeZone)
	}
	if c.Statistics.FallbackPowerKW <= 0 {
		return fmt.Errorf("%w: fallback_power_kw must be positive", domain.ErrValidation)
	}
	if c.Statistics.FixedAnchorHour < 0 || c.Statistics.FixedAnchorHour > 23 {
		return fmt.Errorf("%w: fixed_anchor_hour out of range", domain.ErrValidation)
	}
	if c.Statistics.RefreshHour < 0 || c.Statistics.RefreshHour > 23 {
		return fmt.Errorf("%w: refresh_hour out of range", domain.ErrValidation)
	}
	if c.Boost.DefaultDurationMinutes <= 0 {
		return fmt.Errorf("%w: default_duration_minutes must be positive", domain.ErrValidation)
	}
	return nil
}

// Location resolves the configured timezone. Validate has already
// checked the name, so failures only happen on an unvalidated Config.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.TimeZone)
}

// FixedAnchor returns the fixed anchor as a time-of-day offset.
func (c *Config) FixedAnchor() time.Duration {
	return time.Duration(c.Statistics.FixedAnchorHour) * time.Hour
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("go-beanbag Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")
	logger.Info().Str("timezone", c.TimeZone).Msg("Timezone")
	logger.Info().Str("email", c.Account.Email).Msg("Account")

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Msg("API Server")
	}

	logger.Info().Bool("enabled", c.MQTT.Enabled).Msg("MQTT Enabled")
	if c.MQTT.Enabled {
		logger.Info().
			Str("host", c.MQTT.Host).
			Int("port", c.MQTT.Port).
			Str("topic", c.MQTT.Topic).
			Bool("homeassistant_autodiscovery_enabled", c.MQTT.HomeAssistantAutoDiscovery.Enabled).
			Msg("MQTT Configuration")
	}

	logger.Info().
		Float64("fallback_power_kw", c.Statistics.FallbackPowerKW).
		Str("anchor_strategy", c.Statistics.AnchorStrategy).
		Int("refresh_hour", c.Statistics.RefreshHour).
		Str("state_path", c.Statistics.StatePath).
		Msg("Statistics")

	logger.Info().Msg("-----------------------------")
}
