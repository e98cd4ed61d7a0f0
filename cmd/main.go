// Package main provides the entry point for the go-beanbag service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/securemtr/go-beanbag/internal/api"
	"github.com/securemtr/go-beanbag/internal/beanbag"
	"github.com/securemtr/go-beanbag/internal/config"
	"github.com/securemtr/go-beanbag/internal/domain"
	"github.com/securemtr/go-beanbag/internal/pubsub"
	"github.com/securemtr/go-beanbag/internal/service"
	"github.com/securemtr/go-beanbag/internal/stats"
	"github.com/securemtr/go-beanbag/internal/store"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

func main() {
	code := run() // run() returns an int
	os.Exit(code) // os.Exit is called after deferred functions in run() execute
}

func run() int {
	// Parse command line flags
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	// Show version if requested
	if *showVersion {
		fmt.Printf("go-beanbag %s\n", Version)
		return 0
	}

	// Initialize context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return 1
	}

	// Initialize logger with the configured log level
	initLogger(cfg.LogLevel)

	log.Info().Str("version", Version).Msg("Starting go-beanbag")

	// Log service configuration for debugging
	logServiceConfiguration(cfg)

	if cfg.Account.Email == "" || cfg.Account.PasswordDigest == "" {
		log.Error().Msg("Account email and password digest must be configured")
		return 1
	}

	loc, err := cfg.Location()
	if err != nil {
		log.Error().Err(err).Msg("Failed to resolve timezone")
		return 1
	}

	// Initialize MQTT publisher
	var publisher domain.MessagePublisher
	if cfg.MQTT.Enabled {
		mqttPublisher := pubsub.NewMQTTPublisher(cfg)
		if err := mqttPublisher.Connect(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to connect to MQTT broker, using noop publisher")
			publisher = pubsub.NewNoopPublisher()
		} else {
			publisher = mqttPublisher
			log.Info().Msg("MQTT publisher connected successfully")
		}
	} else {
		log.Info().Msg("MQTT disabled, using noop publisher")
		publisher = pubsub.NewNoopPublisher()
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close publisher")
		}
	}()

	// Build the account runtime
	client := beanbag.NewClient(cfg.BaseURL)
	engine := stats.NewEngine(loc, cfg.Statistics.FallbackPowerKW, cfg.Statistics.AnchorStrategy, cfg.FixedAnchor())
	stateStore := store.NewFileStore(cfg.Statistics.StatePath)
	runtime := service.NewRuntime(cfg, &service.ClientConnector{Client: client}, engine, stateStore, publisher, loc)

	manager := service.NewManager()
	manager.Register(cfg.Account.Email, runtime)
	defer manager.Close()

	// Connect and discover the controller
	if err := runtime.Connect(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to establish cloud session")
		return 1
	}
	log.Info().Msg("Cloud session established")

	// Run an initial statistics cycle, then refresh daily
	if err := runtime.CollectConsumption(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial statistics collection failed")
	}
	go runtime.RunDailyRefresh(ctx)

	// Start HTTP API server if enabled
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, runtime)
		if err := apiServer.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to start API server")
			return 1
		}
	}

	// Handle graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	sig := <-signalChan
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	cancel()

	// Create context with timeout for graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if apiServer != nil {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping API server")
			return 1
		}
	}

	log.Info().Msg("Service stopped")
	return 0
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	// Set up pretty console logging for development
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	// Parse the log level
	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	// Configure global logger
	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}

// logServiceConfiguration logs the current service configuration for debugging.
func logServiceConfiguration(cfg *config.Config) {
	log.Debug().Msg("=== Service Configuration ===")

	// General settings
	log.Debug().
		Str("log_level", cfg.LogLevel).
		Str("timezone", cfg.TimeZone).
		Str("base_url", cfg.BaseURL).
		Str("email", cfg.Account.Email).
		Msg("General settings")

	// API settings
	log.Debug().
		Bool("enabled", cfg.API.Enabled).
		Str("host", cfg.API.Host).
		Int("port", cfg.API.Port).
		Msg("HTTP API configuration")

	// MQTT settings
	if cfg.MQTT.Enabled {
		log.Debug().
			Bool("enabled", cfg.MQTT.Enabled).
			Str("host", cfg.MQTT.Host).
			Int("port", cfg.MQTT.Port).
			Str("username", cfg.MQTT.Username).
			Str("topic", cfg.MQTT.Topic).
			Bool("retain", cfg.MQTT.Retain).
			Msg("MQTT configuration")

		// Home Assistant Auto-Discovery
		ha := cfg.MQTT.HomeAssistantAutoDiscovery
		if ha.Enabled {
			log.Debug().
				Bool("enabled", ha.Enabled).
				Str("discovery_prefix", ha.DiscoveryPrefix).
				Str("device_name", ha.DeviceName).
				Str("device_manufacturer", ha.DeviceManufacturer).
				Bool("retain_discovery", ha.RetainDiscovery).
				Msg("Home Assistant auto-discovery configuration")
		} else {
			log.Debug().Bool("enabled", false).Msg("Home Assistant auto-discovery disabled")
		}
	} else {
		log.Debug().Bool("enabled", false).Msg("MQTT disabled")
	}

	// Statistics settings
	log.Debug().
		Float64("fallback_power_kw", cfg.Statistics.FallbackPowerKW).
		Str("anchor_strategy", cfg.Statistics.AnchorStrategy).
		Int("fixed_anchor_hour", cfg.Statistics.FixedAnchorHour).
		Int("refresh_hour", cfg.Statistics.RefreshHour).
		Int("window_index", cfg.Statistics.WindowIndex).
		Str("state_path", cfg.Statistics.StatePath).
		Msg("Statistics configuration")

	log.Debug().Msg("=== End Configuration ===")
}
