// Package pubsub provides implementations of message publishers.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/securemtr/go-beanbag/internal/config"
	"github.com/securemtr/go-beanbag/internal/domain"
	"github.com/securemtr/go-beanbag/internal/homeassistant"
)

// NoopPublisher is a no-operation implementation of the MessagePublisher interface.
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-operation publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Connect is a no-op for the NoopPublisher.
func (p *NoopPublisher) Connect(_ context.Context) error {
	return nil
}

// PublishState is a no-op for the NoopPublisher.
func (p *NoopPublisher) PublishState(_ context.Context, _ *domain.Controller, _ *domain.StateSnapshot) error {
	return nil
}

// PublishStatistics is a no-op for the NoopPublisher.
func (p *NoopPublisher) PublishStatistics(_ context.Context, _ *domain.Controller, _ []domain.StatisticSeries) error {
	return nil
}

// Close is a no-op for the NoopPublisher.
func (p *NoopPublisher) Close() error {
	return nil
}

// MQTTPublisher implements the MessagePublisher interface for MQTT.
type MQTTPublisher struct {
	config           *config.Config
	client           mqtt.Client
	connected        bool
	logger           zerolog.Logger
	clientFactory    func(*config.Config) mqtt.Client // Factory function for creating MQTT clients (testable)
	haDiscovery      *homeassistant.AutoDiscovery
	discoveredTopics map[string]bool // Track which discovery configs have been published
}

// NewMQTTPublisher creates a new MQTT publisher.
func NewMQTTPublisher(cfg *config.Config) *MQTTPublisher {
	return &MQTTPublisher{
		config:           cfg,
		clientFactory:    createMQTTClient,
		discoveredTopics: make(map[string]bool),
		logger:           log.With().Str("component", "mqtt").Logger(),
	}
}

// NewMQTTPublisherWithClient creates a new MQTT publisher with a custom client (for testing).
func NewMQTTPublisherWithClient(cfg *config.Config, client mqtt.Client) *MQTTPublisher {
	return &MQTTPublisher{
		config:           cfg,
		client:           client,
		discoveredTopics: make(map[string]bool),
		logger:           log.With().Str("component", "mqtt").Logger(),
	}
}

// createMQTTClient is the default factory function for creating MQTT clients.
func createMQTTClient(cfg *config.Config) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port)).
		SetClientID(fmt.Sprintf("go-beanbag-%d", time.Now().Unix())).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(false)

	// Set credentials if provided
	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}

	return mqtt.NewClient(opts)
}

// Connect establishes a connection to the MQTT broker.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	// If MQTT is disabled, do nothing
	if !p.config.MQTT.Enabled {
		return nil
	}

	// Create client if not already set (for testing)
	if p.client == nil {
		p.client = p.clientFactory(p.config)
	}

	// Connect with context for timeout
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	connToken := p.client.Connect()

	// Wait for connection or context timeout
	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: timeout after 10 seconds")
	case <-connToken.Done():
		if connToken.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", connToken.Error())
		}
	}

	p.connected = true
	return nil
}

// baseTopic returns the controller's topic root under the configured
// prefix.
func (p *MQTTPublisher) baseTopic(controller *domain.Controller) string {
	identifier := controller.SerialNumber
	if identifier == "" {
		identifier = controller.Identifier
	}
	return fmt.Sprintf("%s/%s", p.config.MQTT.Topic, domain.Slugify(identifier))
}

// ensureDiscovery initialises Home Assistant auto-discovery for the
// controller and publishes any config messages not yet sent.
func (p *MQTTPublisher) ensureDiscovery(controller *domain.Controller) error {
	if !p.config.MQTT.HomeAssistantAutoDiscovery.Enabled {
		return nil
	}

	if p.haDiscovery == nil {
		haConfig := homeassistant.Config{
			DiscoveryPrefix:    p.config.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix,
			DeviceName:         p.config.MQTT.HomeAssistantAutoDiscovery.DeviceName,
			DeviceManufacturer: p.config.MQTT.HomeAssistantAutoDiscovery.DeviceManufacturer,
			RetainDiscovery:    p.config.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery,
		}
		discovery, err := homeassistant.New(haConfig, controller, p.baseTopic(controller))
		if err != nil {
			return fmt.Errorf("failed to setup Home Assistant discovery: %w", err)
		}
		p.haDiscovery = discovery
	}

	for topic, message := range p.haDiscovery.GenerateDiscoveryMessages() {
		if p.discoveredTopics[topic] {
			continue
		}
		messageJSON, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal discovery message: %w", err)
		}
		token := p.client.Publish(topic, 0, p.config.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery, messageJSON)
		if token.Wait() && token.Error() != nil {
			return fmt.Errorf("failed to publish discovery message to %s: %w", topic, token.Error())
		}
		p.discoveredTopics[topic] = true
	}

	// Mark the device online alongside the discovery configs.
	availTopic := p.haDiscovery.GetAvailabilityTopic()
	token := p.client.Publish(availTopic, 0, p.config.MQTT.Retain, p.haDiscovery.CreateAvailabilityMessage(true))
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish availability message: %w", token.Error())
	}
	return nil
}

// PublishState sends the controller snapshot to <base>/state.
func (p *MQTTPublisher) PublishState(ctx context.Context, controller *domain.Controller, snapshot *domain.StateSnapshot) error {
	if !p.config.MQTT.Enabled || !p.connected {
		return nil
	}
	if controller == nil {
		p.logger.Debug().Msg("Skipping state publish: controller not discovered")
		return nil
	}

	if err := p.ensureDiscovery(controller); err != nil {
		return err
	}

	topic := fmt.Sprintf("%s/state", p.baseTopic(controller))
	doc := map[string]any{
		"primary_power_on":    snapshot.PrimaryPowerOn,
		"timed_boost_enabled": snapshot.TimedBoostEnabled,
	}
	return p.publishJSON(ctx, topic, doc)
}

// seriesKey reduces an external statistic id to the zone_metric suffix
// used in the summary document.
func seriesKey(deviceID, id string) string {
	if index := strings.Index(id, ":"); index >= 0 {
		id = id[index+1:]
	}
	return strings.TrimPrefix(id, deviceID+"_")
}

// PublishStatistics sends the daily summary to <base>/statistics and
// each full series to <base>/statistics/<zone_metric>.
func (p *MQTTPublisher) PublishStatistics(ctx context.Context, controller *domain.Controller, series []domain.StatisticSeries) error {
	if !p.config.MQTT.Enabled || !p.connected {
		return nil
	}
	if controller == nil {
		p.logger.Debug().Msg("Skipping statistics publish: controller not discovered")
		return nil
	}

	if err := p.ensureDiscovery(controller); err != nil {
		return err
	}

	base := p.baseTopic(controller)
	identifier := controller.SerialNumber
	if identifier == "" {
		identifier = controller.Identifier
	}
	deviceID := domain.Slugify(identifier)

	summary := make(map[string]any)
	for _, s := range series {
		if len(s.Points) == 0 {
			continue
		}
		key := seriesKey(deviceID, s.ID)
		last := s.Points[len(s.Points)-1]

		if s.HasSum {
			if last.State != nil {
				summary[key] = *last.State
			}
			if last.Sum != nil {
				summary[key+"_sum"] = *last.Sum
			}
		} else if last.Mean != nil {
			summary[key] = *last.Mean
		}

		if err := p.publishJSON(ctx, fmt.Sprintf("%s/statistics/%s", base, key), s); err != nil {
			return err
		}
	}

	if len(summary) == 0 {
		return nil
	}
	return p.publishJSON(ctx, fmt.Sprintf("%s/statistics", base), summary)
}

// publishJSON marshals and publishes a payload with a bounded wait.
func (p *MQTTPublisher) publishJSON(ctx context.Context, topic string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data to JSON: %w", err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	token := p.client.Publish(topic, 0, p.config.MQTT.Retain, jsonData)

	select {
	case <-publishCtx.Done():
		return fmt.Errorf("publish timeout after 5 seconds")
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to publish message: %w", token.Error())
		}
	}

	p.logger.Debug().Str("topic", topic).Msg("Published message")
	return nil
}

// Close terminates the connection to the MQTT broker.
func (p *MQTTPublisher) Close() error {
	if p.client != nil && p.connected {
		p.client.Disconnect(250) // Disconnect with 250ms timeout
		p.connected = false
	}
	return nil
}
