// Package homeassistant provides MQTT auto-discovery support for Home Assistant integration.
package homeassistant

import (
	_ "embed"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/securemtr/go-beanbag/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed layouts/homeassistant_entities.yaml
var homeAssistantEntitiesYAML []byte

// Config holds the Home Assistant auto-discovery configuration.
type Config struct {
	DiscoveryPrefix    string
	DeviceName         string
	DeviceManufacturer string
	RetainDiscovery    bool
}

// EntityConfig describes one exported entity from the layouts YAML.
// Topic selects which publication the entity reads: "state" for the
// live snapshot or "statistics" for the daily summary.
type EntityConfig struct {
	Component         string `yaml:"component"`
	Name              string `yaml:"name"`
	DeviceClass       string `yaml:"device_class,omitempty"`
	UnitOfMeasurement string `yaml:"unit_of_measurement,omitempty"`
	StateClass        string `yaml:"state_class,omitempty"`
	Icon              string `yaml:"icon,omitempty"`
	Topic             string `yaml:"topic"`
	ValueTemplate     string `yaml:"value_template"`
}

// LayoutConfig is the full entity layout for the water heater.
type LayoutConfig struct {
	Version     string                  `yaml:"version"`
	Description string                  `yaml:"description"`
	Entities    map[string]EntityConfig `yaml:"entities"`
}

// DiscoveryMessage is a Home Assistant MQTT discovery payload.
type DiscoveryMessage struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	ValueTemplate       string     `json:"value_template"`
	DeviceClass         string     `json:"device_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	Device              DeviceInfo `json:"device"`
	AvailabilityTopic   string     `json:"availability_topic,omitempty"`
	PayloadAvailable    string     `json:"payload_available,omitempty"`
	PayloadNotAvailable string     `json:"payload_not_available,omitempty"`
}

// DeviceInfo groups the entities under one Home Assistant device.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
}

// AutoDiscovery generates discovery messages for one controller.
type AutoDiscovery struct {
	config       Config
	layoutConfig *LayoutConfig
	deviceID     string
	baseTopic    string
	device       DeviceInfo
}

// New creates an auto-discovery instance for a controller. baseTopic
// is the controller's topic root; the snapshot rides on
// <base>/state, the daily summary on <base>/statistics and the
// availability flag on <base>/availability.
func New(config Config, controller *domain.Controller, baseTopic string) (*AutoDiscovery, error) {
	identifier := controller.SerialNumber
	if identifier == "" {
		identifier = controller.Identifier
	}
	deviceID := domain.Slugify(identifier)

	name := controller.Name
	if name == "" {
		name = config.DeviceName
	}

	ad := &AutoDiscovery{
		config:    config,
		deviceID:  deviceID,
		baseTopic: baseTopic,
		device: DeviceInfo{
			Identifiers:  []string{deviceID},
			Name:         name,
			Manufacturer: config.DeviceManufacturer,
			Model:        controller.Model,
			SwVersion:    controller.FirmwareVersion,
		},
	}

	if err := ad.loadLayoutConfig(); err != nil {
		return nil, fmt.Errorf("failed to load layout config: %w", err)
	}
	return ad, nil
}

// loadLayoutConfig loads the entity layout from the embedded YAML.
func (ad *AutoDiscovery) loadLayoutConfig() error {
	var config LayoutConfig
	if err := yaml.Unmarshal(homeAssistantEntitiesYAML, &config); err != nil {
		return fmt.Errorf("failed to unmarshal Home Assistant entity config: %w", err)
	}

	ad.layoutConfig = &config
	log.Info().
		Str("version", config.Version).
		Int("entity_count", len(config.Entities)).
		Msg("Home Assistant layout configuration loaded from YAML")
	return nil
}

// DeviceID returns the slug identifying the controller device.
func (ad *AutoDiscovery) DeviceID() string {
	return ad.deviceID
}

// GenerateDiscoveryMessages returns the discovery payload for every
// layout entity, keyed by its config topic.
func (ad *AutoDiscovery) GenerateDiscoveryMessages() map[string]DiscoveryMessage {
	messages := make(map[string]DiscoveryMessage, len(ad.layoutConfig.Entities))
	availability := ad.GetAvailabilityTopic()

	for key, entity := range ad.layoutConfig.Entities {
		stateTopic := ad.StateTopic()
		if entity.Topic == "statistics" {
			stateTopic = ad.StatisticsTopic()
		}

		configTopic := fmt.Sprintf("%s/%s/%s/%s/config", ad.config.DiscoveryPrefix, entity.Component, ad.deviceID, key)
		messages[configTopic] = DiscoveryMessage{
			Name:                entity.Name,
			UniqueID:            fmt.Sprintf("%s_%s", ad.deviceID, key),
			StateTopic:          stateTopic,
			ValueTemplate:       entity.ValueTemplate,
			DeviceClass:         entity.DeviceClass,
			UnitOfMeasurement:   entity.UnitOfMeasurement,
			StateClass:          entity.StateClass,
			Icon:                entity.Icon,
			Device:              ad.device,
			AvailabilityTopic:   availability,
			PayloadAvailable:    "online",
			PayloadNotAvailable: "offline",
		}
	}
	return messages
}

// StateTopic returns the topic carrying the live snapshot.
func (ad *AutoDiscovery) StateTopic() string {
	return fmt.Sprintf("%s/state", ad.baseTopic)
}

// StatisticsTopic returns the topic carrying the daily summary.
func (ad *AutoDiscovery) StatisticsTopic() string {
	return fmt.Sprintf("%s/statistics", ad.baseTopic)
}

// GetAvailabilityTopic returns the availability topic for the device.
func (ad *AutoDiscovery) GetAvailabilityTopic() string {
	return fmt.Sprintf("%s/availability", ad.baseTopic)
}

// CreateAvailabilityMessage returns the availability payload.
func (ad *AutoDiscovery) CreateAvailabilityMessage(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
