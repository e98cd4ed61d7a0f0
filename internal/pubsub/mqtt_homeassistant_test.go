package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/securemtr/go-beanbag/internal/homeassistant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishStatePublishesDiscoveryConfigs(t *testing.T) {
	port := startTestBroker(t)
	discovery := subscribeTo(t, port, "homeassistant/#")
	availability := subscribeTo(t, port, "energy/waterheater/+/availability")
	publisher := connectedPublisher(t, brokerConfig(port, true))

	err := publisher.PublishState(context.Background(), controllerFixture(), snapshotFixture())
	require.NoError(t, err)

	msg := waitForMessage(t, discovery, "homeassistant/binary_sensor/e0031158/primary_power_on/config")
	var config homeassistant.DiscoveryMessage
	require.NoError(t, json.Unmarshal(msg.Payload, &config))
	assert.Equal(t, "Primary Power", config.Name)
	assert.Equal(t, "e0031158_primary_power_on", config.UniqueID)
	assert.Equal(t, "energy/waterheater/e0031158/state", config.StateTopic)
	assert.Equal(t, []string{"e0031158"}, config.Device.Identifiers)
	assert.Equal(t, "Hot Press", config.Device.Name)

	online := waitForMessage(t, availability, "energy/waterheater/e0031158/availability")
	assert.Equal(t, "online", string(online.Payload))
}

func TestDiscoveryConfigsPublishedOnce(t *testing.T) {
	port := startTestBroker(t)
	cfg := brokerConfig(port, true)
	// Retained configs would be redelivered to the late subscriber
	// below, so this test publishes without retain.
	cfg.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery = false
	publisher := connectedPublisher(t, cfg)

	require.NoError(t, publisher.PublishState(context.Background(), controllerFixture(), snapshotFixture()))
	published := len(publisher.discoveredTopics)
	require.NotZero(t, published)

	// Subscribe after the first publish so only fresh configs arrive.
	discovery := subscribeTo(t, port, "homeassistant/#")
	require.NoError(t, publisher.PublishState(context.Background(), controllerFixture(), snapshotFixture()))
	assert.Equal(t, published, len(publisher.discoveredTopics))

	select {
	case msg := <-discovery:
		t.Fatalf("unexpected discovery republish on %s", msg.Topic)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDiscoveryIncludesStatisticsEntities(t *testing.T) {
	port := startTestBroker(t)
	discovery := subscribeTo(t, port, "homeassistant/sensor/#")
	publisher := connectedPublisher(t, brokerConfig(port, true))

	require.NoError(t, publisher.PublishState(context.Background(), controllerFixture(), snapshotFixture()))

	msg := waitForMessage(t, discovery, "homeassistant/sensor/e0031158/primary_energy_sum/config")
	var config homeassistant.DiscoveryMessage
	require.NoError(t, json.Unmarshal(msg.Payload, &config))
	assert.Equal(t, "energy/waterheater/e0031158/statistics", config.StateTopic)
	assert.Equal(t, "kWh", config.UnitOfMeasurement)
	assert.Equal(t, "total_increasing", config.StateClass)
}
