package homeassistant

import (
	"testing"

	"github.com/securemtr/go-beanbag/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		DiscoveryPrefix:    "homeassistant",
		DeviceName:         "E7+ Water Heater",
		DeviceManufacturer: "Secure Meters",
		RetainDiscovery:    true,
	}
}

func testController() *domain.Controller {
	return &domain.Controller{
		Identifier:      "boiler-1",
		Name:            "Hot Press",
		SerialNumber:    "E0031158",
		FirmwareVersion: "2",
		Model:           "E7+",
		GatewayID:       "gw-1",
	}
}

func TestNewLoadsEmbeddedLayout(t *testing.T) {
	ad, err := New(testConfig(), testController(), "energy/waterheater/e0031158")
	require.NoError(t, err)
	require.NotNil(t, ad.layoutConfig)
	assert.Equal(t, "1.0", ad.layoutConfig.Version)
	assert.NotEmpty(t, ad.layoutConfig.Entities)
	assert.Equal(t, "e0031158", ad.DeviceID())
}

func TestTopics(t *testing.T) {
	ad, err := New(testConfig(), testController(), "energy/waterheater/e0031158")
	require.NoError(t, err)

	assert.Equal(t, "energy/waterheater/e0031158/state", ad.StateTopic())
	assert.Equal(t, "energy/waterheater/e0031158/statistics", ad.StatisticsTopic())
	assert.Equal(t, "energy/waterheater/e0031158/availability", ad.GetAvailabilityTopic())
}

func TestGenerateDiscoveryMessages(t *testing.T) {
	ad, err := New(testConfig(), testController(), "energy/waterheater/e0031158")
	require.NoError(t, err)

	messages := ad.GenerateDiscoveryMessages()
	require.NotEmpty(t, messages)

	power, ok := messages["homeassistant/binary_sensor/e0031158/primary_power_on/config"]
	require.True(t, ok, "primary power discovery message missing")
	assert.Equal(t, "Primary Power", power.Name)
	assert.Equal(t, "e0031158_primary_power_on", power.UniqueID)
	assert.Equal(t, "energy/waterheater/e0031158/state", power.StateTopic)
	assert.Equal(t, "power", power.DeviceClass)
	assert.Contains(t, power.ValueTemplate, "value_json.primary_power_on")
	assert.Equal(t, "energy/waterheater/e0031158/availability", power.AvailabilityTopic)
	assert.Equal(t, "online", power.PayloadAvailable)

	energy, ok := messages["homeassistant/sensor/e0031158/primary_energy_sum/config"]
	require.True(t, ok, "primary energy discovery message missing")
	assert.Equal(t, "energy/waterheater/e0031158/statistics", energy.StateTopic)
	assert.Equal(t, "kWh", energy.UnitOfMeasurement)
	assert.Equal(t, "total_increasing", energy.StateClass)
	assert.Equal(t, "energy", energy.DeviceClass)

	// Every entity shares one device block.
	for _, message := range messages {
		assert.Equal(t, []string{"e0031158"}, message.Device.Identifiers)
		assert.Equal(t, "Hot Press", message.Device.Name)
		assert.Equal(t, "Secure Meters", message.Device.Manufacturer)
		assert.Equal(t, "E7+", message.Device.Model)
		assert.Equal(t, "2", message.Device.SwVersion)
	}
}

func TestDeviceFallsBackToIdentifierAndConfiguredName(t *testing.T) {
	controller := &domain.Controller{Identifier: "Gateway 42"}
	ad, err := New(testConfig(), controller, "energy/waterheater/gateway_42")
	require.NoError(t, err)

	assert.Equal(t, "gateway_42", ad.DeviceID())
	messages := ad.GenerateDiscoveryMessages()
	for _, message := range messages {
		assert.Equal(t, "E7+ Water Heater", message.Device.Name)
	}
}

func TestCreateAvailabilityMessage(t *testing.T) {
	ad, err := New(testConfig(), testController(), "energy/waterheater/e0031158")
	require.NoError(t, err)

	assert.Equal(t, "online", ad.CreateAvailabilityMessage(true))
	assert.Equal(t, "offline", ad.CreateAvailabilityMessage(false))
}
