// Package domain provides core domain models and interfaces for the go-beanbag application
package domain

import (
	"context"
	"time"
)

// Zone identifies one heating circuit of a controller.
type Zone string

const (
	ZonePrimary Zone = "primary"
	ZoneBoost   Zone = "boost"
)

// Index returns the wire index used by weekly-program commands.
// Unknown zones map to 0, which no command accepts.
func (z Zone) Index() int {
	switch z {
	case ZonePrimary:
		return 1
	case ZoneBoost:
		return 2
	default:
		return 0
	}
}

// Zones lists the circuits in display order.
func Zones() []Zone {
	return []Zone{ZonePrimary, ZoneBoost}
}

// EnergySample is one historical accounting row reported by the
// controller. Energy values may be absent; durations default to zero.
type EnergySample struct {
	Timestamp               int64    `json:"epoch_seconds"`
	PrimaryEnergyKWh        *float64 `json:"primary_energy_kwh"`
	BoostEnergyKWh          *float64 `json:"boost_energy_kwh"`
	PrimaryScheduledMinutes float64  `json:"primary_scheduled_minutes"`
	PrimaryActiveMinutes    float64  `json:"primary_active_minutes"`
	BoostScheduledMinutes   float64  `json:"boost_scheduled_minutes"`
	BoostActiveMinutes      float64  `json:"boost_active_minutes"`
}

// EnergyKWh returns the reported energy for the requested zone, or nil.
func (s EnergySample) EnergyKWh(zone Zone) *float64 {
	if zone == ZoneBoost {
		return s.BoostEnergyKWh
	}
	return s.PrimaryEnergyKWh
}

// ActiveMinutes returns the recorded runtime for the requested zone.
func (s EnergySample) ActiveMinutes(zone Zone) float64 {
	if zone == ZoneBoost {
		return s.BoostActiveMinutes
	}
	return s.PrimaryActiveMinutes
}

// ScheduledMinutes returns the scheduled runtime for the requested zone.
func (s EnergySample) ScheduledMinutes(zone Zone) float64 {
	if zone == ZoneBoost {
		return s.BoostScheduledMinutes
	}
	return s.PrimaryScheduledMinutes
}

// Controller describes the water heater behind a gateway, normalised
// from the device metadata command.
type Controller struct {
	Identifier      string `json:"identifier"`
	Name            string `json:"name"`
	SerialNumber    string `json:"serial_number,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	Model           string `json:"model,omitempty"`
	GatewayID       string `json:"gateway_id"`
}

// StateSnapshot carries the boolean flags extracted from a live-state
// read. Nil means the controller did not report the flag.
type StateSnapshot struct {
	PrimaryPowerOn    *bool `json:"primary_power_on"`
	TimedBoostEnabled *bool `json:"timed_boost_enabled"`
}

// ZoneState is the persisted statistics accumulator for one zone.
// LastDay is an ISO calendar date; empty until a first fold completes.
type ZoneState struct {
	EnergySum float64 `json:"energy_sum"`
	LastDay   string  `json:"last_day,omitempty"`
}

// StatisticsState maps each zone to its persisted accumulator.
type StatisticsState map[Zone]ZoneState

// StateStore persists statistics state between runs.
type StateStore interface {
	// Load returns the stored state, or an empty state when none exists.
	Load() (StatisticsState, error)

	// Save replaces the stored state.
	Save(state StatisticsState) error
}

// StatisticPoint is one exported statistics row. Energy series populate
// State and Sum; duration series populate Mean, Min and Max.
type StatisticPoint struct {
	Start time.Time `json:"start"`
	State *float64  `json:"state,omitempty"`
	Sum   *float64  `json:"sum,omitempty"`
	Mean  *float64  `json:"mean,omitempty"`
	Min   *float64  `json:"min,omitempty"`
	Max   *float64  `json:"max,omitempty"`
}

// StatisticSeries groups exported points under a stable external id.
type StatisticSeries struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Unit   string           `json:"unit"`
	HasSum bool             `json:"has_sum"`
	Points []StatisticPoint `json:"points"`
}

// MessagePublisher defines the interface for publishing runtime state
// and statistics to downstream consumers.
type MessagePublisher interface {
	// Connect establishes a connection to the messaging system
	Connect(ctx context.Context) error

	// PublishState sends a controller state update
	PublishState(ctx context.Context, controller *Controller, snapshot *StateSnapshot) error

	// PublishStatistics sends exported statistic series
	PublishStatistics(ctx context.Context, controller *Controller, series []StatisticSeries) error

	// Close terminates the connection to the messaging system
	Close() error
}
