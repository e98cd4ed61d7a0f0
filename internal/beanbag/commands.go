package beanbag

import (
	"context"
	"fmt"

	"github.com/securemtr/go-beanbag/internal/domain"
	"github.com/securemtr/go-beanbag/internal/program"
)

// Header code pairs identifying each vendor command.
const (
	headerMetadataHi = 17
	headerMetadataSi = 11

	headerZonesHi = 49
	headerZonesSi = 11

	headerClockHi = 2
	headerClockSi = 103

	headerScheduleOverviewHi = 5
	headerScheduleOverviewSi = 1

	headerConfigurationHi = 14
	headerConfigurationSi = 11

	headerLiveStateHi = 3
	headerLiveStateSi = 1

	headerModeWriteHi = 2
	headerModeWriteSi = 15

	headerTimedBoostHi = 2
	headerTimedBoostSi = 16

	headerProgramReadHi = 22
	headerProgramReadSi = 17

	headerProgramWriteHi = 21
	headerProgramWriteSi = 17

	headerEnergyHistoryHi = 18
	headerEnergyHistorySi = 17
)

// Block and item indices for live-state flag extraction. These are
// reverse engineered; the vendor documents no schema for them.
const (
	primaryPowerBlock = 33
	primaryPowerItem  = 6

	timedBoostBlock = 16
	timedBoostItem  = 27
)

// LiveState holds a raw live-state payload plus the two boolean flags
// extracted from it. Nil flags mean the controller did not report a
// recognizable value.
type LiveState struct {
	Payload           map[string]any
	PrimaryPowerOn    *bool
	TimedBoostEnabled *bool
}

// ackOK accepts the two acknowledgement shapes the vendor sends for
// write commands.
func ackOK(result any) bool {
	if result == nil {
		return true
	}
	switch value := result.(type) {
	case int:
		return value == 0
	case int64:
		return value == 0
	case float64:
		return value == 0
	default:
		return false
	}
}

// ReadDeviceMetadata returns the raw controller metadata object.
func (c *Conn) ReadDeviceMetadata(ctx context.Context, gatewayID string) (map[string]any, error) {
	result, err := c.Request(ctx, gatewayID, headerMetadataHi, headerMetadataSi, nil)
	if err != nil {
		return nil, err
	}
	metadata, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: device metadata payload is not an object", domain.ErrProtocol)
	}
	return metadata, nil
}

// ReadZoneTopology returns the zone records for a gateway. Entries
// that are not objects are dropped; the count of dropped entries is
// returned for diagnostics.
func (c *Conn) ReadZoneTopology(ctx context.Context, gatewayID string) ([]map[string]any, int, error) {
	result, err := c.Request(ctx, gatewayID, headerZonesHi, headerZonesSi, nil)
	if err != nil {
		return nil, 0, err
	}
	entries, ok := result.([]any)
	if !ok {
		return nil, 0, fmt.Errorf("%w: zone topology payload is not a list", domain.ErrProtocol)
	}

	zones := make([]map[string]any, 0, len(entries))
	skipped := 0
	for _, entry := range entries {
		zone, ok := entry.(map[string]any)
		if !ok {
			skipped++
			continue
		}
		zones = append(zones, zone)
	}
	if skipped > 0 {
		c.logger.Warn().Int("skipped", skipped).Msg("Dropped malformed zone records")
	}
	return zones, skipped, nil
}

// SyncClock writes the current epoch time to the gateway clock.
func (c *Conn) SyncClock(ctx context.Context, gatewayID string) error {
	epoch := c.now().Unix()
	result, err := c.Request(ctx, gatewayID, headerClockHi, headerClockSi, []any{epoch})
	if err != nil {
		return err
	}
	if !ackOK(result) {
		return fmt.Errorf("%w: unexpected clock sync acknowledgement %v", domain.ErrProtocol, result)
	}
	return nil
}

// ReadScheduleOverview returns the raw schedule overview object.
func (c *Conn) ReadScheduleOverview(ctx context.Context, gatewayID string) (map[string]any, error) {
	result, err := c.Request(ctx, gatewayID, headerScheduleOverviewHi, headerScheduleOverviewSi, nil)
	if err != nil {
		return nil, err
	}
	overview, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: schedule overview payload is not an object", domain.ErrProtocol)
	}
	return overview, nil
}

// ReadDeviceConfiguration returns the raw configuration object.
func (c *Conn) ReadDeviceConfiguration(ctx context.Context, gatewayID string) (map[string]any, error) {
	result, err := c.Request(ctx, gatewayID, headerConfigurationHi, headerConfigurationSi, nil)
	if err != nil {
		return nil, err
	}
	configuration, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: device configuration payload is not an object", domain.ErrProtocol)
	}
	return configuration, nil
}

// extractFlag scans the live-state block list for the block/item pair
// and maps its value: 2 is on, 0 is off, anything else is unknown.
func extractFlag(payload map[string]any, blockIndex, itemIndex int) *bool {
	blocks, ok := payload["V"].([]any)
	if !ok {
		return nil
	}
	for _, raw := range blocks {
		block, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if index, ok := asInt(block["SI"]); !ok || index != blockIndex {
			continue
		}
		items, ok := block["V"].([]any)
		if !ok {
			return nil
		}
		for _, rawItem := range items {
			item, ok := rawItem.(map[string]any)
			if !ok {
				continue
			}
			if index, ok := asInt(item["I"]); !ok || index != itemIndex {
				continue
			}
			value, ok := asInt(item["V"])
			if !ok {
				return nil
			}
			switch value {
			case 2:
				on := true
				return &on
			case 0:
				off := false
				return &off
			default:
				return nil
			}
		}
		return nil
	}
	return nil
}

// ReadLiveState returns the raw live-state payload with the primary
// power and timed boost flags extracted.
func (c *Conn) ReadLiveState(ctx context.Context, gatewayID string) (*LiveState, error) {
	result, err := c.Request(ctx, gatewayID, headerLiveStateHi, headerLiveStateSi, nil)
	if err != nil {
		return nil, err
	}
	payload, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: live state payload is not an object", domain.ErrProtocol)
	}
	return &LiveState{
		Payload:           payload,
		PrimaryPowerOn:    extractFlag(payload, primaryPowerBlock, primaryPowerItem),
		TimedBoostEnabled: extractFlag(payload, timedBoostBlock, timedBoostItem),
	}, nil
}

func (c *Conn) writeMode(ctx context.Context, gatewayID string, headerHi, headerSi, slot, item, value int) error {
	args := []any{slot, map[string]any{"I": item, "V": value}}
	result, err := c.Request(ctx, gatewayID, headerHi, headerSi, args)
	if err != nil {
		return err
	}
	if !ackOK(result) {
		return fmt.Errorf("%w: unexpected mode write acknowledgement %v", domain.ErrProtocol, result)
	}
	return nil
}

// TurnControllerOn enables the primary heating mode.
func (c *Conn) TurnControllerOn(ctx context.Context, gatewayID string) error {
	return c.writeMode(ctx, gatewayID, headerModeWriteHi, headerModeWriteSi, 1, primaryPowerItem, 2)
}

// TurnControllerOff disables the primary heating mode.
func (c *Conn) TurnControllerOff(ctx context.Context, gatewayID string) error {
	return c.writeMode(ctx, gatewayID, headerModeWriteHi, headerModeWriteSi, 1, primaryPowerItem, 0)
}

// StartTimedBoost enables the boost circuit. The run length is tracked
// by the caller; the wire command only toggles the flag.
func (c *Conn) StartTimedBoost(ctx context.Context, gatewayID string) error {
	return c.writeMode(ctx, gatewayID, headerTimedBoostHi, headerTimedBoostSi, 2, timedBoostItem, 1)
}

// StopTimedBoost disables the boost circuit.
func (c *Conn) StopTimedBoost(ctx context.Context, gatewayID string) error {
	return c.writeMode(ctx, gatewayID, headerTimedBoostHi, headerTimedBoostSi, 2, timedBoostItem, 0)
}

func zoneIndex(zone domain.Zone) (int, error) {
	index := zone.Index()
	if index == 0 {
		return 0, fmt.Errorf("%w: unknown zone %q", domain.ErrValidation, zone)
	}
	return index, nil
}

// ReadWeeklyProgram fetches and decodes the weekly program of a zone.
func (c *Conn) ReadWeeklyProgram(ctx context.Context, gatewayID string, zone domain.Zone) (program.WeeklyProgram, error) {
	index, err := zoneIndex(zone)
	if err != nil {
		return nil, err
	}
	result, err := c.Request(ctx, gatewayID, headerProgramReadHi, headerProgramReadSi, []any{index})
	if err != nil {
		return nil, err
	}
	entries, ok := result.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: weekly program payload is not a list", domain.ErrProtocol)
	}

	// The reply is a list of blocks; the schedule rides in the first
	// object carrying a "D" key.
	for _, entry := range entries {
		block, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		raw, ok := block["D"]
		if !ok {
			continue
		}
		transitions, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: weekly program schedule block is not a list", domain.ErrProtocol)
		}
		week, skipped, err := program.Decode(transitions)
		if err != nil {
			return nil, err
		}
		if skipped > 0 {
			c.logger.Warn().Int("skipped", skipped).Msg("Dropped malformed transition records")
		}
		return week, nil
	}
	return nil, fmt.Errorf("%w: weekly program payload omits the schedule block", domain.ErrProtocol)
}

// WriteWeeklyProgram encodes and transmits the weekly program of a zone.
func (c *Conn) WriteWeeklyProgram(ctx context.Context, gatewayID string, zone domain.Zone, week program.WeeklyProgram) error {
	index, err := zoneIndex(zone)
	if err != nil {
		return err
	}
	records, err := program.Encode(week)
	if err != nil {
		return err
	}
	args := []any{map[string]any{"I": index, "D": records}}
	result, err := c.Request(ctx, gatewayID, headerProgramWriteHi, headerProgramWriteSi, args)
	if err != nil {
		return err
	}
	if !ackOK(result) {
		return fmt.Errorf("%w: unexpected program write acknowledgement %v", domain.ErrProtocol, result)
	}
	return nil
}

func asFloat(value any) (float64, bool) {
	switch number := value.(type) {
	case float64:
		return number, true
	case int:
		return float64(number), true
	case int64:
		return float64(number), true
	default:
		return 0, false
	}
}

func optionalEnergy(value any) *float64 {
	if number, ok := asFloat(value); ok {
		return &number
	}
	return nil
}

func durationMinutes(value any) float64 {
	if number, ok := asFloat(value); ok {
		return number
	}
	return 0
}

// ReadEnergyHistory fetches the daily accounting rows for a window.
// Records that are not objects or lack a timestamp are dropped; their
// count is returned for diagnostics.
func (c *Conn) ReadEnergyHistory(ctx context.Context, gatewayID string, windowIndex int) ([]domain.EnergySample, int, error) {
	result, err := c.Request(ctx, gatewayID, headerEnergyHistoryHi, headerEnergyHistorySi, []any{windowIndex})
	if err != nil {
		return nil, 0, err
	}
	entries, ok := result.([]any)
	if !ok {
		return nil, 0, fmt.Errorf("%w: energy history payload is not a list", domain.ErrProtocol)
	}

	samples := make([]domain.EnergySample, 0, len(entries))
	skipped := 0
	for _, entry := range entries {
		record, ok := entry.(map[string]any)
		if !ok {
			skipped++
			continue
		}
		timestamp, ok := asInt(record["TS"])
		if !ok {
			skipped++
			continue
		}
		samples = append(samples, domain.EnergySample{
			Timestamp:               int64(timestamp),
			PrimaryEnergyKWh:        optionalEnergy(record["PE"]),
			BoostEnergyKWh:          optionalEnergy(record["BE"]),
			PrimaryScheduledMinutes: durationMinutes(record["PSM"]),
			PrimaryActiveMinutes:    durationMinutes(record["PAM"]),
			BoostScheduledMinutes:   durationMinutes(record["BSM"]),
			BoostActiveMinutes:      durationMinutes(record["BAM"]),
		})
	}
	if skipped > 0 {
		c.logger.Warn().Int("skipped", skipped).Msg("Dropped malformed energy history records")
	}
	return samples, skipped, nil
}
