package stats

import (
	"math"
	"testing"
	"time"

	"github.com/securemtr/go-beanbag/internal/domain"
	"github.com/securemtr/go-beanbag/internal/program"
	"github.com/securemtr/go-beanbag/internal/schedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(value float64) *float64 { return &value }

// scaledSample builds a sample whose reported energy is the
// duration-derived energy divided by the given ratio.
func scaledSample(timestamp int64, activeMinutes, fallbackPowerKW, ratio float64) domain.EnergySample {
	energy := (activeMinutes / 60.0 * fallbackPowerKW) / ratio
	return domain.EnergySample{
		Timestamp:            timestamp,
		PrimaryEnergyKWh:     floatPtr(energy),
		PrimaryActiveMinutes: activeMinutes,
	}
}

func TestCalibrateDetectsDeviceScale(t *testing.T) {
	samples := []domain.EnergySample{
		scaledSample(1700000000, 120, 3.0, math.Ln10*0.95),
		scaledSample(1700086400, 90, 3.0, math.Ln10),
		scaledSample(1700172800, 60, 3.0, math.Ln10*1.05),
	}

	calibration := Calibrate(samples, domain.ZonePrimary, 3.0, DefaultTolerance)
	assert.True(t, calibration.UseScale)
	assert.InDelta(t, math.Ln10, calibration.Scale, 1e-12)
	assert.Equal(t, SourceDeviceScaled, calibration.Source)
}

func TestCalibrateFallsBackOnDistantRatios(t *testing.T) {
	samples := []domain.EnergySample{
		scaledSample(1700000000, 120, 3.0, 1.0),
		scaledSample(1700086400, 90, 3.0, 1.1),
	}

	calibration := Calibrate(samples, domain.ZonePrimary, 3.0, DefaultTolerance)
	assert.False(t, calibration.UseScale)
	assert.InDelta(t, 3.0, calibration.Scale, 1e-12)
	assert.Equal(t, SourceDurationPower, calibration.Source)
}

func TestCalibrateWithoutUsableSamples(t *testing.T) {
	samples := []domain.EnergySample{
		{Timestamp: 1700000000},
		{Timestamp: 1700086400, PrimaryEnergyKWh: floatPtr(-1), PrimaryActiveMinutes: 60},
		{Timestamp: 1700172800, PrimaryEnergyKWh: floatPtr(1), PrimaryActiveMinutes: 0},
	}

	calibration := Calibrate(samples, domain.ZonePrimary, 2.5, DefaultTolerance)
	assert.False(t, calibration.UseScale)
	assert.InDelta(t, 2.5, calibration.Scale, 1e-12)
	assert.Equal(t, SourceDurationPower, calibration.Source)
}

func TestEnergyForSampleUsesDeviceScale(t *testing.T) {
	calibration := Calibration{UseScale: true, Scale: math.Ln10, Source: SourceDeviceScaled}
	sample := domain.EnergySample{PrimaryEnergyKWh: floatPtr(2), PrimaryActiveMinutes: 60}

	assert.InDelta(t, 2*math.Ln10, EnergyForSample(sample, domain.ZonePrimary, calibration, 3.0), 1e-9)
}

func TestEnergyForSampleNegativeScaledFallsBackToDuration(t *testing.T) {
	calibration := Calibration{UseScale: true, Scale: math.Ln10, Source: SourceDeviceScaled}
	sample := domain.EnergySample{PrimaryEnergyKWh: floatPtr(-2), PrimaryActiveMinutes: 60}

	// With device scaling active the duration path uses the caller's
	// fallback power, not the calibration scale.
	assert.InDelta(t, 3.0, EnergyForSample(sample, domain.ZonePrimary, calibration, 3.0), 1e-9)
}

func TestEnergyForSampleDurationPath(t *testing.T) {
	calibration := Calibration{UseScale: false, Scale: 2.0, Source: SourceDurationPower}
	sample := domain.EnergySample{PrimaryActiveMinutes: 90}

	assert.InDelta(t, 3.0, EnergyForSample(sample, domain.ZonePrimary, calibration, 9.9), 1e-9)
}

func TestEnergyForSampleZeroDuration(t *testing.T) {
	calibration := Calibration{UseScale: false, Scale: 2.0, Source: SourceDurationPower}
	assert.Zero(t, EnergyForSample(domain.EnergySample{}, domain.ZonePrimary, calibration, 2.0))
}

func TestReportDayIsPreviousLocalDay(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Dublin")
	require.NoError(t, err)

	// 2024-03-02 00:30 local.
	epoch := time.Date(2024, 3, 2, 0, 30, 0, 0, loc).Unix()
	day := ReportDay(epoch, loc)
	assert.Equal(t, "2024-03-01", day.Format("2006-01-02"))
}

func TestSafeAnchorTimeRegularDay(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Dublin")
	require.NoError(t, err)

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, loc)
	anchor := SafeAnchorTime(day, 2*time.Hour, loc)
	assert.Equal(t, "2024-03-01T02:00:00Z", anchor.UTC().Format(time.RFC3339))
}

func TestSafeAnchorTimeClampsAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Dublin")
	require.NoError(t, err)

	// Clocks go forward on 2024-03-31; a late offset lands on the next
	// day in local time and must clamp to the day's end.
	day := time.Date(2024, 3, 31, 0, 0, 0, 0, loc)
	anchor := SafeAnchorTime(day, 23*time.Hour+30*time.Minute, loc)
	assert.Equal(t, 31, anchor.Day())
	assert.Equal(t, 23, anchor.Hour())
}

func engineForTest(t *testing.T, strategy string) (*Engine, *time.Location) {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Dublin")
	require.NoError(t, err)
	return NewEngine(loc, 3.0, strategy, 2*time.Hour), loc
}

func historySamples(loc *time.Location, days int) []domain.EnergySample {
	samples := make([]domain.EnergySample, 0, days)
	base := time.Date(2024, 3, 2, 1, 0, 0, 0, loc)
	for i := 0; i < days; i++ {
		timestamp := base.AddDate(0, 0, i)
		samples = append(samples, domain.EnergySample{
			Timestamp:               timestamp.Unix(),
			PrimaryEnergyKWh:        floatPtr(1.0 + float64(i)),
			PrimaryActiveMinutes:    120,
			PrimaryScheduledMinutes: 180,
		})
	}
	return samples
}

func TestFoldZoneAccumulatesNewDays(t *testing.T) {
	engine, loc := engineForTest(t, schedule.StrategyFixed)
	samples := historySamples(loc, 3)

	result := engine.FoldZone(domain.ZonePrimary, samples, nil, domain.ZoneState{})
	require.Len(t, result.Rows, 3)

	assert.Equal(t, "2024-03-01", result.Rows[0].Day)
	assert.Equal(t, "2024-03-03", result.Rows[2].Day)
	assert.Equal(t, "2024-03-03", result.State.LastDay)

	// Ratios sit nowhere near ln(10), so energy derives from duration.
	perDay := 120.0 / 60.0 * 3.0
	assert.InDelta(t, perDay, result.Rows[0].EnergyKWh, 1e-9)
	assert.InDelta(t, perDay*3, result.State.EnergySum, 1e-9)
	assert.InDelta(t, perDay*2, result.Rows[1].EnergySum, 1e-9)

	assert.InDelta(t, 2.0, result.Rows[0].RuntimeHours, 1e-9)
	assert.InDelta(t, 3.0, result.Rows[0].ScheduledHours, 1e-9)

	// Fixed strategy anchors at the configured time of day.
	assert.Equal(t, 2, result.Rows[0].Anchor.Hour())
}

func TestFoldZoneIsIdempotent(t *testing.T) {
	engine, loc := engineForTest(t, schedule.StrategyFixed)
	samples := historySamples(loc, 3)

	first := engine.FoldZone(domain.ZonePrimary, samples, nil, domain.ZoneState{})
	second := engine.FoldZone(domain.ZonePrimary, samples, nil, first.State)

	assert.Empty(t, second.Rows)
	assert.Equal(t, first.State, second.State)
}

func TestFoldZoneSkipsProcessedDaysOnly(t *testing.T) {
	engine, loc := engineForTest(t, schedule.StrategyFixed)
	samples := historySamples(loc, 4)

	state := domain.ZoneState{EnergySum: 10, LastDay: "2024-03-02"}
	result := engine.FoldZone(domain.ZonePrimary, samples, nil, state)

	require.Len(t, result.Rows, 2)
	assert.Equal(t, "2024-03-03", result.Rows[0].Day)
	assert.Equal(t, "2024-03-04", result.Rows[1].Day)
	assert.Equal(t, "2024-03-04", result.State.LastDay)
	assert.Greater(t, result.State.EnergySum, 10.0)
}

func TestFoldZoneProcessesOutOfOrderSamplesAscending(t *testing.T) {
	engine, loc := engineForTest(t, schedule.StrategyFixed)
	samples := historySamples(loc, 3)
	shuffled := []domain.EnergySample{samples[2], samples[0], samples[1]}

	result := engine.FoldZone(domain.ZonePrimary, shuffled, nil, domain.ZoneState{})
	require.Len(t, result.Rows, 3)
	assert.Equal(t, "2024-03-01", result.Rows[0].Day)
	assert.Equal(t, "2024-03-03", result.Rows[2].Day)
}

func TestFoldZoneUsesScheduleAnchor(t *testing.T) {
	engine, loc := engineForTest(t, schedule.StrategyStart)

	week := program.EmptyWeek()
	for day := range week {
		week[day] = program.DailyProgram{OnMinutes: []int{480}, OffMinutes: []int{600}}
	}

	samples := historySamples(loc, 1)
	result := engine.FoldZone(domain.ZonePrimary, samples, week, domain.ZoneState{})
	require.Len(t, result.Rows, 1)
	assert.Equal(t, 8, result.Rows[0].Anchor.Hour())
}

func TestFoldZoneClampsNegativeEnergy(t *testing.T) {
	engine, loc := engineForTest(t, schedule.StrategyFixed)
	timestamp := time.Date(2024, 3, 2, 1, 0, 0, 0, loc)
	samples := []domain.EnergySample{{
		Timestamp:            timestamp.Unix(),
		PrimaryEnergyKWh:     floatPtr(-5),
		PrimaryActiveMinutes: 0,
	}}

	result := engine.FoldZone(domain.ZonePrimary, samples, nil, domain.ZoneState{})
	require.Len(t, result.Rows, 1)
	assert.Zero(t, result.Rows[0].EnergyKWh)
	assert.Zero(t, result.State.EnergySum)
}

func TestSeriesShapes(t *testing.T) {
	controller := &domain.Controller{Identifier: "controller-1", SerialNumber: "E0031158"}
	anchor := time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)
	rows := []DailyRow{{
		Zone:           domain.ZonePrimary,
		Day:            "2024-03-01",
		Anchor:         anchor,
		EnergyKWh:      2.5,
		EnergySum:      12.5,
		RuntimeHours:   2.0,
		ScheduledHours: 3.0,
	}}

	series := Series(controller, domain.ZonePrimary, rows)
	require.Len(t, series, 3)

	energy := series[0]
	assert.Equal(t, "securemtr:e0031158_primary_energy", energy.ID)
	assert.Equal(t, "Primary Energy", energy.Name)
	assert.Equal(t, "kWh", energy.Unit)
	assert.True(t, energy.HasSum)
	require.Len(t, energy.Points, 1)
	assert.Equal(t, 2.5, *energy.Points[0].State)
	assert.Equal(t, 12.5, *energy.Points[0].Sum)

	runtime := series[1]
	assert.Equal(t, "securemtr:e0031158_primary_runtime_daily", runtime.ID)
	assert.False(t, runtime.HasSum)
	require.Len(t, runtime.Points, 1)
	assert.Equal(t, 2.0, *runtime.Points[0].Mean)
	assert.Equal(t, 2.0, *runtime.Points[0].Min)
	assert.Equal(t, 2.0, *runtime.Points[0].Max)

	scheduled := series[2]
	assert.Equal(t, "securemtr:e0031158_primary_scheduled_daily", scheduled.ID)
	assert.Equal(t, 3.0, *scheduled.Points[0].Mean)
}

func TestSeriesEmptyRows(t *testing.T) {
	controller := &domain.Controller{Identifier: "controller-1"}
	assert.Nil(t, Series(controller, domain.ZonePrimary, nil))
}

func TestRecentSummarisesLastRow(t *testing.T) {
	rows := []DailyRow{
		{Day: "2024-03-01", RuntimeHours: 1, ScheduledHours: 2, EnergySum: 5},
		{Day: "2024-03-02", RuntimeHours: 2, ScheduledHours: 3, EnergySum: 8},
	}
	recent := Recent(rows)
	require.NotNil(t, recent)
	assert.Equal(t, "2024-03-02", recent.ReportDay)
	assert.InDelta(t, 2.0, recent.RuntimeHours, 1e-9)
	assert.InDelta(t, 3.0, recent.ScheduledHours, 1e-9)
	assert.InDelta(t, 8.0, recent.EnergySum, 1e-9)

	assert.Nil(t, Recent(nil))
}
