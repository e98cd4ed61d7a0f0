// Package stats turns energy history samples into calibrated,
// incrementally accumulated daily statistics.
package stats

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/securemtr/go-beanbag/internal/domain"
	"github.com/securemtr/go-beanbag/internal/program"
	"github.com/securemtr/go-beanbag/internal/schedule"
)

// DefaultTolerance is the relative tolerance of the device-scale
// detection heuristic. Preserved as-is: the heuristic is a reverse
// engineered guess at vendor firmware behaviour.
const DefaultTolerance = 0.2

// Calibration sources.
const (
	SourceDeviceScaled  = "device_scaled"
	SourceDurationPower = "duration_power"
)

// Calibration records whether reported energy values are already
// scaled by the device constant, or must be derived from duration and
// a fallback power rating.
type Calibration struct {
	UseScale bool    `json:"use_scale"`
	Scale    float64 `json:"scale"`
	Source   string  `json:"source"`
}

// collectRatios maps each usable sample to the ratio between its
// duration-derived energy and its reported energy.
func collectRatios(samples []domain.EnergySample, zone domain.Zone, fallbackPowerKW float64) []float64 {
	var ratios []float64
	for _, sample := range samples {
		reported := sample.EnergyKWh(zone)
		if reported == nil || *reported <= 0 {
			continue
		}
		duration := sample.ActiveMinutes(zone)
		if duration <= 0 {
			continue
		}
		fallbackEnergy := duration / 60.0 * fallbackPowerKW
		if fallbackEnergy <= 0 {
			continue
		}
		ratios = append(ratios, fallbackEnergy / *reported)
	}
	return ratios
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	middle := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[middle-1] + sorted[middle]) / 2
	}
	return sorted[middle]
}

// Calibrate decides how to interpret a zone's reported energy. When
// the median duration-to-energy ratio sits within tolerance of ln(10),
// the device is assumed to pre-scale its readings by that constant.
func Calibrate(samples []domain.EnergySample, zone domain.Zone, fallbackPowerKW, tolerance float64) Calibration {
	ratios := collectRatios(samples, zone, fallbackPowerKW)
	if len(ratios) == 0 {
		return Calibration{UseScale: false, Scale: fallbackPowerKW, Source: SourceDurationPower}
	}
	if math.Abs(median(ratios)-math.Ln10)/math.Ln10 <= tolerance {
		return Calibration{UseScale: true, Scale: math.Ln10, Source: SourceDeviceScaled}
	}
	return Calibration{UseScale: false, Scale: fallbackPowerKW, Source: SourceDurationPower}
}

// EnergyForSample computes a sample's energy in kWh. Device-scaled
// readings multiply by the calibration scale; everything else derives
// from runtime duration times a power rating.
func EnergyForSample(sample domain.EnergySample, zone domain.Zone, calibration Calibration, fallbackPowerKW float64) float64 {
	if reported := sample.EnergyKWh(zone); calibration.UseScale && reported != nil {
		if energy := *reported * calibration.Scale; energy >= 0 {
			return energy
		}
	}

	duration := sample.ActiveMinutes(zone)
	if duration <= 0 {
		return 0
	}
	powerKW := calibration.Scale
	if calibration.UseScale {
		powerKW = fallbackPowerKW
	}
	return duration / 60.0 * powerKW
}

// ToLocal converts an epoch timestamp into the given timezone.
func ToLocal(epoch int64, loc *time.Location) time.Time {
	return time.Unix(epoch, 0).In(loc)
}

// ReportDay returns the local calendar day a sample is attributed to.
// A sample's timestamp marks the end of its accounting period, so the
// attributed day is the previous one.
func ReportDay(epoch int64, loc *time.Location) time.Time {
	local := ToLocal(epoch, loc).AddDate(0, 0, -1)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// dayISO formats a calendar day the way it is persisted.
func dayISO(day time.Time) string {
	return day.Format("2006-01-02")
}

// SafeAnchorTime places a time-of-day offset within the requested day
// even across DST transitions: offsets that land on a neighbouring day
// clamp to the day's bounds instead.
func SafeAnchorTime(day time.Time, offset time.Duration, loc *time.Location) time.Time {
	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	candidate := midnight.UTC().Add(offset).In(loc)

	switch {
	case candidate.Year() == day.Year() && candidate.YearDay() == day.YearDay():
		return candidate
	case candidate.Before(midnight):
		return midnight
	default:
		return time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 59, 999999000, loc)
	}
}

// Engine folds energy samples into per-day statistic rows and a
// persisted accumulator.
type Engine struct {
	loc             *time.Location
	fallbackPowerKW float64
	anchorStrategy  string
	fixedAnchor     time.Duration
	tolerance       float64
	logger          zerolog.Logger
}

// NewEngine builds an engine. anchorStrategy is one of the schedule
// strategies or "fixed"; fixedAnchor is the time-of-day fallback used
// when no schedule anchor is available.
func NewEngine(loc *time.Location, fallbackPowerKW float64, anchorStrategy string, fixedAnchor time.Duration) *Engine {
	return &Engine{
		loc:             loc,
		fallbackPowerKW: fallbackPowerKW,
		anchorStrategy:  anchorStrategy,
		fixedAnchor:     fixedAnchor,
		tolerance:       DefaultTolerance,
		logger:          log.With().Str("component", "stats").Logger(),
	}
}

// DailyRow is one folded day of a zone.
type DailyRow struct {
	Zone           domain.Zone `json:"zone"`
	Day            string      `json:"day"`
	Anchor         time.Time   `json:"anchor"`
	EnergyKWh      float64     `json:"energy_kwh"`
	EnergySum      float64     `json:"energy_sum"`
	RuntimeHours   float64     `json:"runtime_hours"`
	ScheduledHours float64     `json:"scheduled_hours"`
}

// FoldResult carries the emitted rows plus the updated accumulator.
type FoldResult struct {
	Rows        []DailyRow
	State       domain.ZoneState
	Calibration Calibration
}

// FoldZone processes new report days of a zone in ascending order,
// skipping any day at or before the persisted last-processed day. The
// weekly program may be nil, in which case every anchor falls back to
// the fixed time of day.
func (e *Engine) FoldZone(zone domain.Zone, samples []domain.EnergySample, week program.WeeklyProgram, state domain.ZoneState) FoldResult {
	calibration := Calibrate(samples, zone, e.fallbackPowerKW, e.tolerance)

	ordered := append([]domain.EnergySample(nil), samples...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp < ordered[j].Timestamp
	})

	var canonical []schedule.Interval
	if week != nil {
		canonical = schedule.Canonicalize(week)
	}

	result := FoldResult{State: state, Calibration: calibration}
	for _, sample := range ordered {
		day := ReportDay(sample.Timestamp, e.loc)
		iso := dayISO(day)
		if state.LastDay != "" && iso <= state.LastDay {
			continue
		}

		anchor := e.anchorFor(week, canonical, day)
		energy := EnergyForSample(sample, zone, calibration, e.fallbackPowerKW)
		if energy < 0 {
			energy = 0
		}
		state.EnergySum += energy
		state.LastDay = iso

		result.Rows = append(result.Rows, DailyRow{
			Zone:           zone,
			Day:            iso,
			Anchor:         anchor,
			EnergyKWh:      energy,
			EnergySum:      state.EnergySum,
			RuntimeHours:   sample.ActiveMinutes(zone) / 60.0,
			ScheduledHours: sample.ScheduledMinutes(zone) / 60.0,
		})
	}
	result.State = state

	if len(result.Rows) > 0 {
		e.logger.Debug().
			Str("zone", string(zone)).
			Int("rows", len(result.Rows)).
			Str("last_day", state.LastDay).
			Str("calibration", calibration.Source).
			Msg("Folded energy samples")
	}
	return result
}

func (e *Engine) anchorFor(week program.WeeklyProgram, canonical []schedule.Interval, day time.Time) time.Time {
	if week != nil && e.anchorStrategy != schedule.StrategyFixed {
		intervals := schedule.DayIntervals(week, day, e.loc, canonical)
		if anchor := schedule.ChooseAnchor(intervals, e.anchorStrategy); anchor != nil {
			return *anchor
		}
	}
	return SafeAnchorTime(day, e.fixedAnchor, e.loc)
}
