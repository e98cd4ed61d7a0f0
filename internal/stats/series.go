package stats

import (
	"fmt"
	"strings"

	"github.com/securemtr/go-beanbag/internal/domain"
)

// statisticPrefix namespaces external statistic ids.
const statisticPrefix = "securemtr"

func zoneLabel(zone domain.Zone) string {
	if zone == "" {
		return ""
	}
	return strings.ToUpper(string(zone[:1])) + string(zone[1:])
}

// StatisticID returns the stable external id for a (controller, zone,
// metric) series.
func StatisticID(controller *domain.Controller, zone domain.Zone, metric string) string {
	identifier := controller.SerialNumber
	if identifier == "" {
		identifier = controller.Identifier
	}
	return fmt.Sprintf("%s:%s_%s_%s", statisticPrefix, domain.Slugify(identifier), zone, metric)
}

// Series converts folded rows into the exported statistic series for
// one zone: an energy series with a running sum plus runtime and
// scheduled duration series.
func Series(controller *domain.Controller, zone domain.Zone, rows []DailyRow) []domain.StatisticSeries {
	if len(rows) == 0 {
		return nil
	}

	label := zoneLabel(zone)
	energy := domain.StatisticSeries{
		ID:     StatisticID(controller, zone, "energy"),
		Name:   fmt.Sprintf("%s Energy", label),
		Unit:   "kWh",
		HasSum: true,
	}
	runtime := domain.StatisticSeries{
		ID:   StatisticID(controller, zone, "runtime_daily"),
		Name: fmt.Sprintf("%s Runtime (Daily)", label),
		Unit: "h",
	}
	scheduled := domain.StatisticSeries{
		ID:   StatisticID(controller, zone, "scheduled_daily"),
		Name: fmt.Sprintf("%s Scheduled (Daily)", label),
		Unit: "h",
	}

	for _, row := range rows {
		state := row.EnergyKWh
		sum := row.EnergySum
		energy.Points = append(energy.Points, domain.StatisticPoint{
			Start: row.Anchor,
			State: &state,
			Sum:   &sum,
		})

		runtimeHours := row.RuntimeHours
		runtime.Points = append(runtime.Points, durationPoint(row, runtimeHours))

		scheduledHours := row.ScheduledHours
		scheduled.Points = append(scheduled.Points, durationPoint(row, scheduledHours))
	}
	return []domain.StatisticSeries{energy, runtime, scheduled}
}

func durationPoint(row DailyRow, hours float64) domain.StatisticPoint {
	mean := hours
	low := hours
	high := hours
	return domain.StatisticPoint{
		Start: row.Anchor,
		Mean:  &mean,
		Min:   &low,
		Max:   &high,
	}
}

// ZoneRecent summarises the newest folded day of a zone for display.
type ZoneRecent struct {
	ReportDay      string  `json:"report_day"`
	RuntimeHours   float64 `json:"runtime_hours"`
	ScheduledHours float64 `json:"scheduled_hours"`
	EnergySum      float64 `json:"energy_sum"`
}

// Recent returns the summary of the last folded row, or nil when the
// fold produced nothing.
func Recent(rows []DailyRow) *ZoneRecent {
	if len(rows) == 0 {
		return nil
	}
	last := rows[len(rows)-1]
	return &ZoneRecent{
		ReportDay:      last.Day,
		RuntimeHours:   last.RuntimeHours,
		ScheduledHours: last.ScheduledHours,
		EnergySum:      last.EnergySum,
	}
}
