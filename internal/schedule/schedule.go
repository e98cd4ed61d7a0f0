// Package schedule derives merged weekly intervals and per-day anchor
// timestamps from decoded weekly programs.
package schedule

import (
	"sort"
	"time"

	"github.com/securemtr/go-beanbag/internal/program"
)

// WeekMinutes is the length of a schedule week in minutes.
const WeekMinutes = program.MinutesPerDay * program.DaysPerWeek

// Anchor strategies accepted by ChooseAnchor. StrategyFixed is handled
// by callers that fall back to a configured time of day.
const (
	StrategyStart    = "start"
	StrategyEnd      = "end"
	StrategyMidpoint = "midpoint"
	StrategyFixed    = "fixed"
)

// Interval is a half-open [Start,End) span in minutes since the start
// of the week (Monday 00:00).
type Interval struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// TimeRange is a half-open local time span within one calendar day.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Canonicalize merges a weekly program's on/off pairs into sorted,
// non-overlapping minute-of-week intervals. An off minute at or before
// its on minute crosses midnight; spans past the end of the week wrap
// around to Monday.
func Canonicalize(week program.WeeklyProgram) []Interval {
	var segments []Interval

	for dayIndex, daily := range week {
		base := dayIndex * program.MinutesPerDay
		pairs := len(daily.OnMinutes)
		if len(daily.OffMinutes) < pairs {
			pairs = len(daily.OffMinutes)
		}
		for i := 0; i < pairs; i++ {
			onMinute := daily.OnMinutes[i]
			offMinute := daily.OffMinutes[i]
			if onMinute == offMinute {
				continue
			}
			start := base + onMinute
			end := base + offMinute
			if end <= start {
				end += program.MinutesPerDay
			}
			for end > WeekMinutes {
				if start < WeekMinutes {
					segments = append(segments, Interval{Start: start, End: WeekMinutes})
				}
				start = 0
				end -= WeekMinutes
			}
			if end > start {
				segments = append(segments, Interval{Start: start, End: end})
			}
		}
	}

	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].Start < segments[j].Start
	})

	var merged []Interval
	for _, segment := range segments {
		if len(merged) > 0 && segment.Start <= merged[len(merged)-1].End {
			if segment.End > merged[len(merged)-1].End {
				merged[len(merged)-1].End = segment.End
			}
			continue
		}
		merged = append(merged, segment)
	}
	return merged
}

// weekdayIndex maps a calendar day to the Monday-first index used by
// weekly programs.
func weekdayIndex(day time.Time) int {
	return (int(day.Weekday()) + 6) % 7
}

// DayIntervals clips the canonical weekly intervals to one calendar day
// and converts them into local time ranges anchored at that day's
// midnight. Pass a precomputed canonical list to avoid recomputing it;
// nil recomputes from the program.
func DayIntervals(week program.WeeklyProgram, day time.Time, loc *time.Location, canonical []Interval) []TimeRange {
	if canonical == nil {
		canonical = Canonicalize(week)
	}

	dayStart := weekdayIndex(day) * program.MinutesPerDay
	dayEnd := dayStart + program.MinutesPerDay
	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)

	var ranges []TimeRange
	for _, interval := range canonical {
		if interval.End <= dayStart || interval.Start >= dayEnd {
			continue
		}
		clippedStart := interval.Start
		if clippedStart < dayStart {
			clippedStart = dayStart
		}
		clippedEnd := interval.End
		if clippedEnd > dayEnd {
			clippedEnd = dayEnd
		}
		if clippedEnd <= clippedStart {
			continue
		}
		ranges = append(ranges, TimeRange{
			Start: midnight.Add(time.Duration(clippedStart-dayStart) * time.Minute),
			End:   midnight.Add(time.Duration(clippedEnd-dayStart) * time.Minute),
		})
	}
	return ranges
}

// ChooseAnchor picks a representative timestamp from the longest range.
// Ties keep the first range encountered; zero-length ranges are
// ignored. An empty list or an unrecognized strategy yields nil rather
// than an error, which callers treat as "fall back to a fixed time".
func ChooseAnchor(ranges []TimeRange, strategy string) *time.Time {
	var best *TimeRange
	var bestDuration time.Duration

	for i := range ranges {
		duration := ranges[i].End.Sub(ranges[i].Start)
		if duration <= 0 {
			continue
		}
		if duration > bestDuration {
			best = &ranges[i]
			bestDuration = duration
		}
	}
	if best == nil {
		return nil
	}

	var anchor time.Time
	switch strategy {
	case StrategyStart:
		anchor = best.Start
	case StrategyEnd:
		anchor = best.End
	case StrategyMidpoint:
		anchor = best.Start.Add(bestDuration / 2)
	default:
		return nil
	}
	return &anchor
}
