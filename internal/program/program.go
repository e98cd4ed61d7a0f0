// Package program implements the weekly schedule wire codec used by the
// Beanbag controller. The device flattens a week into 42 transition
// records (7 days x 6 slots); unused slots carry a sentinel pair.
package program

import (
	"fmt"
	"sort"

	"github.com/securemtr/go-beanbag/internal/domain"
)

const (
	// DaysPerWeek is the number of day groups in a weekly program.
	DaysPerWeek = 7

	// SlotsPerDay is the number of wire records per day group.
	SlotsPerDay = 6

	// WeekSlots is the nominal length of the flattened wire array.
	WeekSlots = DaysPerWeek * SlotsPerDay

	// MinutesPerDay bounds a valid transition minute.
	MinutesPerDay = 1440

	// MaxTransitions caps the on and off slots of a single day.
	MaxTransitions = 3

	sentinelOffset = 65535
	sentinelType   = 255

	typeOff = 0
	typeOn  = 1
)

// Transition is one wire record of the flattened weekly schedule.
type Transition struct {
	Offset int `json:"O"`
	Type   int `json:"T"`
}

// Sentinel returns the record that marks an unused slot.
func Sentinel() Transition {
	return Transition{Offset: sentinelOffset, Type: sentinelType}
}

// IsSentinel reports whether the record marks an unused slot.
func (t Transition) IsSentinel() bool {
	return t.Offset == sentinelOffset && t.Type == sentinelType
}

// DailyProgram holds up to three on and three off minutes of one day,
// each in [0,1439], sorted ascending.
type DailyProgram struct {
	OnMinutes  []int `json:"on_minutes"`
	OffMinutes []int `json:"off_minutes"`
}

// WeeklyProgram is seven daily programs, Monday first.
type WeeklyProgram []DailyProgram

// EmptyWeek returns a program with no transitions on any day.
func EmptyWeek() WeeklyProgram {
	week := make(WeeklyProgram, DaysPerWeek)
	return week
}

func validateMinutes(minutes []int, kind string) error {
	if len(minutes) > MaxTransitions {
		return fmt.Errorf("%w: day has %d %s transitions, maximum is %d",
			domain.ErrValidation, len(minutes), kind, MaxTransitions)
	}
	for _, minute := range minutes {
		if minute < 0 || minute >= MinutesPerDay {
			return fmt.Errorf("%w: %s minute %d outside [0,%d]",
				domain.ErrValidation, kind, minute, MinutesPerDay-1)
		}
	}
	return nil
}

// Validate checks the slot-count and minute-range invariants of a day.
func (d DailyProgram) Validate() error {
	if err := validateMinutes(d.OnMinutes, "on"); err != nil {
		return err
	}
	return validateMinutes(d.OffMinutes, "off")
}

// Decode converts a raw flattened reply into a weekly program. Short
// input is padded with sentinel slots and long input truncated before
// the 7x6 grouping. Entries that are not transition records are skipped
// and counted in the returned diagnostic, not treated as fatal.
func Decode(raw []any) (WeeklyProgram, int, error) {
	slots := make([]any, WeekSlots)
	for i := range slots {
		slots[i] = Sentinel()
	}
	copy(slots, raw)

	week := make(WeeklyProgram, 0, DaysPerWeek)
	skipped := 0
	for day := 0; day < DaysPerWeek; day++ {
		group := slots[day*SlotsPerDay : (day+1)*SlotsPerDay]
		daily, daySkipped, err := decodeDay(group)
		if err != nil {
			return nil, skipped, fmt.Errorf("day %d: %w", day, err)
		}
		skipped += daySkipped
		week = append(week, daily)
	}
	return week, skipped, nil
}

func decodeDay(entries []any) (DailyProgram, int, error) {
	var daily DailyProgram
	skipped := 0
	for _, entry := range entries {
		record, ok, err := asTransition(entry)
		if err != nil {
			return DailyProgram{}, skipped, err
		}
		if !ok {
			skipped++
			continue
		}
		if record.IsSentinel() {
			continue
		}
		if record.Offset < 0 || record.Offset >= MinutesPerDay {
			return DailyProgram{}, skipped, fmt.Errorf("%w: transition minute %d outside [0,%d]",
				domain.ErrProtocol, record.Offset, MinutesPerDay-1)
		}
		switch record.Type {
		case typeOn:
			daily.OnMinutes = append(daily.OnMinutes, record.Offset)
		case typeOff:
			daily.OffMinutes = append(daily.OffMinutes, record.Offset)
		default:
			return DailyProgram{}, skipped, fmt.Errorf("%w: unknown transition type %d",
				domain.ErrProtocol, record.Type)
		}
	}
	if len(daily.OnMinutes) > MaxTransitions || len(daily.OffMinutes) > MaxTransitions {
		return DailyProgram{}, skipped, fmt.Errorf("%w: more than %d transitions in one day",
			domain.ErrProtocol, MaxTransitions)
	}
	sort.Ints(daily.OnMinutes)
	sort.Ints(daily.OffMinutes)
	return daily, skipped, nil
}

// asTransition accepts a decoded JSON object or an already-typed
// record. Non-object entries are noise and get skipped; an object whose
// minute or type field is not an integral number is a protocol error.
func asTransition(entry any) (Transition, bool, error) {
	switch value := entry.(type) {
	case Transition:
		return value, true, nil
	case map[string]any:
		offset, okOffset := asInt(value["O"])
		kind, okKind := asInt(value["T"])
		if !okOffset || !okKind {
			return Transition{}, false, fmt.Errorf("%w: transition record lacks integer minute fields",
				domain.ErrProtocol)
		}
		return Transition{Offset: offset, Type: kind}, true, nil
	default:
		return Transition{}, false, nil
	}
}

func asInt(value any) (int, bool) {
	switch number := value.(type) {
	case int:
		return number, true
	case int64:
		return int(number), true
	case float64:
		if number != float64(int(number)) {
			return 0, false
		}
		return int(number), true
	default:
		return 0, false
	}
}

// Encode converts a weekly program into the flattened 42-record wire
// array. The program must have exactly seven days and satisfy the
// per-day slot invariants.
func Encode(week WeeklyProgram) ([]Transition, error) {
	if len(week) != DaysPerWeek {
		return nil, fmt.Errorf("%w: weekly program has %d days, expected %d",
			domain.ErrValidation, len(week), DaysPerWeek)
	}

	out := make([]Transition, 0, WeekSlots)
	for day, daily := range week {
		if err := daily.Validate(); err != nil {
			return nil, fmt.Errorf("day %d: %w", day, err)
		}
		records := make([]Transition, 0, SlotsPerDay)
		for _, minute := range daily.OnMinutes {
			records = append(records, Transition{Offset: minute, Type: typeOn})
		}
		for _, minute := range daily.OffMinutes {
			records = append(records, Transition{Offset: minute, Type: typeOff})
		}
		// Sort by minute; an on transition precedes an off at the same minute.
		sort.SliceStable(records, func(i, j int) bool {
			if records[i].Offset != records[j].Offset {
				return records[i].Offset < records[j].Offset
			}
			return records[i].Type > records[j].Type
		})
		for len(records) < SlotsPerDay {
			records = append(records, Sentinel())
		}
		out = append(out, records...)
	}
	return out, nil
}
