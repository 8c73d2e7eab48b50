package translator

import (
	"fmt"
	"math"
	"time"
)

// Legacy schema quirks.
const (
	// legacyNullDate is how the legacy schema stores a missing date.
	legacyNullDate = "0000-00-00"
	legacyDate     = "2006-01-02"

	// daysPerMonth converts legacy daily usage to monthly consumption.
	daysPerMonth = 365.25 / 12

	// roundingTolerance keeps exact multiples from rounding up.
	roundingTolerance = 1e-9
)

func parseLegacyDate(s string) (*time.Time, error) {
	if s == "" || s == legacyNullDate {
		return nil, nil
	}
	t, err := time.Parse(legacyDate, s)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return &t, nil
}

func formatLegacyDate(t *time.Time) string {
	if t == nil {
		return legacyNullDate
	}
	return t.UTC().Format(legacyDate)
}

// legacyDateTime joins a legacy date and a seconds-of-day time.
func legacyDateTime(date string, seconds int64) (time.Time, error) {
	d, err := parseLegacyDate(date)
	if err != nil {
		return time.Time{}, err
	}
	if d == nil {
		return time.Time{}, fmt.Errorf("date is required")
	}
	if seconds < 0 || seconds >= 24*60*60 {
		return time.Time{}, fmt.Errorf("time of day out of range: %d", seconds)
	}
	return d.Add(time.Duration(seconds) * time.Second), nil
}

// splitLegacyDateTime is the inverse of legacyDateTime. Sub-second
// precision is dropped because the legacy schema cannot hold it.
func splitLegacyDateTime(t time.Time) (string, int64) {
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.Format(legacyDate), int64(t.Sub(midnight) / time.Second)
}

// optional maps the legacy empty string onto nil.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func fromOptional(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// dailyToMonthly converts legacy usage per day into whole units per month,
// rounding up.
func dailyToMonthly(daily float64) int64 {
	return int64(math.Ceil(daily*daysPerMonth - roundingTolerance))
}

func monthlyToDaily(monthly int64) float64 {
	return float64(monthly) / daysPerMonth
}

// enumMap is a bidirectional mapping between legacy and domain vocabulary.
type enumMap[D ~string] struct {
	kind     string
	toDomain map[string]D
	toLegacy map[D]string
}

func newEnumMap[D ~string](kind string, pairs map[string]D) enumMap[D] {
	m := enumMap[D]{kind: kind, toDomain: pairs, toLegacy: make(map[D]string, len(pairs))}
	for l, d := range pairs {
		m.toLegacy[d] = l
	}
	return m
}

func (m enumMap[D]) in(legacy string) (D, error) {
	d, ok := m.toDomain[legacy]
	if !ok {
		return "", fmt.Errorf("unknown %s %q", m.kind, legacy)
	}
	return d, nil
}

func (m enumMap[D]) out(d D) string {
	return m.toLegacy[d]
}
