// Package clock computes when the next callout fires.
//
// Delays are drawn uniformly from the configured [minTime, maxTime] range.
// With working-time awareness enabled the drawn offset is counted in
// business time only, so an offset that runs past closing time resumes on
// the next working day.
package clock

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/language"

	"github.com/p-blackswan/workoutbot/internal/config"
	"github.com/p-blackswan/workoutbot/internal/draw"
	perrors "github.com/p-blackswan/workoutbot/internal/errors"
)

// DefaultMinDelay is the smallest delay ever returned.
const DefaultMinDelay = time.Second

var units = map[string]time.Duration{
	config.UnitSeconds: time.Second,
	config.UnitMinutes: time.Minute,
	config.UnitHours:   time.Hour,
	config.UnitDays:    24 * time.Hour,
}

// UnitDuration returns the length of one time unit.
func UnitDuration(unit string) (time.Duration, bool) {
	d, ok := units[strings.ToLower(strings.TrimSpace(unit))]
	return d, ok
}

// Clock draws callout delays.
type Clock struct {
	src      draw.Source
	logger   zerolog.Logger
	minDelay time.Duration
}

// New creates a Clock drawing offsets from src.
func New(src draw.Source, logger zerolog.Logger) *Clock {
	return &Clock{
		src:      src,
		logger:   logger.With().Str("component", "clock").Logger(),
		minDelay: DefaultMinDelay,
	}
}

// NextDelay returns the delay until the next callout and a human-readable ETA.
// An unrecognized time unit falls back to minutes.
func (c *Clock) NextDelay(cfg config.Scheduler, now time.Time) (time.Duration, string, error) {
	if cfg.MinTime < 0 || cfg.MinTime > cfg.MaxTime {
		return 0, "", perrors.InvalidConfig("time between callouts [%d, %d]", cfg.MinTime, cfg.MaxTime)
	}

	unitName := strings.ToLower(strings.TrimSpace(cfg.TimeUnit))
	unit, ok := UnitDuration(unitName)
	if !ok {
		c.logger.Warn().
			Str("unit", cfg.TimeUnit).
			Str("fallback", config.UnitMinutes).
			Msg("unknown time unit, falling back")
		unitName, unit = config.UnitMinutes, time.Minute
	}

	offset, err := draw.IntInclusive(c.src, cfg.MinTime, cfg.MaxTime)
	if err != nil {
		return 0, "", fmt.Errorf("drawing offset: %w", err)
	}

	loc := cfg.Location
	if loc == nil {
		loc = now.Location()
	}

	var target time.Time
	if cfg.WorkingTimeAware {
		cal, err := NewBusinessCalendar(cfg.OfficeHours, loc)
		if err != nil {
			return 0, "", err
		}
		working := time.Duration(offset) * unit
		if unitName == config.UnitDays {
			working = time.Duration(offset) * cal.DayLength()
		}
		target = cal.Advance(now, working)
	} else {
		target = now.Add(time.Duration(offset) * unit)
	}

	delay := target.Sub(now)
	if delay < c.minDelay {
		c.logger.Debug().Dur("delay", delay).Msg("clamping callout delay")
		delay = c.minDelay
		target = now.Add(delay)
	}

	return delay, describe(now, target, offset, unitName, cfg.Locale, loc), nil
}

func describe(now, target time.Time, offset int, unit, locale string, loc *time.Location) string {
	n, t := now.In(loc), target.In(loc)
	if n.YearDay() == t.YearDay() && n.Year() == t.Year() {
		if offset == 1 {
			unit = strings.TrimSuffix(unit, "s")
		}
		return fmt.Sprintf("in %d %s", offset, unit)
	}
	return t.Format(layoutFor(locale))
}

var (
	layoutTags = []language.Tag{
		language.English,
		language.AmericanEnglish,
		language.German,
		language.French,
		language.Polish,
		language.Japanese,
	}
	layouts = []string{
		"Mon Jan 2 15:04",
		"Mon Jan 2 3:04 PM",
		"02.01.2006 15:04",
		"02/01/2006 15:04",
		"02.01.2006 15:04",
		"2006/01/02 15:04",
	}
	matcher = language.NewMatcher(layoutTags)
)

// layoutFor picks a timestamp layout for a BCP 47 locale, English by default.
func layoutFor(locale string) string {
	tag, err := language.Parse(locale)
	if err != nil {
		return layouts[0]
	}
	_, idx, conf := matcher.Match(tag)
	if conf == language.No {
		return layouts[0]
	}
	return layouts[idx]
}
