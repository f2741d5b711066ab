// Package markethours answers calendar questions about the trading session:
// whether the market is open, and whether two instants share a trading day.
package markethours

import (
	"fmt"
	"time"
)

// Default session in the exchange's local time.
const (
	OpenHour    = 9
	OpenMinute  = 30
	CloseHour   = 16
	CloseMinute = 0
)

// Calendar is an exchange session calendar anchored in one location.
type Calendar struct {
	loc         *time.Location
	openMinute  int // minutes after local midnight
	closeMinute int
	holidays    map[string]bool
}

// Option configures a Calendar.
type Option func(*Calendar)

// WithSession overrides the daily open and close times (local hour/minute).
func WithSession(openH, openM, closeH, closeM int) Option {
	return func(c *Calendar) {
		c.openMinute = openH*60 + openM
		c.closeMinute = closeH*60 + closeM
	}
}

// WithHolidays replaces the holiday list. Dates are "2006-01-02" strings.
func WithHolidays(dates ...string) Option {
	return func(c *Calendar) {
		c.holidays = make(map[string]bool, len(dates))
		for _, d := range dates {
			c.holidays[d] = true
		}
	}
}

// New builds a calendar for the named IANA zone, e.g. "America/New_York".
func New(zone string, opts ...Option) (*Calendar, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("markethours: load zone %q: %w", zone, err)
	}
	return NewInLocation(loc, opts...), nil
}

// NewInLocation builds a calendar with the default session and the
// built-in holiday list.
func NewInLocation(loc *time.Location, opts ...Option) *Calendar {
	c := &Calendar{
		loc:         loc,
		openMinute:  OpenHour*60 + OpenMinute,
		closeMinute: CloseHour*60 + CloseMinute,
		holidays:    defaultHolidays(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Location returns the calendar's zone.
func (c *Calendar) Location() *time.Location { return c.loc }

// TradingDay returns the local calendar date t falls on, as "2006-01-02".
func (c *Calendar) TradingDay(t time.Time) string {
	return t.In(c.loc).Format("2006-01-02")
}

// SameTradingDay reports whether a and b fall on the same local date.
func (c *Calendar) SameTradingDay(a, b time.Time) bool {
	return c.TradingDay(a) == c.TradingDay(b)
}

// IsHoliday reports whether t's local date is an exchange holiday.
func (c *Calendar) IsHoliday(t time.Time) bool {
	return c.holidays[c.TradingDay(t)]
}

// IsTradingDay reports whether t is a weekday and not a holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	wd := t.In(c.loc).Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !c.IsHoliday(t)
}

// IsOpen reports whether t falls inside the regular session.
func (c *Calendar) IsOpen(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	lt := t.In(c.loc)
	hm := lt.Hour()*60 + lt.Minute()
	return hm >= c.openMinute && hm < c.closeMinute
}

func (c *Calendar) at(day time.Time, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minute/60, minute%60, 0, 0, c.loc)
}

// NextOpen returns the next session open at or after t.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	lt := t.In(c.loc)
	todayOpen := c.at(lt, c.openMinute)
	if lt.Before(todayOpen) && c.IsTradingDay(lt) {
		return todayOpen
	}
	d := lt.AddDate(0, 0, 1)
	for i := 0; i < 10; i++ { // weekends plus a holiday cluster
		if c.IsTradingDay(d) {
			return c.at(d, c.openMinute)
		}
		d = d.AddDate(0, 0, 1)
	}
	return c.at(lt.AddDate(0, 0, 1), c.openMinute)
}

// TimeUntilClose returns the time left in today's session, or 0.
func (c *Calendar) TimeUntilClose(t time.Time) time.Duration {
	d := c.at(t.In(c.loc), c.closeMinute).Sub(t)
	if d < 0 {
		return 0
	}
	return d
}

// StatusString returns a human-readable market status.
func (c *Calendar) StatusString(t time.Time) string {
	if c.IsOpen(t) {
		return fmt.Sprintf("Market Open, closes in %s", fmtDur(c.TimeUntilClose(t)))
	}
	next := c.NextOpen(t)
	lt := next.In(c.loc)
	return fmt.Sprintf("Market Closed, opens %s %s (%s)",
		lt.Weekday().String()[:3], lt.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
