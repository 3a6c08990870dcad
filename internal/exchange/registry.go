// Package exchange holds the static registry of tracked exchanges and the
// session detector that stamps holiday and open-at-minute flags onto
// minute-aligned timestamps.
//
// The registry is the single source of truth for the per-exchange OHLC
// columns: the table DDL, the enrichment writer's column list, and the
// detector's output schema are all derived from it at init time. Adding an
// exchange is one entry here plus a schema migration.
package exchange

import (
	"fmt"
	"time"

	"github.com/rickar/cal/v2"

	"github.com/tickvault/tickvault/internal/errs"
)

// Session is a trading window in minutes since local midnight, open
// inclusive, close exclusive. Exchanges with a lunch break carry two.
type Session struct {
	Open  int
	Close int
}

// earlyClose marks a local calendar date with a shortened session.
type earlyClose struct {
	Month    time.Month
	Day      int
	CloseMin int
}

// Exchange is one registry entry, immutable after NewRegistry.
type Exchange struct {
	// Key is the short lowercase identifier, e.g. "nyse". It names the
	// is_<key>_session OHLC column.
	Key string
	// MIC is the ISO 10383 market identifier code.
	MIC string
	// TZ is the IANA timezone of the trading floor.
	TZ string
	// Sessions are the regular trading windows in local minutes.
	Sessions []Session

	loc         *time.Location
	calendar    *cal.Calendar
	earlyCloses []earlyClose
}

// SessionColumn returns the OHLC column name driven by this entry.
func (e *Exchange) SessionColumn() string { return "is_" + e.Key + "_session" }

// Location returns the loaded IANA location.
func (e *Exchange) Location() *time.Location { return e.loc }

// IsHolidayDate reports whether the given local calendar date is an official
// exchange holiday. Weekends are not holidays.
func (e *Exchange) IsHolidayDate(year int, month time.Month, day int) bool {
	d := time.Date(year, month, day, 12, 0, 0, 0, e.loc)
	if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	actual, observed, _ := e.calendar.IsHoliday(d)
	return actual || observed
}

// IsOpenAt reports whether the exchange is inside a regular trading session
// at the given instant. Weekends, holidays, lunch breaks, and early closes
// all close the exchange.
func (e *Exchange) IsOpenAt(ts time.Time) bool {
	local := ts.In(e.loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	if actual, observed, _ := e.calendar.IsHoliday(local); actual || observed {
		return false
	}

	minute := local.Hour()*60 + local.Minute()
	closeOverride, hasOverride := e.earlyCloseAt(local)
	for _, s := range e.Sessions {
		open, clos := s.Open, s.Close
		if hasOverride && closeOverride < clos {
			clos = closeOverride
		}
		if minute >= open && minute < clos {
			return true
		}
	}
	return false
}

func (e *Exchange) earlyCloseAt(local time.Time) (int, bool) {
	for _, ec := range e.earlyCloses {
		if local.Month() == ec.Month && local.Day() == ec.Day {
			return ec.CloseMin, true
		}
	}
	if e.Key == "nyse" && isDayAfterThanksgiving(local) {
		return 13 * 60, true
	}
	return 0, false
}

// isDayAfterThanksgiving matches the Friday after the fourth Thursday of
// November.
func isDayAfterThanksgiving(local time.Time) bool {
	if local.Month() != time.November || local.Weekday() != time.Friday {
		return false
	}
	prev := local.AddDate(0, 0, -1)
	return prev.Weekday() == time.Thursday && (prev.Day()-1)/7 == 3
}

// Registry is the process-lifetime table of tracked exchanges.
type Registry struct {
	entries []*Exchange
	byKey   map[string]*Exchange
}

func min2(h, m int) int { return h*60 + m }

// NewRegistry builds the ten-exchange registry, loading timezones and
// trading calendars. Any initialisation failure is a CalendarError.
func NewRegistry() (*Registry, error) {
	entries := []*Exchange{
		{
			Key: "nyse", MIC: "XNYS", TZ: "America/New_York",
			Sessions:    []Session{{min2(9, 30), min2(16, 0)}},
			calendar:    nyseCalendar(),
			earlyCloses: []earlyClose{{time.July, 3, min2(13, 0)}, {time.December, 24, min2(13, 0)}},
		},
		{
			Key: "lse", MIC: "XLON", TZ: "Europe/London",
			Sessions:    []Session{{min2(8, 0), min2(16, 30)}},
			calendar:    lseCalendar(),
			earlyCloses: []earlyClose{{time.December, 24, min2(12, 30)}, {time.December, 31, min2(12, 30)}},
		},
		{
			Key: "six", MIC: "XSWX", TZ: "Europe/Zurich",
			Sessions: []Session{{min2(9, 0), min2(17, 30)}},
			calendar: sixCalendar(),
		},
		{
			Key: "fra", MIC: "XFRA", TZ: "Europe/Berlin",
			Sessions: []Session{{min2(8, 0), min2(20, 0)}},
			calendar: fraCalendar(),
		},
		{
			Key: "tsx", MIC: "XTSE", TZ: "America/Toronto",
			Sessions: []Session{{min2(9, 30), min2(16, 0)}},
			calendar: tsxCalendar(),
		},
		{
			Key: "nzx", MIC: "XNZE", TZ: "Pacific/Auckland",
			Sessions: []Session{{min2(10, 0), min2(16, 45)}},
			calendar: nzxCalendar(),
		},
		{
			Key: "jpx", MIC: "XTKS", TZ: "Asia/Tokyo",
			Sessions: []Session{{min2(9, 0), min2(11, 30)}, {min2(12, 30), min2(15, 0)}},
			calendar: jpxCalendar(),
		},
		{
			Key: "asx", MIC: "XASX", TZ: "Australia/Sydney",
			Sessions: []Session{{min2(10, 0), min2(16, 0)}},
			calendar: asxCalendar(),
		},
		{
			Key: "hkex", MIC: "XHKG", TZ: "Asia/Hong_Kong",
			Sessions: []Session{{min2(9, 30), min2(12, 0)}, {min2(13, 0), min2(16, 0)}},
			calendar: hkexCalendar(),
		},
		{
			Key: "sgx", MIC: "XSES", TZ: "Asia/Singapore",
			Sessions: []Session{{min2(9, 0), min2(12, 0)}, {min2(13, 0), min2(17, 0)}},
			calendar: sgxCalendar(),
		},
	}

	byKey := make(map[string]*Exchange, len(entries))
	for _, e := range entries {
		loc, err := time.LoadLocation(e.TZ)
		if err != nil {
			return nil, errs.Wrap(errs.KindCalendar, err, "failed to load timezone %s for exchange %s", e.TZ, e.Key)
		}
		e.loc = loc
		if e.calendar == nil {
			return nil, errs.New(errs.KindCalendar, "exchange %s has no trading calendar", e.Key)
		}
		byKey[e.Key] = e
	}

	return &Registry{entries: entries, byKey: byKey}, nil
}

// All returns entries in registry order. Callers must not mutate them.
func (r *Registry) All() []*Exchange { return r.entries }

// Keys returns the exchange keys in registry order.
func (r *Registry) Keys() []string {
	keys := make([]string, len(r.entries))
	for i, e := range r.entries {
		keys[i] = e.Key
	}
	return keys
}

// Lookup finds an entry by key. Unknown keys fail loudly.
func (r *Registry) Lookup(key string) (*Exchange, error) {
	e, ok := r.byKey[key]
	if !ok {
		return nil, errs.Wrap(errs.KindCalendar, fmt.Errorf("unknown exchange %q", key), "registry lookup failed")
	}
	return e, nil
}
