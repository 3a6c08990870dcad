package exchange

import (
	"time"

	"github.com/tickvault/tickvault/internal/errs"
)

// Annotations carries the enrichment flags for one minute-aligned UTC
// timestamp.
type Annotations struct {
	// USHoliday is set when the UTC date is an official NYSE holiday.
	USHoliday bool
	// UKHoliday is set when the UTC date is an official LSE holiday.
	UKHoliday bool
	// MajorHoliday is USHoliday AND UKHoliday.
	MajorHoliday bool
	// Open maps exchange key to whether that exchange is inside a regular
	// trading session at this exact minute.
	Open map[string]bool
}

// Detector annotates minute batches with holiday and exchange-open flags.
// Holiday date sets are precomputed over the batch span so the per-row check
// is O(1); the open flags use the minute-level calendar predicate.
type Detector struct {
	reg  *Registry
	nyse *Exchange
	lse  *Exchange
}

// NewDetector builds a detector over the registry. The NYSE and LSE entries
// drive the holiday flags.
func NewDetector(reg *Registry) (*Detector, error) {
	nyse, err := reg.Lookup("nyse")
	if err != nil {
		return nil, err
	}
	lse, err := reg.Lookup("lse")
	if err != nil {
		return nil, err
	}
	return &Detector{reg: reg, nyse: nyse, lse: lse}, nil
}

// Detect annotates every timestamp in minutes. Timestamps must be UTC; they
// need not be sorted. The returned slice is index-aligned with the input.
func (d *Detector) Detect(minutes []time.Time) ([]Annotations, error) {
	if len(minutes) == 0 {
		return nil, nil
	}

	minTS, maxTS := minutes[0], minutes[0]
	for _, ts := range minutes[1:] {
		if ts.Before(minTS) {
			minTS = ts
		}
		if ts.After(maxTS) {
			maxTS = ts
		}
	}

	usDays, err := holidayDates(d.nyse, minTS, maxTS)
	if err != nil {
		return nil, err
	}
	ukDays, err := holidayDates(d.lse, minTS, maxTS)
	if err != nil {
		return nil, err
	}

	out := make([]Annotations, len(minutes))
	for i, ts := range minutes {
		utc := ts.UTC()
		day := utc.Format("2006-01-02")

		ann := Annotations{
			USHoliday: usDays[day],
			UKHoliday: ukDays[day],
			Open:      make(map[string]bool, len(d.reg.entries)),
		}
		ann.MajorHoliday = ann.USHoliday && ann.UKHoliday

		for _, ex := range d.reg.entries {
			ann.Open[ex.Key] = ex.IsOpenAt(utc)
		}
		out[i] = ann
	}
	return out, nil
}

// holidayDates collects the official-holiday UTC dates of one exchange over
// [from, to]. Weekends never enter the set.
func holidayDates(ex *Exchange, from, to time.Time) (map[string]bool, error) {
	if to.Before(from) {
		return nil, errs.New(errs.KindCalendar, "holiday span inverted: %s before %s", to, from)
	}
	days := make(map[string]bool)
	start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	end := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if ex.IsHolidayDate(d.Year(), d.Month(), d.Day()) {
			days[d.Format("2006-01-02")] = true
		}
	}
	return days, nil
}
