// Package gaps enumerates the month partitions missing from the tick store.
package gaps

import (
	"context"
	"time"

	"github.com/tickvault/tickvault/internal/instruments"
	"github.com/tickvault/tickvault/internal/store"
)

// Detector computes expected-minus-present month sets. The expected range
// runs from the earliest date through the current month inclusive, so holes
// strictly inside the covered range are found too, not just months after the
// latest stored tick.
type Detector struct {
	store store.Store
	now   func() time.Time
}

// NewDetector builds a detector. now is overridable for tests; nil means
// time.Now.
func NewDetector(s store.Store, now func() time.Time) *Detector {
	if now == nil {
		now = time.Now
	}
	return &Detector{store: s, now: now}
}

// MissingMonths returns the expected months without ticks in the raw_spread
// variant, ascending. An empty store yields the full expected range.
func (d *Detector) MissingMonths(ctx context.Context, instrument string, earliest time.Time) ([]store.YearMonth, error) {
	if err := instruments.Validate(instrument); err != nil {
		return nil, err
	}

	present, err := d.store.DistinctMonths(ctx, instrument, instruments.RawSpread)
	if err != nil {
		return nil, err
	}
	have := make(map[store.YearMonth]bool, len(present))
	for _, ym := range present {
		have[ym] = true
	}

	last := store.YearMonthOf(d.now().UTC())
	var missing []store.YearMonth
	for ym := store.YearMonthOf(earliest); !last.Before(ym); ym = ym.Next() {
		if !have[ym] {
			missing = append(missing, ym)
		}
	}
	return missing, nil
}
