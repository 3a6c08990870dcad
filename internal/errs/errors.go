// Package errs defines the error taxonomy shared by every tickvault
// component. Errors are classified at component boundaries so the
// orchestrator can distinguish "skip this month" (NotFound) from failures
// that must abort the run.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error at a component boundary.
type Kind int

const (
	KindUnknown Kind = iota
	// KindInvalidInstrument means the symbol is not in the catalogue.
	KindInvalidInstrument
	// KindInvalidTimeframe means the timeframe is not in the enumerated set.
	KindInvalidTimeframe
	// KindNotFound means the upstream archive is absent for that month.
	// This is the only skippable kind.
	KindNotFound
	// KindTransport is any HTTP/network failure other than a 404.
	KindTransport
	// KindMalformedArchive means the archive or its CSV does not conform.
	KindMalformedArchive
	// KindSchemaMismatch means the on-disk schema is older than the code expects.
	KindSchemaMismatch
	// KindStore is a backend I/O or constraint failure.
	KindStore
	// KindCalendar means the exchange-calendar layer refused a query.
	KindCalendar
	// KindValidation means a result violated an invariant.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInstrument:
		return "invalid_instrument"
	case KindInvalidTimeframe:
		return "invalid_timeframe"
	case KindNotFound:
		return "not_found"
	case KindTransport:
		return "transport"
	case KindMalformedArchive:
		return "malformed_archive"
	case KindSchemaMismatch:
		return "schema_mismatch"
	case KindStore:
		return "store"
	case KindCalendar:
		return "calendar"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is a classified error with optional (instrument, year, month)
// context so a single log line pinpoints the failing input.
type Error struct {
	Kind       Kind
	Instrument string
	Year       int
	Month      time.Month
	Msg        string
	Err        error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Instrument != "" {
		s += " " + e.Instrument
	}
	if e.Year != 0 {
		s += fmt.Sprintf(" %04d-%02d", e.Year, int(e.Month))
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind sentinels produced by New.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New builds a classified error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// WithMonth attaches (instrument, year, month) context.
func (e *Error) WithMonth(instrument string, year int, month time.Month) *Error {
	e.Instrument = instrument
	e.Year = year
	e.Month = month
	return e
}

// KindOf extracts the classification of err, or KindUnknown when err was
// never classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err (or anything it wraps) carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
