package adapters

import "time"

type SessionType string

const (
	SessionPremarket  SessionType = "PRE"
	SessionRegular    SessionType = "RTH"
	SessionPostmarket SessionType = "POST"
	SessionClosed     SessionType = "CLOSED"
	SessionUnknown    SessionType = "UNKNOWN"
)

var newYork, _ = time.LoadLocation("America/New_York")

// SessionAt returns the US equity session for t. Holidays are not modelled.
func SessionAt(t time.Time) SessionType {
	if newYork == nil {
		return SessionUnknown
	}
	et := t.In(newYork)

	if wd := et.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return SessionClosed
	}

	minutes := et.Hour()*60 + et.Minute()
	const (
		premarketStart = 4 * 60
		marketOpen     = 9*60 + 30
		marketClose    = 16 * 60
		postmarketEnd  = 20 * 60
	)

	switch {
	case minutes >= premarketStart && minutes < marketOpen:
		return SessionPremarket
	case minutes >= marketOpen && minutes < marketClose:
		return SessionRegular
	case minutes >= marketClose && minutes < postmarketEnd:
		return SessionPostmarket
	default:
		return SessionClosed
	}
}

// OffHours reports whether t is outside the regular session.
func OffHours(t time.Time) bool {
	return SessionAt(t) != SessionRegular
}
