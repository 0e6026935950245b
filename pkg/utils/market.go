package utils

import (
	"math"
	"time"
)

// FundingInterval is the settlement period of linear perpetuals.
const FundingInterval = 8 * time.Hour

// NextFundingTime returns the next settlement boundary after now (00:00, 08:00, 16:00 UTC).
func NextFundingTime(now time.Time) time.Time {
	utc := now.UTC()
	dayStart := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	elapsed := utc.Sub(dayStart)
	periods := elapsed/FundingInterval + 1
	return dayStart.Add(periods * FundingInterval)
}

// MinutesBetween returns the absolute distance between two instants in minutes.
func MinutesBetween(a, b time.Time) float64 {
	return math.Abs(a.Sub(b).Minutes())
}

// FromMillis converts an exchange millisecond timestamp.
func FromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// RoundTo rounds v to the given number of decimals.
func RoundTo(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// IsFinite reports whether v is neither NaN nor infinite.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
