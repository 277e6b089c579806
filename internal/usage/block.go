// Package usage turns the assistant's per-request accounting output into
// immutable usage records and keeps each credential's rolling rates and
// 5-hour billing block up to date.
package usage

import "time"

// Billing blocks are 5 hours long, anchored at fixed UTC boundaries.
const (
	BlockLength = 5 * time.Hour

	// blockIDLayout renders a boundary as its block identifier.
	blockIDLayout = "2006-01-02T15:04:05.000Z"
)

// BlockBoundary returns the most recent boundary at or before t. The
// boundaries are {00,05,10,15,20}:00:00 UTC every day.
func BlockBoundary(t time.Time) time.Time {
	t = t.UTC()
	h := t.Hour()
	return time.Date(t.Year(), t.Month(), t.Day(), h-h%5, 0, 0, 0, time.UTC)
}

// BlockID is the ISO-8601 string of the block's starting boundary.
func BlockID(t time.Time) string {
	return BlockBoundary(t).Format(blockIDLayout)
}

// BlockEnd returns the boundary plus the block length.
func BlockEnd(t time.Time) time.Time {
	return BlockBoundary(t).Add(BlockLength)
}

// dayKey renders t's UTC date for the usage-by-day index.
func dayKey(t time.Time) string {
	return t.UTC().Format("20060102")
}
