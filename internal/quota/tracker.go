// Package quota keeps the running cost of provider calls against a daily budget.
package quota

import (
	"sync"
	"time"
	_ "time/tzdata"
)

// DefaultLimit and DefaultSafetyMargin match the free YouTube Data API tier.
const (
	DefaultLimit        = 10000
	DefaultSafetyMargin = 500
)

// Tracker accumulates used units. It has no notion of wall-clock days;
// callers build a fresh Tracker when the provider budget resets.
type Tracker struct {
	mu     sync.Mutex
	limit  int
	margin int
	used   int
}

// New returns a tracker with nothing used yet.
func New(limit, safetyMargin int) *Tracker {
	return &Tracker{limit: limit, margin: safetyMargin}
}

// Seed raises usage to used, typically the value restored from a checkpoint.
// Lower values are ignored so usage never goes backwards.
func (t *Tracker) Seed(used int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if used > t.used {
		t.used = used
	}
}

// Charge records units spent on a successful call.
func (t *Tracker) Charge(units int) {
	if units <= 0 {
		return
	}
	t.mu.Lock()
	t.used += units
	t.mu.Unlock()
}

// Remaining is limit minus used. It may be negative.
func (t *Tracker) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limit - t.used
}

// ShouldStop reports whether the remaining budget has reached the safety margin.
func (t *Tracker) ShouldStop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limit-t.used <= t.margin
}

func (t *Tracker) Used() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}

func (t *Tracker) Limit() int { return t.limit }

func (t *Tracker) SafetyMargin() int { return t.margin }

// pacific is where the YouTube quota day starts and ends.
var pacific = loadPacific()

func loadPacific() *time.Location {
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		return time.FixedZone("PST", -8*60*60)
	}
	return loc
}

// Location returns the time zone of the provider's quota day.
func Location() *time.Location { return pacific }

// Day returns the quota day containing t, formatted as YYYY-MM-DD.
func Day(t time.Time) string {
	return t.In(pacific).Format(time.DateOnly)
}
