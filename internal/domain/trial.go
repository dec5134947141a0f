package domain

import (
	"time"

	"github.com/google/uuid"
)

// TrialDuration is the fixed length of every trial.
const TrialDuration = 14 * 24 * time.Hour

// TrialOutcome records how a trial ended, if it has.
type TrialOutcome string

const (
	TrialPending   TrialOutcome = "pending"
	TrialExpired   TrialOutcome = "expired"
	TrialConverted TrialOutcome = "converted"
)

// TrialProgress tracks a single account's trial. One trial per account,
// ever: once a row exists no second trial may start.
type TrialProgress struct {
	ID        uuid.UUID
	AccountID uuid.UUID

	StartedAt time.Time
	EndsAt    time.Time

	Outcome TrialOutcome

	// EngagedFeatures is the distinct set of premium features the
	// account touched during the trial, kept for conversion analysis.
	EngagedFeatures []Feature

	ConvertedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DaysRemainingAt returns whole days left in the trial at the given
// instant, never negative. A partial day counts as a full day.
func (t *TrialProgress) DaysRemainingAt(now time.Time) int {
	if !now.Before(t.EndsAt) {
		return 0
	}
	rem := t.EndsAt.Sub(now)
	days := int(rem / (24 * time.Hour))
	if rem%(24*time.Hour) > 0 {
		days++
	}
	return days
}

// ExpiredAt reports whether the trial window has lapsed without conversion.
func (t *TrialProgress) ExpiredAt(now time.Time) bool {
	return t.Outcome == TrialPending && !now.Before(t.EndsAt)
}

// Engaged reports whether the feature was already recorded.
func (t *TrialProgress) Engaged(f Feature) bool {
	for _, have := range t.EngagedFeatures {
		if have == f {
			return true
		}
	}
	return false
}
