package schedule_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jordanl2/btrfs-snapshot-manager/internal/period"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/retention"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/schedule"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/snapshot"
)

func TestShouldRunNeverRun(t *testing.T) {
	assert.True(t, schedule.ShouldRun(nil, period.Hourly, time.Now()))
}

func TestShouldRunBeforeBoundary(t *testing.T) {
	last := snapshot.New(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC), period.NewSet(period.Hourly))
	now := time.Date(2024, 6, 1, 10, 30, 0, 0, time.UTC)
	assert.False(t, schedule.ShouldRun([]snapshot.Id{last}, period.Hourly, now))
}

func TestShouldRunAtOrAfterBoundary(t *testing.T) {
	last := snapshot.New(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC), period.NewSet(period.Hourly))
	now := time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)
	assert.True(t, schedule.ShouldRun([]snapshot.Id{last}, period.Hourly, now))
}

func TestDuePeriodsCollectsMultiple(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	policy := retention.Policy{period.Hourly: 2, period.Daily: 3}
	due := schedule.DuePeriods(nil, policy, now)
	assert.ElementsMatch(t, []period.Period{period.Hourly, period.Daily}, due)
}

func TestDuePeriodsSkipsUnscheduled(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	policy := retention.Policy{period.Hourly: 2}
	due := schedule.DuePeriods(nil, policy, now)
	assert.Equal(t, []period.Period{period.Hourly}, due)
}
