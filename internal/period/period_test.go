package period_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanl2/btrfs-snapshot-manager/internal/period"
)

func TestNextBoundary(t *testing.T) {
	t0 := time.Date(2024, 1, 31, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 31, 11, 0, 0, 0, time.UTC), period.Hourly.NextBoundary(t0))
	assert.Equal(t, time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC), period.Daily.NextBoundary(t0))
	assert.Equal(t, time.Date(2024, 2, 7, 10, 0, 0, 0, time.UTC), period.Weekly.NextBoundary(t0))
	assert.Equal(t, time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC), period.Monthly.NextBoundary(t0))
}

func TestNextBoundaryMonthlyYearWrap(t *testing.T) {
	t0 := time.Date(2024, 12, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), period.Monthly.NextBoundary(t0))
}

func TestByTagAndByName(t *testing.T) {
	p, ok := period.ByTag('H')
	require.True(t, ok)
	assert.Equal(t, period.Hourly, p)

	p, ok = period.ByName("weekly")
	require.True(t, ok)
	assert.Equal(t, period.Weekly, p)

	_, ok = period.ByTag('X')
	assert.False(t, ok)
}

func TestSetTagsAscending(t *testing.T) {
	s := period.NewSet(period.Monthly, period.Hourly, period.Daily)
	assert.Equal(t, "HDM", s.Tags())
}
