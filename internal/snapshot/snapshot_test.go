package snapshot_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanl2/btrfs-snapshot-manager/internal/period"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/snapshot"
)

func TestNameRoundTrip(t *testing.T) {
	t0 := time.Date(2024, 6, 1, 10, 0, 0, 0, time.Local)
	cases := []period.Set{
		period.NewSet(),
		period.NewSet(period.Hourly),
		period.NewSet(period.Hourly, period.Daily),
		period.NewSet(period.Monthly, period.Hourly, period.Weekly, period.Daily),
	}
	for _, ps := range cases {
		id := snapshot.New(t0, ps)
		parsed, ok := snapshot.Parse(id.Name())
		require.True(t, ok, id.Name())
		assert.True(t, parsed.Timestamp.Equal(id.Timestamp))
		assert.Equal(t, id.Periods.Tags(), parsed.Periods.Tags())
	}
}

func TestNameFormat(t *testing.T) {
	t0 := time.Date(2024, 6, 1, 10, 0, 0, 0, time.Local)
	id := snapshot.New(t0, period.NewSet(period.Hourly, period.Daily))
	assert.Equal(t, "2024-06-01_10-00-00_HD", id.Name())
}

func TestParseIgnoresAlienNames(t *testing.T) {
	for _, name := range []string{"notasnapshot", "2024-06-01", "2024-06-01_10-00-00_X", ".tmp"} {
		_, ok := snapshot.Parse(name)
		assert.False(t, ok, name)
	}
}

func TestParseUntagged(t *testing.T) {
	id, ok := snapshot.Parse("2024-06-01_10-00-00")
	require.True(t, ok)
	assert.Empty(t, id.Periods)
}

func TestSortAscendingAgreesWithBasenameSort(t *testing.T) {
	ids := []snapshot.Id{
		snapshot.New(time.Date(2024, 6, 3, 0, 0, 0, 0, time.Local), nil),
		snapshot.New(time.Date(2024, 6, 1, 0, 0, 0, 0, time.Local), nil),
		snapshot.New(time.Date(2024, 6, 2, 0, 0, 0, 0, time.Local), nil),
	}
	snapshot.SortAscending(ids)
	names := snapshot.Names(ids)
	assert.Equal(t, []string{"2024-06-01_00-00-00", "2024-06-02_00-00-00", "2024-06-03_00-00-00"}, names)
}
