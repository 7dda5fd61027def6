package subvolume_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanl2/btrfs-snapshot-manager/internal/period"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/runner"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/snapshot"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/subvolume"
)

func TestListFiltersAlienEntries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "2024-06-01_10-00-00_H"), 0700))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "not-a-snapshot"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2024-06-02_10-00-00"), nil, 0600))

	fake := runner.NewFake()
	s := subvolume.New(fake, "data", "/srv/data", dir)
	ids, err := s.List()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "2024-06-01_10-00-00_H", ids[0].Name())
}

func TestCreateAppendsAndRunsHook(t *testing.T) {
	dir := t.TempDir()
	fake := runner.NewFake()
	var hookCalled bool
	s := subvolume.New(fake, "data", "/srv/data", dir, subvolume.WithCreateHook(func(ctx context.Context, id snapshot.Id) {
		hookCalled = true
	}))
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.Local)
	id, err := s.Create(context.Background(), now, period.NewSet(period.Hourly))
	require.NoError(t, err)
	assert.Equal(t, "2024-06-01_10-00-00_H", id.Name())
	assert.True(t, hookCalled)
	require.Len(t, s.Snapshots, 1)
	require.Len(t, fake.Invocations, 1)
	assert.Equal(t, "btrfs", fake.Invocations[0].Name)
	assert.Contains(t, fake.Invocations[0].Args, filepath.Join(dir, "2024-06-01_10-00-00_H"))
}

func TestDeleteRemovesFromListAndCascades(t *testing.T) {
	dir := t.TempDir()
	fake := runner.NewFake()
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.Local)
	var cascaded bool
	s := subvolume.New(fake, "data", "/srv/data", dir)
	s.OnDelete = func(ctx context.Context, deleted snapshot.Id) { cascaded = true }
	snapID, err := s.Create(context.Background(), now, period.NewSet(period.Hourly))
	require.NoError(t, err)
	require.NoError(t, s.Delete(context.Background(), snapID))
	assert.Empty(t, s.Snapshots)
	assert.True(t, cascaded)
}
