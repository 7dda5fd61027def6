package orchestrator_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanl2/btrfs-snapshot-manager/internal/config"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/logging"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/orchestrator"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/runner"
)

// seedSnapshots creates on-disk snapshot directories so List() finds them.
func seedSnapshots(t *testing.T, snapshotsDir string, names ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(snapshotsDir, 0700))
	for _, n := range names {
		require.NoError(t, os.Mkdir(filepath.Join(snapshotsDir, n), 0700))
	}
}

// scriptVerify makes `btrfs subvolume show <path>` succeed with a
// top-level path on its first stdout line.
func scriptVerify(fake *runner.Fake, path string) {
	fake.Script("btrfs subvolume show "+path, runner.Result{Stdout: "@/data\n\tName: data\n"}, nil)
}

func testConfig(t *testing.T, subvolPath, snapshotsDir string) *config.Config {
	t.Helper()
	return &config.Config{
		Subvolumes: []config.Subvolume{{
			Path:          subvolPath,
			Name:          "data",
			SnapshotsPath: snapshotsDir,
			Retention:     config.Retention{Daily: 2},
		}},
	}
}

func TestRunScheduleCreatesDueSnapshotAndTrims(t *testing.T) {
	subvolPath := t.TempDir()
	snapshotsDir := filepath.Join(subvolPath, ".snapshots")
	seedSnapshots(t, snapshotsDir,
		"2024-06-01_10-00-00_D",
		"2024-06-02_10-00-00_D",
		"2024-06-03_10-00-00_D",
	)
	fake := runner.NewFake()
	scriptVerify(fake, subvolPath)

	cfg := testConfig(t, subvolPath, snapshotsDir)
	now := time.Date(2024, 6, 5, 10, 0, 0, 0, time.Local)
	o := orchestrator.New(cfg, fake, logging.Discard(), orchestrator.WithClock(func() time.Time { return now }))

	require.NoError(t, o.RunSchedule(context.Background(), &cfg.Subvolumes[0]))

	var created, deleted []string
	for _, inv := range fake.Invocations {
		line := inv.String()
		switch {
		case strings.HasPrefix(line, "btrfs subvolume snapshot -r"):
			created = append(created, inv.Args[len(inv.Args)-1])
		case strings.HasPrefix(line, "btrfs subvolume delete"):
			deleted = append(deleted, inv.Args[len(inv.Args)-1])
		}
	}
	// The daily boundary passed, so one new snapshot tagged D is created;
	// retention daily=2 then keeps the new one plus June 3rd.
	require.Len(t, created, 1)
	assert.Equal(t, filepath.Join(snapshotsDir, "2024-06-05_10-00-00_D"), created[0])
	assert.ElementsMatch(t, []string{
		filepath.Join(snapshotsDir, "2024-06-01_10-00-00_D"),
		filepath.Join(snapshotsDir, "2024-06-02_10-00-00_D"),
	}, deleted)
}

func TestRunScheduleNoDuePeriodsCreatesNothing(t *testing.T) {
	subvolPath := t.TempDir()
	snapshotsDir := filepath.Join(subvolPath, ".snapshots")
	seedSnapshots(t, snapshotsDir, "2024-06-05_10-00-00_D")
	fake := runner.NewFake()
	scriptVerify(fake, subvolPath)

	cfg := testConfig(t, subvolPath, snapshotsDir)
	now := time.Date(2024, 6, 5, 12, 0, 0, 0, time.Local)
	o := orchestrator.New(cfg, fake, logging.Discard(), orchestrator.WithClock(func() time.Time { return now }))

	require.NoError(t, o.RunSchedule(context.Background(), &cfg.Subvolumes[0]))
	for _, inv := range fake.Invocations {
		assert.NotContains(t, inv.String(), "subvolume snapshot")
	}
}

func TestRunReconcilesLocalNativeTargetInOrder(t *testing.T) {
	subvolPath := t.TempDir()
	snapshotsDir := filepath.Join(subvolPath, ".snapshots")
	seedSnapshots(t, snapshotsDir,
		"2024-06-04_10-00-00_D",
		"2024-06-05_10-00-00_D",
	)
	fake := runner.NewFake()
	scriptVerify(fake, subvolPath)

	backupRoot := t.TempDir()
	cfg := testConfig(t, subvolPath, snapshotsDir)
	cfg.Subvolumes[0].Backup = []config.BackupTarget{{
		Type:         "btrfs",
		Local:        &config.LocalLocation{Path: backupRoot},
		Retention:    config.Retention{Daily: 2},
		LastSyncFile: "last_sync",
	}}
	// Clock before any boundary so the pass only backs up.
	now := time.Date(2024, 6, 5, 12, 0, 0, 0, time.Local)
	o := orchestrator.New(cfg, fake, logging.Discard(), orchestrator.WithClock(func() time.Time { return now }))

	require.NoError(t, o.Run(context.Background()))

	var sends []string
	var touched bool
	for _, inv := range fake.Invocations {
		line := inv.String()
		if inv.Name == "sh" && strings.Contains(line, "btrfs send") {
			sends = append(sends, inv.Args[len(inv.Args)-1])
		}
		if inv.Name == "touch" {
			touched = true
			assert.Contains(t, inv.Args, filepath.Join(snapshotsDir, "last_sync"))
		}
	}
	require.Len(t, sends, 2)
	assert.NotContains(t, sends[0], "-p")
	assert.Contains(t, sends[0], "2024-06-04_10-00-00_D")
	assert.Contains(t, sends[1], "btrfs send -p")
	assert.Contains(t, sends[1], "2024-06-05_10-00-00_D")
	assert.True(t, touched)
}

func TestDeleteCascadesToEntriesAndPayloads(t *testing.T) {
	subvolPath := t.TempDir()
	snapshotsDir := filepath.Join(subvolPath, ".snapshots")
	snapName := "2024-06-05_10-00-00_D"
	seedSnapshots(t, snapshotsDir, snapName)

	bootPath := t.TempDir()
	entriesDir := filepath.Join(bootPath, "loader", "entries")
	require.NoError(t, os.MkdirAll(entriesDir, 0755))
	entryFile := "snapshot-" + snapName + "-arch.conf"
	require.NoError(t, os.WriteFile(filepath.Join(entriesDir, entryFile), []byte("title Arch\n"), 0644))
	payloadDir := filepath.Join(bootPath, "snapshots", "2024-06-01_00-00-00")
	require.NoError(t, os.MkdirAll(payloadDir, 0755))

	fake := runner.NewFake()
	scriptVerify(fake, subvolPath)

	cfg := testConfig(t, subvolPath, snapshotsDir)
	cfg.Subvolumes[0].SystemdBoot = []config.SystemdBootSpec{{
		Entry:     "arch.conf",
		Retention: config.Retention{Daily: 2},
	}}
	cfg.SystemdBoot = &config.SystemdBoot{BootPath: bootPath}

	o := orchestrator.New(cfg, fake, logging.Discard())
	require.NotNil(t, o.Payloads)
	require.NoError(t, o.LoadPayloads())
	require.Len(t, o.Payloads.Payloads, 1)

	sub := o.Subvolume(&cfg.Subvolumes[0])
	require.NoError(t, sub.Verify(context.Background()))
	_, err := sub.List()
	require.NoError(t, err)
	id, ok := sub.Find(snapName)
	require.True(t, ok)

	// Mimic the on-disk effect of btrfs subvolume delete, which the fake
	// runner does not perform, so the post-delete rescan sees it gone.
	require.NoError(t, os.RemoveAll(filepath.Join(snapshotsDir, snapName)))
	require.NoError(t, sub.Delete(context.Background(), id))

	var entryDeleted, payloadDeleted bool
	for _, inv := range fake.Invocations {
		if inv.Name == "rm" {
			for _, a := range inv.Args {
				if a == filepath.Join(entriesDir, entryFile) {
					entryDeleted = true
				}
				if a == payloadDir {
					payloadDeleted = true
				}
			}
		}
	}
	assert.True(t, entryDeleted, "bootloader entry should be cascade-deleted")
	assert.True(t, payloadDeleted, "unreferenced boot payload should be garbage collected")
	assert.Empty(t, o.Payloads.Payloads)
}
