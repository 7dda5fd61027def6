package bootloader_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanl2/btrfs-snapshot-manager/internal/bootloader"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/bootpayload"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/errkind"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/period"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/retention"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/runner"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/snapshot"
)

const referenceEntry = `title Arch Linux
linux /vmlinuz-linux
initrd /initramfs-linux.img
options root=UUID=0b65-4c3a rootflags=subvol=@,compress=zstd rw
`

func writeReference(t *testing.T, entriesDir string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(entriesDir, "arch.conf"), []byte(referenceEntry), 0644))
}

func snap(day int, tags ...period.Period) snapshot.Id {
	return snapshot.New(time.Date(2024, 6, day, 10, 0, 0, 0, time.Local), period.NewSet(tags...))
}

func TestParseEntryName(t *testing.T) {
	name, ok := bootloader.ParseEntryName("arch.conf", "snapshot-2024-06-01_10-00-00_D-arch.conf")
	require.True(t, ok)
	assert.Equal(t, "2024-06-01_10-00-00_D", name)

	_, ok = bootloader.ParseEntryName("arch.conf", "arch.conf")
	assert.False(t, ok)

	_, ok = bootloader.ParseEntryName("arch.conf", "snapshot-2024-06-01_10-00-00_D-other.conf")
	assert.False(t, ok)
}

func TestReconcileCreatesRewrittenEntry(t *testing.T) {
	entriesDir := t.TempDir()
	writeReference(t, entriesDir)
	fake := runner.NewFake()
	id := snap(1, period.Daily)

	rc := bootloader.New(fake, entriesDir, bootloader.Spec{ReferenceEntry: "arch.conf", Retention: retention.Policy{period.Daily: 1}}, "@", ".snapshots")
	require.NoError(t, rc.Reconcile(context.Background(), []snapshot.Id{id}))

	derived := filepath.Join(entriesDir, "snapshot-"+id.Name()+"-arch.conf")
	content, err := os.ReadFile(derived)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "title Snapshot - Sat 01-Jun 10:00:00 - Arch Linux", lines[0])
	assert.Equal(t, "linux /vmlinuz-linux", lines[1])
	assert.Equal(t, "options root=UUID=0b65-4c3a rootflags=subvol=@/.snapshots/"+id.Name()+",compress=zstd rw", lines[3])
}

func TestReconcileRepointsInitFilesAtPayload(t *testing.T) {
	entriesDir := t.TempDir()
	writeReference(t, entriesDir)
	fake := runner.NewFake()
	id := snap(5, period.Daily)

	payloads := bootpayload.New(fake, t.TempDir(), nil)
	payloads.Payloads = []bootpayload.Payload{
		{Timestamp: time.Date(2024, 6, 1, 0, 0, 0, 0, time.Local)},
	}

	rc := bootloader.New(fake, entriesDir, bootloader.Spec{ReferenceEntry: "arch.conf", Retention: retention.Policy{period.Daily: 1}}, "@", ".snapshots",
		bootloader.WithPayloads(payloads))
	require.NoError(t, rc.Reconcile(context.Background(), []snapshot.Id{id}))

	content, err := os.ReadFile(filepath.Join(entriesDir, "snapshot-"+id.Name()+"-arch.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "linux /snapshots/2024-06-01_00-00-00/vmlinuz-linux")
	assert.Contains(t, string(content), "initrd /snapshots/2024-06-01_00-00-00/initramfs-linux.img")
}

func TestReconcileDeletesStaleEntries(t *testing.T) {
	entriesDir := t.TempDir()
	writeReference(t, entriesDir)
	fake := runner.NewFake()
	stale := snap(1, period.Daily)
	kept := snap(2, period.Daily)

	staleFile := "snapshot-" + stale.Name() + "-arch.conf"
	require.NoError(t, os.WriteFile(filepath.Join(entriesDir, staleFile), []byte(referenceEntry), 0644))

	// Retention of 1 keeps only the newest snapshot; the entry derived
	// from the older one is orphaned and must go.
	rc := bootloader.New(fake, entriesDir, bootloader.Spec{ReferenceEntry: "arch.conf", Retention: retention.Policy{period.Daily: 1}}, "@", ".snapshots")
	require.NoError(t, rc.Reconcile(context.Background(), []snapshot.Id{stale, kept}))

	var deleted bool
	for _, inv := range fake.Invocations {
		if inv.Name == "rm" && inv.Args[len(inv.Args)-1] == filepath.Join(entriesDir, staleFile) {
			deleted = true
		}
	}
	assert.True(t, deleted)
	_, err := os.Stat(filepath.Join(entriesDir, "snapshot-"+kept.Name()+"-arch.conf"))
	assert.NoError(t, err)
}

func TestReconcilePassesThroughUnparseableLines(t *testing.T) {
	entriesDir := t.TempDir()
	content := "title Arch Linux\n#comment-without-a-value\n\nlinux /vmlinuz-linux\n"
	require.NoError(t, os.WriteFile(filepath.Join(entriesDir, "arch.conf"), []byte(content), 0644))
	fake := runner.NewFake()
	id := snap(1, period.Daily)

	rc := bootloader.New(fake, entriesDir, bootloader.Spec{ReferenceEntry: "arch.conf", Retention: retention.Policy{period.Daily: 1}}, "@", ".snapshots")
	require.NoError(t, rc.Reconcile(context.Background(), []snapshot.Id{id}))

	derived, err := os.ReadFile(filepath.Join(entriesDir, "snapshot-"+id.Name()+"-arch.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(derived), "#comment-without-a-value")
}

func TestDeleteForSnapshotRemovesOnlyItsEntry(t *testing.T) {
	entriesDir := t.TempDir()
	writeReference(t, entriesDir)
	fake := runner.NewFake()
	a := snap(1, period.Daily)
	b := snap(2, period.Daily)
	for _, id := range []snapshot.Id{a, b} {
		file := "snapshot-" + id.Name() + "-arch.conf"
		require.NoError(t, os.WriteFile(filepath.Join(entriesDir, file), []byte(referenceEntry), 0644))
	}

	rc := bootloader.New(fake, entriesDir, bootloader.Spec{ReferenceEntry: "arch.conf", Retention: retention.Policy{period.Daily: 2}}, "@", ".snapshots")
	require.NoError(t, rc.DeleteForSnapshot(context.Background(), a.Name()))

	require.Len(t, fake.Invocations, 1)
	assert.Equal(t, "rm", fake.Invocations[0].Name)
	assert.Contains(t, fake.Invocations[0].Args, filepath.Join(entriesDir, "snapshot-"+a.Name()+"-arch.conf"))
}

func TestReconcileMissingReferenceIsTemplateInvalid(t *testing.T) {
	entriesDir := t.TempDir()
	fake := runner.NewFake()
	id := snap(1, period.Daily)

	rc := bootloader.New(fake, entriesDir, bootloader.Spec{ReferenceEntry: "missing.conf", Retention: retention.Policy{period.Daily: 1}}, "@", ".snapshots")
	err := rc.Reconcile(context.Background(), []snapshot.Id{id})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.TemplateInvalid))
}
