/*
This file is part of btrfs-snapshot-manager.

btrfs-snapshot-manager is free software: you can redistribute it and/or modify it under the
terms of the GNU Lesser General Public License as published by the Free Software Foundation,
either version 3 of the License, or (at your option) any later version.

btrfs-snapshot-manager is distributed in the hope that it will be useful, but WITHOUT ANY
WARRANTY; without even the implied warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR
PURPOSE. See the GNU Lesser General Public License for more details.

You should have received a copy of the GNU Lesser General Public License along with
btrfs-snapshot-manager. If not, see <https://www.gnu.org/licenses/>.
*/

package backup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanl2/btrfs-snapshot-manager/internal/period"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/retention"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/snapshot"
)

// fakeTransport is an in-memory Transport double recording every call, so
// tests can assert on ordering without shelling out to real btrfs/rsync.
type fakeTransport struct {
	onTarget       map[string]bool
	ensureCalls    int
	deleted        []string
	fullTransfers  []string
	deltaTransfers []string
	failOn         string // if set, the call touching this snapshot name fails
}

func newFakeTransport(initial ...string) *fakeTransport {
	t := &fakeTransport{onTarget: make(map[string]bool)}
	for _, n := range initial {
		t.onTarget[n] = true
	}
	return t
}

func (t *fakeTransport) EnsureLocation(ctx context.Context) error {
	t.ensureCalls++
	return nil
}

func (t *fakeTransport) ListSnapshots(ctx context.Context) ([]string, error) {
	var out []string
	for n := range t.onTarget {
		out = append(out, n)
	}
	return out, nil
}

func (t *fakeTransport) DeleteSnapshot(ctx context.Context, name string) error {
	if name == t.failOn {
		return assert.AnError
	}
	delete(t.onTarget, name)
	t.deleted = append(t.deleted, name)
	return nil
}

func (t *fakeTransport) TransferFull(ctx context.Context, snapshotPath, name string) error {
	if name == t.failOn {
		return assert.AnError
	}
	t.onTarget[name] = true
	t.fullTransfers = append(t.fullTransfers, name)
	return nil
}

func (t *fakeTransport) TransferDelta(ctx context.Context, parentPath, parentName, snapshotPath, name string) error {
	if name == t.failOn {
		return assert.AnError
	}
	t.onTarget[name] = true
	t.deltaTransfers = append(t.deltaTransfers, name)
	return nil
}

func mk(base time.Time, offsetHours int, tags ...period.Period) snapshot.Id {
	ps := period.NewSet()
	for _, p := range tags {
		ps[p] = struct{}{}
	}
	return snapshot.New(base.Add(time.Duration(offsetHours)*time.Hour), ps)
}

func TestReconcileFirstRunTransfersFullThenDeltas(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := []snapshot.Id{
		mk(base, 0, period.Daily),
		mk(base, 24, period.Daily),
		mk(base, 48, period.Daily),
	}
	ft := newFakeTransport()
	r := New(ft, Target{Retention: retention.Policy{period.Daily: 3}}, "/sub/.snapshots", ids)

	require.NoError(t, r.Reconcile(context.Background()))

	assert.Equal(t, 1, ft.ensureCalls)
	assert.Empty(t, ft.deleted)
	require.Len(t, ft.fullTransfers, 1)
	assert.Equal(t, ids[0].Name(), ft.fullTransfers[0])
	assert.Equal(t, []string{ids[1].Name(), ids[2].Name()}, ft.deltaTransfers)
}

func TestReconcileIncrementalOnlyTransfersNewTail(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := []snapshot.Id{
		mk(base, 0, period.Daily),
		mk(base, 24, period.Daily),
		mk(base, 48, period.Daily),
	}
	ft := newFakeTransport(ids[0].Name(), ids[1].Name())
	r := New(ft, Target{Retention: retention.Policy{period.Daily: 3}}, "/sub/.snapshots", ids)

	require.NoError(t, r.Reconcile(context.Background()))

	assert.Empty(t, ft.fullTransfers)
	assert.Equal(t, []string{ids[2].Name()}, ft.deltaTransfers)
}

func TestReconcileGarbageCollectsStaleTargetSnapshots(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := []snapshot.Id{
		mk(base, 0, period.Daily),
		mk(base, 24, period.Daily),
		mk(base, 48, period.Daily),
	}
	// Retention keeps only the last 1; the first two are already present on
	// the target from a prior run under a looser policy and must be GC'd.
	ft := newFakeTransport(ids[0].Name(), ids[1].Name(), ids[2].Name())
	r := New(ft, Target{Retention: retention.Policy{period.Daily: 1}}, "/sub/.snapshots", ids)

	require.NoError(t, r.Reconcile(context.Background()))

	assert.ElementsMatch(t, []string{ids[0].Name(), ids[1].Name()}, ft.deleted)
	assert.True(t, ft.onTarget[ids[2].Name()])
}

func TestReconcileDriftFallsBackToFullWhenParentMissing(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := []snapshot.Id{
		mk(base, 0, period.Daily),
		mk(base, 24, period.Daily),
		mk(base, 48, period.Daily),
	}
	// The target is missing the middle snapshot entirely (operator deleted it
	// out of band); the third snapshot's "parent" on the target is absent, so
	// it must transfer full rather than as a delta against a nonexistent
	// parent subvolume.
	ft := newFakeTransport(ids[0].Name())
	r := New(ft, Target{Retention: retention.Policy{period.Daily: 3}}, "/sub/.snapshots", ids)

	require.NoError(t, r.Reconcile(context.Background()))

	assert.ElementsMatch(t, []string{ids[1].Name(), ids[2].Name()}, ft.fullTransfers)
	assert.Empty(t, ft.deltaTransfers)
}

func TestReconcileMinimumFloorWidensKeepSet(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := []snapshot.Id{
		mk(base, 0),
		mk(base, 24, period.Daily),
		mk(base, 48, period.Daily),
	}
	ft := newFakeTransport()
	r := New(ft, Target{Retention: retention.Policy{period.Daily: 1}, Minimum: 2}, "/sub/.snapshots", ids)

	desired := r.Desired()
	require.Len(t, desired, 2)
	assert.Equal(t, ids[1].Name(), desired[0].Name())
	assert.Equal(t, ids[2].Name(), desired[1].Name())
}

func TestReconcileIsIdempotent(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := []snapshot.Id{
		mk(base, 0, period.Daily),
		mk(base, 24, period.Daily),
		mk(base, 48, period.Daily),
	}
	ft := newFakeTransport()
	r := New(ft, Target{Retention: retention.Policy{period.Daily: 3}}, "/sub/.snapshots", ids)

	require.NoError(t, r.Reconcile(context.Background()))
	fulls, deltas, deletes := len(ft.fullTransfers), len(ft.deltaTransfers), len(ft.deleted)

	// A second run against the converged target must not mutate anything.
	require.NoError(t, r.Reconcile(context.Background()))
	assert.Equal(t, fulls, len(ft.fullTransfers))
	assert.Equal(t, deltas, len(ft.deltaTransfers))
	assert.Equal(t, deletes, len(ft.deleted))
}

func TestReconcileStopsOnTransferFailureWithoutTouchingLastSync(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := []snapshot.Id{
		mk(base, 0, period.Daily),
		mk(base, 24, period.Daily),
	}
	ft := newFakeTransport()
	ft.failOn = ids[0].Name()
	r := New(ft, Target{Retention: retention.Policy{period.Daily: 2}, LastSyncFile: "last_sync"}, "/sub/.snapshots", ids)

	err := r.Reconcile(context.Background())
	assert.Error(t, err)
}
