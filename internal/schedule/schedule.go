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

// Package schedule implements the Schedule Engine (spec.md §4.5): for each
// (subvolume, period), computes last-run / next-run and whether a new
// snapshot is due.
package schedule

import (
	"time"

	"github.com/jordanl2/btrfs-snapshot-manager/internal/period"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/retention"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/snapshot"
)

// LastRun returns the timestamp of the most recent snapshot tagged with p
// among snapshots, or the zero time with ok=false if none exists.
func LastRun(snapshots []snapshot.Id, p period.Period) (t time.Time, ok bool) {
	var latest snapshot.Id
	found := false
	for _, id := range snapshots {
		if !id.Periods.Has(p) {
			continue
		}
		if !found || latest.Before(id) {
			latest = id
			found = true
		}
	}
	if !found {
		return time.Time{}, false
	}
	return latest.Timestamp, true
}

// NextRun returns period.NextBoundary(lastRun) if a last run exists, or
// ok=false if there is none — meaning the period has never run and is
// unconditionally due (spec.md §4.5: "next_run is ∅").
func NextRun(snapshots []snapshot.Id, p period.Period) (t time.Time, ok bool) {
	last, ok := LastRun(snapshots, p)
	if !ok {
		return time.Time{}, false
	}
	return p.NextBoundary(last), true
}

// ShouldRun reports whether a snapshot of period p is due at now: either
// it has never run, or its next boundary has arrived.
func ShouldRun(snapshots []snapshot.Id, p period.Period, now time.Time) bool {
	next, ok := NextRun(snapshots, p)
	if !ok {
		return true
	}
	return !next.After(now)
}

// DuePeriods returns every period in policy for which ShouldRun is true,
// in ascending period order. An empty policy entry (retention 0, i.e. the
// period is not scheduled for this subvolume at all) is skipped: only
// periods the retention policy names are candidates to run.
func DuePeriods(snapshots []snapshot.Id, policy retention.Policy, now time.Time) []period.Period {
	var due []period.Period
	for _, p := range period.All {
		if policy[p] <= 0 {
			continue
		}
		if ShouldRun(snapshots, p, now) {
			due = append(due, p)
		}
	}
	return due
}
