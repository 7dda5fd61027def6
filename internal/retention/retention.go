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

// Package retention implements the Retention Selector (spec.md §4.4): the
// "keep" / "discard" partition of a snapshot set given a per-period
// retention policy.
package retention

import (
	"github.com/jordanl2/btrfs-snapshot-manager/internal/period"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/snapshot"
)

// Policy maps a period class to the number of snapshots of that class to
// keep. An absent period keeps zero, per spec.md §3.
type Policy map[period.Period]int

// Select returns the keep set: for each period p, the last policy[p]
// snapshots (by timestamp) tagged with p, unioned across periods.
// Untagged snapshots are never selected (spec.md §4.4: "never automatically
// deleted", which for a positive selector means "never kept by policy
// either" — an untagged snapshot survives only because Discard below never
// names it, not because Select returns it).
func Select(snapshots []snapshot.Id, policy Policy) []snapshot.Id {
	keep := make(map[string]snapshot.Id)
	for _, p := range period.All {
		n := policy[p]
		if n <= 0 {
			continue
		}
		tagged := filterByPeriod(snapshots, p)
		snapshot.SortAscending(tagged)
		if len(tagged) > n {
			tagged = tagged[len(tagged)-n:]
		}
		for _, id := range tagged {
			keep[id.Name()] = id
		}
	}
	out := make([]snapshot.Id, 0, len(keep))
	for _, id := range keep {
		out = append(out, id)
	}
	snapshot.SortAscending(out)
	return out
}

// Discard returns every tagged snapshot in snapshots that is not in the
// keep set computed by Select. Untagged snapshots are excluded from both
// the keep and discard sets: they are "legal" and never touched by
// automatic retention (spec.md §3, §4.4).
func Discard(snapshots []snapshot.Id, policy Policy) []snapshot.Id {
	keep := make(map[string]struct{})
	for _, id := range Select(snapshots, policy) {
		keep[id.Name()] = struct{}{}
	}
	var out []snapshot.Id
	for _, id := range snapshots {
		if len(id.Periods) == 0 {
			continue
		}
		if _, ok := keep[id.Name()]; !ok {
			out = append(out, id)
		}
	}
	snapshot.SortAscending(out)
	return out
}

// WithMinimum extends a keep set so that, if it has fewer than minimum
// members, the minimum most recent snapshots of all (regardless of tag)
// are unioned in. This implements the backup-target `retention.minimum`
// floor folded back from the original implementation (SPEC_FULL.md §12);
// it is not part of the base spec.md §4.4 selector and must never be
// applied to bootloader-entry or in-subvolume retention.
func WithMinimum(all []snapshot.Id, keep []snapshot.Id, minimum int) []snapshot.Id {
	if minimum <= 0 || len(keep) >= minimum {
		return keep
	}
	sorted := make([]snapshot.Id, len(all))
	copy(sorted, all)
	snapshot.SortAscending(sorted)
	var floor []snapshot.Id
	if len(sorted) > minimum {
		floor = sorted[len(sorted)-minimum:]
	} else {
		floor = sorted
	}
	merged := make(map[string]snapshot.Id)
	for _, id := range keep {
		merged[id.Name()] = id
	}
	for _, id := range floor {
		merged[id.Name()] = id
	}
	out := make([]snapshot.Id, 0, len(merged))
	for _, id := range merged {
		out = append(out, id)
	}
	snapshot.SortAscending(out)
	return out
}

func filterByPeriod(snapshots []snapshot.Id, p period.Period) []snapshot.Id {
	var out []snapshot.Id
	for _, id := range snapshots {
		if id.Periods.Has(p) {
			out = append(out, id)
		}
	}
	return out
}
