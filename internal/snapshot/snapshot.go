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

// Package snapshot implements the bidirectional mapping between a
// (timestamp, period-tag set) pair and a directory basename, and the Id
// type snapshots are identified by.
package snapshot

import (
	"regexp"
	"sort"
	"time"

	"github.com/jordanl2/btrfs-snapshot-manager/internal/period"
)

const layout = "2006-01-02_15-04-05"

var nameRe = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})_(\d{2})-(\d{2})-(\d{2})(?:_([HDWM]*))?$`)

// Id identifies a snapshot by its local civil creation time and the set of
// schedule periods that produced it. Untagged (manually created)
// snapshots have an empty Periods set.
type Id struct {
	Timestamp time.Time
	Periods   period.Set
}

// New builds an Id, normalizing t to second resolution in its own location.
func New(t time.Time, periods period.Set) Id {
	return Id{Timestamp: t.Truncate(time.Second), Periods: periods}
}

// Name formats the canonical basename for this snapshot id: the
// second-resolution timestamp, followed by "_" and the ascending-order tag
// string if the period set is non-empty.
func (id Id) Name() string {
	s := id.Timestamp.Format(layout)
	if tags := id.Periods.Tags(); tags != "" {
		s += "_" + tags
	}
	return s
}

func (id Id) String() string { return id.Name() }

// Before reports whether id was created strictly before other.
func (id Id) Before(other Id) bool { return id.Timestamp.Before(other.Timestamp) }

// Parse parses a directory basename into a snapshot Id. A name that does
// not match the expected shape is not an error: callers scanning a
// directory must silently ignore alien entries, per the codec's contract.
func Parse(name string) (id Id, ok bool) {
	m := nameRe.FindStringSubmatch(name)
	if m == nil {
		return Id{}, false
	}
	t, err := time.ParseInLocation(layout, m[1]+"-"+m[2]+"-"+m[3]+"_"+m[4]+"-"+m[5]+"-"+m[6], time.Local)
	if err != nil {
		return Id{}, false
	}
	ps := period.NewSet()
	for i := 0; i < len(m[7]); i++ {
		p, ok := period.ByTag(m[7][i])
		if !ok {
			// A tag character outside {H,D,W,M} cannot occur since the
			// regex's character class already restricts it, but treat
			// defensively as an unparseable name rather than panicking.
			return Id{}, false
		}
		ps[p] = struct{}{}
	}
	return Id{Timestamp: t, Periods: ps}, true
}

// SortAscending sorts ids by creation time ascending. Because the basename
// format places the timestamp first and at fixed width, basename-sort and
// timestamp-sort agree (Testable Property 2).
func SortAscending(ids []Id) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Before(ids[j]) })
}

// Names renders a slice of ids to their basenames, in the given order.
func Names(ids []Id) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.Name()
	}
	return out
}
