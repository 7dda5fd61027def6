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

// Package subvolume implements the Subvolume Store (spec.md §4.3):
// enumerating, creating and deleting snapshots under a subvolume's
// snapshot directory, all via the subprocess runner — never in-process
// filesystem manipulation, per spec.md §1 Non-goals.
package subvolume

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jordanl2/btrfs-snapshot-manager/internal/errkind"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/logging"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/period"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/runner"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/snapshot"
)

// DeleteCascadeHook is invoked after a snapshot is deleted so callers can
// run the cross-subsystem cascade (spec.md §3 "Ownership / lifecycle"):
// deleting dependent bootloader entries and, transitively, garbage
// collecting boot payloads. The Subvolume itself holds no reference to
// the bootloader or boot-payload subsystems (Design Note §9: "hold these
// relations externally").
type DeleteCascadeHook func(ctx context.Context, deleted snapshot.Id)

// CreateHook is invoked after a new snapshot is created, so a boot
// manager can run create_if_needed (spec.md §4.3, §4.10 step 1).
type CreateHook func(ctx context.Context, created snapshot.Id)

// Subvolume is a single managed btrfs subvolume and its ordered snapshot
// list (spec.md §3). The in-memory Snapshots slice is kept equal to the
// set of directories in SnapshotsDir whose basenames parse as snapshot
// Ids (invariant (c)).
type Subvolume struct {
	// Name identifies this subvolume for logging and as the backup
	// target subdirectory name (SPEC_FULL.md §12 "Per-subvolume
	// snapshot_name prefix"); it is a display concern only and never
	// enters the C2 basename codec.
	Name string
	// Path is the subvolume's own mount path.
	Path string
	// SnapshotsDir is where snapshots are stored; defaults to
	// <path>/.snapshots.
	SnapshotsDir string

	Snapshots []snapshot.Id

	// TopLevelPath is the btrfs top-level path cached from `btrfs
	// subvolume show` at Verify time, used later when rewriting
	// rootflags=subvol= mount options (spec.md §4.3, §4.8).
	TopLevelPath string

	runner runner.Runner
	logger logging.Logger

	OnDelete DeleteCascadeHook
	OnCreate CreateHook
}

// Option configures a Subvolume built with New.
type Option func(*Subvolume)

func WithLogger(l logging.Logger) Option { return func(s *Subvolume) { s.logger = l } }

func WithDeleteHook(h DeleteCascadeHook) Option { return func(s *Subvolume) { s.OnDelete = h } }

func WithCreateHook(h CreateHook) Option { return func(s *Subvolume) { s.OnCreate = h } }

// New builds a Subvolume. snapshotsDir may be empty, in which case it
// defaults to "<path>/.snapshots" per spec.md §3.
func New(r runner.Runner, name, path, snapshotsDir string, opts ...Option) *Subvolume {
	if snapshotsDir == "" {
		snapshotsDir = filepath.Join(path, ".snapshots")
	}
	s := &Subvolume{
		Name:         name,
		Path:         path,
		SnapshotsDir: snapshotsDir,
		runner:       r,
		logger:       logging.Discard(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Verify invokes `btrfs subvolume show <path>` and caches the first
// trimmed line of stdout as TopLevelPath. Returns errkind.NotASubvolume
// on failure.
func (s *Subvolume) Verify(ctx context.Context) error {
	res, err := s.runner.Run(ctx, "btrfs", "subvolume", "show", s.Path)
	if err != nil {
		return errkind.New(errkind.NotASubvolume, "%s: %v", s.Path, err)
	}
	lines := strings.SplitN(res.Stdout, "\n", 2)
	if len(lines) == 0 {
		return errkind.New(errkind.NotASubvolume, "%s: empty btrfs subvolume show output", s.Path)
	}
	s.TopLevelPath = strings.TrimSpace(lines[0])
	return nil
}

// HasSnapshotsDir reports whether SnapshotsDir already exists.
func (s *Subvolume) HasSnapshotsDir() bool {
	info, err := os.Stat(s.SnapshotsDir)
	return err == nil && info.IsDir()
}

// InitSnapshots creates SnapshotsDir as a native subvolume. Returns
// errkind.AlreadyInitialised if it already exists.
func (s *Subvolume) InitSnapshots(ctx context.Context) error {
	if s.HasSnapshotsDir() {
		return errkind.New(errkind.AlreadyInitialised, "%s", s.SnapshotsDir)
	}
	if _, err := s.runner.Run(ctx, "btrfs", "subvolume", "create", s.SnapshotsDir); err != nil {
		return errkind.Wrap(err, "creating snapshots dir %s", s.SnapshotsDir)
	}
	return nil
}

// List scans SnapshotsDir, keeping only entries whose basenames parse as
// snapshot Ids, and sorts the result by timestamp ascending. It also
// replaces s.Snapshots with the freshly scanned set, per the invariant
// that the in-memory list equals the on-disk set.
func (s *Subvolume) List() ([]snapshot.Id, error) {
	entries, err := os.ReadDir(s.SnapshotsDir)
	if err != nil {
		return nil, errkind.New(errkind.NotInitialised, "%s: %v", s.SnapshotsDir, err)
	}
	var ids []snapshot.Id
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, ok := snapshot.Parse(e.Name())
		if !ok {
			continue
		}
		ids = append(ids, id)
	}
	snapshot.SortAscending(ids)
	s.Snapshots = ids
	return ids, nil
}

// Create snapshots the subvolume at now, tagged with periods, and appends
// the new Id to the in-memory list on success. CreateHook, if set, runs
// afterwards (boot payload create_if_needed, spec.md §4.3/§4.10).
func (s *Subvolume) Create(ctx context.Context, now time.Time, periods period.Set) (snapshot.Id, error) {
	id := snapshot.New(now, periods)
	dest := filepath.Join(s.SnapshotsDir, id.Name())
	if _, err := s.runner.Run(ctx, "btrfs", "subvolume", "snapshot", "-r", s.Path, dest); err != nil {
		return snapshot.Id{}, errkind.Wrap(err, "creating snapshot %s", id.Name())
	}
	s.logger.Logf(0, "created snapshot %s for %s", id.Name(), s.Name)
	s.Snapshots = append(s.Snapshots, id)
	snapshot.SortAscending(s.Snapshots)
	if s.OnCreate != nil {
		s.OnCreate(ctx, id)
	}
	return id, nil
}

// Delete removes the snapshot, via `btrfs subvolume delete --commit-each`,
// drops it from the in-memory list, and runs OnDelete to cascade the
// dependent bootloader entries and boot-payload GC (spec.md §3).
func (s *Subvolume) Delete(ctx context.Context, id snapshot.Id) error {
	path := filepath.Join(s.SnapshotsDir, id.Name())
	if _, err := s.runner.Run(ctx, "btrfs", "subvolume", "delete", "--commit-each", path); err != nil {
		return errkind.Wrap(err, "deleting snapshot %s", id.Name())
	}
	s.logger.Logf(0, "deleted snapshot %s for %s", id.Name(), s.Name)
	for i, existing := range s.Snapshots {
		if existing.Name() == id.Name() {
			s.Snapshots = append(s.Snapshots[:i], s.Snapshots[i+1:]...)
			break
		}
	}
	if s.OnDelete != nil {
		s.OnDelete(ctx, id)
	}
	return nil
}

// Find looks up a snapshot by its basename. ok is false if not present
// in the in-memory list (errkind.SnapshotNotFound is the caller's to
// construct, since some callers treat a miss as non-fatal).
func (s *Subvolume) Find(name string) (snapshot.Id, bool) {
	for _, id := range s.Snapshots {
		if id.Name() == name {
			return id, true
		}
	}
	return snapshot.Id{}, false
}

// Search filters the in-memory list to snapshots whose period set
// intersects periods. A nil entry in periods is the "include untagged
// snapshots" marker (spec.md §4.3 "null marker").
func (s *Subvolume) Search(periods []*period.Period) []snapshot.Id {
	var out []snapshot.Id
	for _, id := range s.Snapshots {
		if matchesSearch(id, periods) {
			out = append(out, id)
		}
	}
	snapshot.SortAscending(out)
	return out
}

func matchesSearch(id snapshot.Id, periods []*period.Period) bool {
	if len(periods) == 0 {
		return true
	}
	for _, p := range periods {
		if p == nil {
			if len(id.Periods) == 0 {
				return true
			}
			continue
		}
		if id.Periods.Has(*p) {
			return true
		}
	}
	return false
}

// SearchPeriod is a convenience wrapper around Search for a single,
// always-tagged period.
func (s *Subvolume) SearchPeriod(p period.Period) []snapshot.Id {
	return s.Search([]*period.Period{&p})
}
