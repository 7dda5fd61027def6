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
	"os"
	"path/filepath"

	"github.com/jordanl2/btrfs-snapshot-manager/internal/errkind"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/runner"
)

// stagingDir is the name of the rsync staging directory used by both
// copy transports (spec.md §4.7 "a staging directory <dst>/.tmp").
const stagingDir = ".tmp"

// LocalCopy implements Transport over rsync with hard-link dedup into a
// local directory, using .tmp staging plus an atomic rename into place
// (spec.md §4.7 "LocalCopy (rsync)").
type LocalCopy struct {
	Path   string
	runner runner.Runner
}

func NewLocalCopy(r runner.Runner, path string) *LocalCopy {
	return &LocalCopy{Path: path, runner: r}
}

func (t *LocalCopy) tempPath() string { return filepath.Join(t.Path, stagingDir) }

func (t *LocalCopy) EnsureLocation(ctx context.Context) error {
	if _, err := t.runner.Run(ctx, "mkdir", "-p", "-m", "0700", t.Path); err != nil {
		return errkind.Wrap(err, "creating local backup location %s", t.Path)
	}
	if _, err := t.runner.Run(ctx, "mkdir", "-p", "-m", "0700", t.tempPath()); err != nil {
		return errkind.Wrap(err, "creating staging location %s", t.tempPath())
	}
	return nil
}

func (t *LocalCopy) ListSnapshots(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(t.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Wrap(err, "listing local backup location %s", t.Path)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != stagingDir {
			names = append(names, e.Name())
		}
	}
	return filterParseable(names), nil
}

func (t *LocalCopy) DeleteSnapshot(ctx context.Context, name string) error {
	if _, err := t.runner.Run(ctx, "rm", "-rf", filepath.Join(t.Path, name)); err != nil {
		return errkind.Wrap(err, "deleting target snapshot %s", name)
	}
	return nil
}

func (t *LocalCopy) TransferFull(ctx context.Context, snapshotPath, name string) error {
	if _, err := t.runner.Run(ctx, "rsync", "-a", "--delete", snapshotPath, t.tempPath()+"/"); err != nil {
		return errkind.Wrap(err, "rsyncing snapshot %s", name)
	}
	return t.moveFromStaging(ctx, name)
}

func (t *LocalCopy) TransferDelta(ctx context.Context, parentPath, parentName, snapshotPath, name string) error {
	linkDest := "--link-dest=" + filepath.Join(t.Path, parentName) + "/"
	dest := filepath.Join(t.tempPath(), name) + "/"
	if _, err := t.runner.Run(ctx, "rsync", "-a", "--delete", linkDest, snapshotPath+"/", dest); err != nil {
		return errkind.Wrap(err, "rsyncing delta snapshot %s (from %s)", name, parentName)
	}
	return t.moveFromStaging(ctx, name)
}

func (t *LocalCopy) moveFromStaging(ctx context.Context, name string) error {
	from := filepath.Join(t.tempPath(), name)
	to := filepath.Join(t.Path, name)
	if _, err := t.runner.Run(ctx, "mv", from, to); err != nil {
		return errkind.Wrap(err, "moving staged snapshot %s into place", name)
	}
	return nil
}
