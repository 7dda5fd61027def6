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
	"fmt"
	"os"
	"path/filepath"

	"github.com/jordanl2/btrfs-snapshot-manager/internal/errkind"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/runner"
)

// LocalNative implements Transport over btrfs send/receive into a local
// directory (spec.md §4.7 "LocalNative").
type LocalNative struct {
	Path   string
	runner runner.Runner
}

func NewLocalNative(r runner.Runner, path string) *LocalNative {
	return &LocalNative{Path: path, runner: r}
}

func (t *LocalNative) EnsureLocation(ctx context.Context) error {
	if _, err := t.runner.Run(ctx, "mkdir", "-p", "-m", "0700", t.Path); err != nil {
		return errkind.Wrap(err, "creating local backup location %s", t.Path)
	}
	return nil
}

func (t *LocalNative) ListSnapshots(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(t.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Wrap(err, "listing local backup location %s", t.Path)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return filterParseable(names), nil
}

func (t *LocalNative) DeleteSnapshot(ctx context.Context, name string) error {
	path := filepath.Join(t.Path, name)
	if _, err := t.runner.Run(ctx, "btrfs", "subvolume", "delete", "--commit-each", path); err != nil {
		return errkind.Wrap(err, "deleting target snapshot %s", name)
	}
	return nil
}

func (t *LocalNative) TransferFull(ctx context.Context, snapshotPath, name string) error {
	script := pipeCommand(
		fmt.Sprintf("btrfs send %s", snapshotPath),
		fmt.Sprintf("btrfs receive %s", t.Path),
	)
	if _, err := t.runner.Run(ctx, "sh", "-c", script); err != nil {
		return errkind.Wrap(err, "sending snapshot %s", name)
	}
	return nil
}

func (t *LocalNative) TransferDelta(ctx context.Context, parentPath, parentName, snapshotPath, name string) error {
	script := pipeCommand(
		fmt.Sprintf("btrfs send -p %s %s", parentPath, snapshotPath),
		fmt.Sprintf("btrfs receive %s", t.Path),
	)
	if _, err := t.runner.Run(ctx, "sh", "-c", script); err != nil {
		return errkind.Wrap(err, "sending delta snapshot %s (from %s)", name, parentName)
	}
	return nil
}
