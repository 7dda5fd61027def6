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
	"strings"

	"github.com/jordanl2/btrfs-snapshot-manager/internal/errkind"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/runner"
)

// RemoteNative implements Transport over btrfs send / ssh btrfs receive
// (spec.md §4.7 "RemoteNative"). Every command issued over ssh is
// retried per RetryPolicy, per the §4.6/§7 failure policy; the local
// `btrfs send` side of a transfer is not retried on its own since it is
// piped directly into the remote command.
type RemoteNative struct {
	Path   string
	Remote RemoteOptions
	Retry  runner.RetryPolicy
	runner runner.Runner
}

func NewRemoteNative(r runner.Runner, path string, remote RemoteOptions, retry runner.RetryPolicy) *RemoteNative {
	return &RemoteNative{Path: path, Remote: remote, Retry: retry, runner: r}
}

func (t *RemoteNative) sshArgs() []string { return sshCommand(t.Remote) }

func (t *RemoteNative) runRemote(ctx context.Context, script string) (runner.Result, error) {
	args := append(t.sshArgs(), script)
	return runner.RunWithRetry(ctx, t.runner, t.Retry, args[0], args[1:]...)
}

func (t *RemoteNative) EnsureLocation(ctx context.Context) error {
	probe := fmt.Sprintf("if [[ -d '%s' ]] ; then echo yes ; fi", t.Path)
	res, err := t.runRemote(ctx, probe)
	if err != nil {
		return errkind.New(errkind.TargetUnreachable, "%s: %v", t.Path, err)
	}
	if strings.TrimSpace(res.Stdout) == "yes" {
		return nil
	}
	if _, err := t.runRemote(ctx, fmt.Sprintf("sudo mkdir -p '%s'", t.Path)); err != nil {
		return errkind.New(errkind.TargetUnreachable, "creating %s: %v", t.Path, err)
	}
	return nil
}

func (t *RemoteNative) ListSnapshots(ctx context.Context) ([]string, error) {
	res, err := t.runRemote(ctx, fmt.Sprintf("ls -1 '%s'", t.Path))
	if err != nil {
		return nil, errkind.New(errkind.TargetUnreachable, "listing %s: %v", t.Path, err)
	}
	return filterParseable(strings.Fields(res.Stdout)), nil
}

func (t *RemoteNative) DeleteSnapshot(ctx context.Context, name string) error {
	dst := fmt.Sprintf("%s/%s", t.Path, name)
	if _, err := t.runRemote(ctx, fmt.Sprintf("sudo btrfs subvolume delete %s", dst)); err != nil {
		return errkind.Wrap(err, "deleting target snapshot %s", name)
	}
	return nil
}

func (t *RemoteNative) TransferFull(ctx context.Context, snapshotPath, name string) error {
	remoteScript := fmt.Sprintf("sudo btrfs receive %s", t.Path)
	script := pipeCommand(fmt.Sprintf("btrfs send %s", snapshotPath), strings.Join(remoteShellCommand(t.Remote, remoteScript), " "))
	if _, err := runner.RunWithRetry(ctx, t.runner, t.Retry, "sh", "-c", script); err != nil {
		return errkind.Wrap(err, "sending snapshot %s", name)
	}
	return nil
}

func (t *RemoteNative) TransferDelta(ctx context.Context, parentPath, parentName, snapshotPath, name string) error {
	remoteScript := fmt.Sprintf("sudo btrfs receive %s", t.Path)
	script := pipeCommand(fmt.Sprintf("btrfs send -p %s %s", parentPath, snapshotPath), strings.Join(remoteShellCommand(t.Remote, remoteScript), " "))
	if _, err := runner.RunWithRetry(ctx, t.runner, t.Retry, "sh", "-c", script); err != nil {
		return errkind.Wrap(err, "sending delta snapshot %s (from %s)", name, parentName)
	}
	return nil
}
