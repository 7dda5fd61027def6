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

// RemoteCopy implements Transport like LocalCopy, but rsync runs with
// `--rsync-path="sudo rsync" -e "ssh [opts] -l user"` and the
// post-transfer move happens over ssh (spec.md §4.7 "RemoteCopy").
// Staging lives on the remote host.
type RemoteCopy struct {
	Path   string
	Remote RemoteOptions
	Retry  runner.RetryPolicy
	runner runner.Runner
}

func NewRemoteCopy(r runner.Runner, path string, remote RemoteOptions, retry runner.RetryPolicy) *RemoteCopy {
	return &RemoteCopy{Path: path, Remote: remote, Retry: retry, runner: r}
}

func (t *RemoteCopy) tempPath() string { return t.Path + "/" + stagingDir }

func (t *RemoteCopy) runRemote(ctx context.Context, script string) (runner.Result, error) {
	args := remoteShellCommand(t.Remote, script)
	return runner.RunWithRetry(ctx, t.runner, t.Retry, args[0], args[1:]...)
}

func (t *RemoteCopy) EnsureLocation(ctx context.Context) error {
	for _, dir := range []string{t.Path, t.tempPath()} {
		probe := fmt.Sprintf("if [[ -d '%s' ]] ; then echo yes ; fi", dir)
		res, err := t.runRemote(ctx, probe)
		if err != nil {
			return errkind.New(errkind.TargetUnreachable, "%s: %v", dir, err)
		}
		if strings.TrimSpace(res.Stdout) == "yes" {
			continue
		}
		if _, err := t.runRemote(ctx, fmt.Sprintf("sudo mkdir -p '%s'", dir)); err != nil {
			return errkind.New(errkind.TargetUnreachable, "creating %s: %v", dir, err)
		}
	}
	return nil
}

func (t *RemoteCopy) ListSnapshots(ctx context.Context) ([]string, error) {
	res, err := t.runRemote(ctx, fmt.Sprintf("ls -1 '%s'", t.Path))
	if err != nil {
		return nil, errkind.New(errkind.TargetUnreachable, "listing %s: %v", t.Path, err)
	}
	names := strings.Fields(res.Stdout)
	var out []string
	for _, n := range names {
		if n != stagingDir {
			out = append(out, n)
		}
	}
	return filterParseable(out), nil
}

func (t *RemoteCopy) DeleteSnapshot(ctx context.Context, name string) error {
	if _, err := t.runRemote(ctx, fmt.Sprintf("sudo rm -rf '%s/%s'", t.Path, name)); err != nil {
		return errkind.Wrap(err, "deleting target snapshot %s", name)
	}
	return nil
}

func (t *RemoteCopy) rsyncArgs(linkDest string) []string {
	rshArgs := []string{"ssh"}
	if t.Remote.SSHOptions != "" {
		rshArgs = append(rshArgs, strings.Fields(t.Remote.SSHOptions)...)
	}
	rshArgs = append(rshArgs, "-l", t.Remote.User)
	args := []string{"-a", "--delete"}
	if linkDest != "" {
		args = append(args, "--link-dest="+linkDest)
	}
	args = append(args, `--rsync-path=sudo rsync`, "-e", strings.Join(rshArgs, " "))
	return args
}

func (t *RemoteCopy) TransferFull(ctx context.Context, snapshotPath, name string) error {
	dest := fmt.Sprintf("%s:%s/", t.Remote.Host, t.tempPath())
	args := append(t.rsyncArgs(""), snapshotPath, dest)
	if _, err := runner.RunWithRetry(ctx, t.runner, t.Retry, "rsync", args...); err != nil {
		return errkind.Wrap(err, "rsyncing snapshot %s", name)
	}
	return t.moveFromStaging(ctx, name)
}

func (t *RemoteCopy) TransferDelta(ctx context.Context, parentPath, parentName, snapshotPath, name string) error {
	linkDest := fmt.Sprintf("%s/%s/", t.Path, parentName)
	dest := fmt.Sprintf("%s:%s/%s/", t.Remote.Host, t.tempPath(), name)
	args := append(t.rsyncArgs(linkDest), snapshotPath+"/", dest)
	if _, err := runner.RunWithRetry(ctx, t.runner, t.Retry, "rsync", args...); err != nil {
		return errkind.Wrap(err, "rsyncing delta snapshot %s (from %s)", name, parentName)
	}
	return t.moveFromStaging(ctx, name)
}

func (t *RemoteCopy) moveFromStaging(ctx context.Context, name string) error {
	from := fmt.Sprintf("%s/%s", t.tempPath(), name)
	to := fmt.Sprintf("%s/%s", t.Path, name)
	if _, err := t.runRemote(ctx, fmt.Sprintf("sudo mv %s %s", from, to)); err != nil {
		return errkind.Wrap(err, "moving staged snapshot %s into place", name)
	}
	return nil
}
