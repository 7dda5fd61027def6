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
	"fmt"
	"strings"

	"github.com/jordanl2/btrfs-snapshot-manager/internal/snapshot"
)

// RemoteOptions carries what spec.md §3 calls a BackupTarget's remote
// location descriptor: host, optional user, optional SSH option string.
type RemoteOptions struct {
	Host       string
	User       string
	SSHOptions string
}

// sshCommand renders the ssh invocation argv used by RemoteNative and
// RemoteCopy, grounded on the original implementation's
// `backups.py:RemoteBackup._ssh_command` string-building (quoted here as
// discrete argv elements rather than one shell string, since our Runner
// takes name + args rather than a single shell-quoted line).
func sshCommand(opts RemoteOptions) []string {
	args := []string{"ssh"}
	if opts.SSHOptions != "" {
		args = append(args, strings.Fields(opts.SSHOptions)...)
	}
	host := opts.Host
	if opts.User != "" {
		host = opts.User + "@" + opts.Host
	}
	args = append(args, host)
	return args
}

// remoteShellCommand builds the full argv to run remoteScript over ssh:
// `ssh [opts] [user@]host "<remoteScript>"`.
func remoteShellCommand(opts RemoteOptions, remoteScript string) []string {
	return append(sshCommand(opts), remoteScript)
}

// filterParseable keeps only the basenames that parse under the C2
// codec, the shared "tolerate alien names" contract of spec.md §4.2
// applied to every transport's directory listing.
func filterParseable(names []string) []string {
	var out []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := snapshot.Parse(n); ok {
			out = append(out, n)
		}
	}
	return out
}

func pipeCommand(left, right string) string {
	return fmt.Sprintf("%s | %s", left, right)
}
