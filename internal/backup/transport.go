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

// Package backup implements the Backup Reconciler (spec.md §4.6) and the
// four Transport Adapters (spec.md §4.7). The reconciler is written once
// against the Transport capability set (Design Note §9: "Represent
// transport as a tagged variant... the reconciler is written once against
// that capability set. Do not use inheritance chains.").
package backup

import "context"

// Transport is the five-primitive capability set every backup target
// implements, regardless of whether it is native btrfs send/receive or
// file-level rsync copy, local or over SSH (spec.md §4.7).
type Transport interface {
	// EnsureLocation makes the target directory exist, idempotently.
	EnsureLocation(ctx context.Context) error
	// ListSnapshots returns every snapshot basename present on the
	// target that parses under the C2 codec.
	ListSnapshots(ctx context.Context) ([]string, error)
	// DeleteSnapshot removes the named snapshot from the target.
	DeleteSnapshot(ctx context.Context, name string) error
	// TransferFull sends snapshotPath (named name) to the target with
	// no parent.
	TransferFull(ctx context.Context, snapshotPath, name string) error
	// TransferDelta sends the difference between parentPath (named
	// parentName, already present on the target) and snapshotPath
	// (named name).
	TransferDelta(ctx context.Context, parentPath, parentName, snapshotPath, name string) error
}
