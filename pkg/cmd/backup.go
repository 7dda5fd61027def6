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

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jordanl2/btrfs-snapshot-manager/internal/config"
)

func NewBackupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Mirror retained snapshots to backup targets",
	}
	cmd.AddCommand(
		newBackupConfigCommand(),
		newBackupListCommand(),
		newBackupRunCommand(),
	)
	return cmd
}

func targetLocation(t *config.BackupTarget) string {
	if t.Local != nil {
		return t.Local.Path
	}
	host := t.Remote.Host
	if t.Remote.User != "" {
		host = t.Remote.User + "@" + host
	}
	return host + ":" + t.Remote.Path
}

type backupTargetRow struct {
	Subvolume string `json:"subvolume"`
	ID        int    `json:"id"`
	Type      string `json:"type"`
	Location  string `json:"location"`
	Retention string `json:"retention"`
}

func newBackupConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config [path]",
		Short: "Show the configured backup targets",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subvols, err := resolveSubvolumes(args)
			if err != nil {
				return err
			}
			var rows [][]string
			var raw []backupTargetRow
			for _, sc := range subvols {
				for j := range sc.Backup {
					t := &sc.Backup[j]
					rows = append(rows, []string{sc.Name, fmt.Sprintf("%d", j), t.Type, targetLocation(t), retentionString(t.Retention)})
					raw = append(raw, backupTargetRow{Subvolume: sc.Name, ID: j, Type: t.Type, Location: targetLocation(t), Retention: retentionString(t.Retention)})
				}
			}
			return render([]string{"SUBVOLUME", "ID", "TYPE", "LOCATION", "RETENTION"}, rows, raw)
		},
	}
}

type backupSnapshotRow struct {
	Subvolume string `json:"subvolume"`
	TargetID  int    `json:"target_id"`
	Location  string `json:"location"`
	Snapshot  string `json:"snapshot"`
}

func newBackupListCommand() *cobra.Command {
	var targetIDs []int
	cmd := &cobra.Command{
		Use:   "list [path]",
		Short: "List snapshots present on backup targets",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subvols, err := resolveSubvolumes(args)
			if err != nil {
				return err
			}
			wanted := make(map[int]bool, len(targetIDs))
			for _, id := range targetIDs {
				wanted[id] = true
			}
			var rows [][]string
			var raw []backupSnapshotRow
			for _, sc := range subvols {
				for j := range sc.Backup {
					if len(wanted) > 0 && !wanted[j] {
						continue
					}
					t := &sc.Backup[j]
					transport, err := orch.Transport(sc, t)
					if err != nil {
						return err
					}
					names, err := transport.ListSnapshots(cmd.Context())
					if err != nil {
						return err
					}
					for _, name := range names {
						rows = append(rows, []string{sc.Name, fmt.Sprintf("%d", j), targetLocation(t), name})
						raw = append(raw, backupSnapshotRow{Subvolume: sc.Name, TargetID: j, Location: targetLocation(t), Snapshot: name})
					}
				}
			}
			return render([]string{"SUBVOLUME", "TARGET", "LOCATION", "SNAPSHOT"}, rows, raw)
		},
	}
	cmd.Flags().IntSliceVar(&targetIDs, "id", nil, "restrict to the target(s) with these declared positions")
	return cmd
}

func newBackupRunCommand() *cobra.Command {
	var targetIDs []int
	cmd := &cobra.Command{
		Use:   "run [path]",
		Short: "Reconcile backup targets with the retained snapshot set",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subvols, err := resolveSubvolumes(args)
			if err != nil {
				return err
			}
			for _, sc := range subvols {
				if err := orch.ReconcileBackups(cmd.Context(), sc, targetIDs); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntSliceVar(&targetIDs, "id", nil, "restrict to the target(s) with these declared positions")
	return cmd
}
