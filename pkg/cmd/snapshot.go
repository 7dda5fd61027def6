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
	"time"

	"github.com/spf13/cobra"

	"github.com/jordanl2/btrfs-snapshot-manager/internal/errkind"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/period"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/schedule"
)

func NewSnapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage subvolume snapshots",
	}
	cmd.AddCommand(
		newSnapshotInitCommand(),
		newSnapshotCreateCommand(),
		newSnapshotDeleteCommand(),
		newSnapshotListCommand(),
		newSnapshotCleanupCommand(),
		newSnapshotConfigCommand(),
		newSnapshotRunCommand(),
	)
	return cmd
}

func newSnapshotInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Create the snapshots directory for a subvolume",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subvols, err := resolveSubvolumes(args)
			if err != nil {
				return err
			}
			for _, sc := range subvols {
				sub := orch.Subvolume(sc)
				if err := sub.Verify(cmd.Context()); err != nil {
					return err
				}
				if err := sub.InitSnapshots(cmd.Context()); err != nil {
					return err
				}
				logger.Logf(0, "initialised snapshots for %s at %s", sc.Name, sub.SnapshotsDir)
			}
			return nil
		},
	}
}

func newSnapshotCreateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create [path]",
		Short: "Create an untagged snapshot now",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subvols, err := resolveSubvolumes(args)
			if err != nil {
				return err
			}
			if err := orch.LoadPayloads(); err != nil {
				return err
			}
			for _, sc := range subvols {
				sub := orch.Subvolume(sc)
				if err := sub.Verify(cmd.Context()); err != nil {
					return err
				}
				if _, err := sub.List(); err != nil {
					return err
				}
				if _, err := sub.Create(cmd.Context(), time.Now(), period.NewSet()); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newSnapshotDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <path> <snapshot>",
		Short: "Delete a snapshot by name, cascading to its bootloader entries",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			subvols, err := resolveSubvolumes(args[:1])
			if err != nil {
				return err
			}
			sc := subvols[0]
			if err := orch.LoadPayloads(); err != nil {
				return err
			}
			sub := orch.Subvolume(sc)
			if err := sub.Verify(cmd.Context()); err != nil {
				return err
			}
			if _, err := sub.List(); err != nil {
				return err
			}
			id, ok := sub.Find(args[1])
			if !ok {
				return errkind.New(errkind.SnapshotNotFound, "%s in %s", args[1], sc.Name)
			}
			return sub.Delete(cmd.Context(), id)
		},
	}
}

type snapshotRow struct {
	Subvolume string   `json:"subvolume"`
	Snapshot  string   `json:"snapshot"`
	Date      string   `json:"date"`
	Periods   []string `json:"periods"`
}

func newSnapshotListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list [path]",
		Short: "List snapshots",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subvols, err := resolveSubvolumes(args)
			if err != nil {
				return err
			}
			var rows [][]string
			var raw []snapshotRow
			for _, sc := range subvols {
				sub := orch.Subvolume(sc)
				ids, err := sub.List()
				if err != nil {
					return err
				}
				for _, id := range ids {
					var periods []string
					for _, p := range id.Periods.Sorted() {
						periods = append(periods, p.Name())
					}
					rows = append(rows, []string{sc.Name, id.Name(), id.Timestamp.Format(time.DateTime), id.Periods.Tags()})
					raw = append(raw, snapshotRow{Subvolume: sc.Name, Snapshot: id.Name(), Date: id.Timestamp.Format(time.RFC3339), Periods: periods})
				}
			}
			return render([]string{"SUBVOLUME", "SNAPSHOT", "DATE", "PERIODS"}, rows, raw)
		},
	}
}

func newSnapshotCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup [path]",
		Short: "Delete snapshots outside the retention policy",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subvols, err := resolveSubvolumes(args)
			if err != nil {
				return err
			}
			if err := orch.LoadPayloads(); err != nil {
				return err
			}
			for _, sc := range subvols {
				sub := orch.Subvolume(sc)
				if err := sub.Verify(cmd.Context()); err != nil {
					return err
				}
				if _, err := sub.List(); err != nil {
					return err
				}
				if err := orch.Cleanup(cmd.Context(), sc); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

type scheduleRow struct {
	Subvolume string `json:"subvolume"`
	Period    string `json:"period"`
	Keep      int    `json:"keep"`
	LastRun   string `json:"last_run,omitempty"`
	NextRun   string `json:"next_run,omitempty"`
}

func newSnapshotConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config [path]",
		Short: "Show the snapshot schedule and retention configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subvols, err := resolveSubvolumes(args)
			if err != nil {
				return err
			}
			var rows [][]string
			var raw []scheduleRow
			for _, sc := range subvols {
				sub := orch.Subvolume(sc)
				ids, err := sub.List()
				if err != nil {
					ids = nil
				}
				policy := sc.Retention.Policy()
				for _, p := range period.All {
					if policy[p] <= 0 {
						continue
					}
					last, next := "never", "now"
					row := scheduleRow{Subvolume: sc.Name, Period: p.Name(), Keep: policy[p]}
					if t, ok := schedule.LastRun(ids, p); ok {
						last = t.Format(time.DateTime)
						row.LastRun = t.Format(time.RFC3339)
					}
					if t, ok := schedule.NextRun(ids, p); ok {
						next = t.Format(time.DateTime)
						row.NextRun = t.Format(time.RFC3339)
					}
					rows = append(rows, []string{sc.Name, p.Name(), fmt.Sprintf("%d", policy[p]), last, next})
					raw = append(raw, row)
				}
			}
			return render([]string{"SUBVOLUME", "PERIOD", "KEEP", "LAST RUN", "NEXT RUN"}, rows, raw)
		},
	}
}

func newSnapshotRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run [path]",
		Short: "Create due scheduled snapshots and apply retention",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subvols, err := resolveSubvolumes(args)
			if err != nil {
				return err
			}
			if err := orch.LoadPayloads(); err != nil {
				return err
			}
			for _, sc := range subvols {
				if err := orch.RunSchedule(cmd.Context(), sc); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
