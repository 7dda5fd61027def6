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

	"github.com/jordanl2/btrfs-snapshot-manager/internal/bootpayload"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/config"
)

func NewSystemdBootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "systemdboot",
		Short: "Manage bootloader entries and boot payload snapshots",
	}
	cmd.AddCommand(
		newSystemdBootConfigCommand(),
		newSystemdBootCreateCommand(),
		newSystemdBootDeleteCommand(),
		newSystemdBootListCommand(),
		newSystemdBootRunCommand(),
		newSystemdBootSnapshotCommand(),
	)
	return cmd
}

// bootSubvolumes narrows a resolved subvolume set to those with
// systemd-boot entry specs.
func bootSubvolumes(args []string) ([]*config.Subvolume, error) {
	subvols, err := resolveSubvolumes(args)
	if err != nil {
		return nil, err
	}
	var out []*config.Subvolume
	for _, sc := range subvols {
		if len(sc.SystemdBoot) > 0 {
			out = append(out, sc)
		}
	}
	return out, nil
}

// verifyAndList prepares a subvolume for bootloader work: the top-level
// path cached by Verify is what entry rewriting repoints rootflags to.
func verifyAndList(cmd *cobra.Command, sc *config.Subvolume) error {
	sub := orch.Subvolume(sc)
	if err := sub.Verify(cmd.Context()); err != nil {
		return err
	}
	_, err := sub.List()
	return err
}

type bootSpecRow struct {
	Subvolume string `json:"subvolume"`
	Entry     string `json:"entry"`
	Retention string `json:"retention"`
}

func newSystemdBootConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config [path]",
		Short: "Show the configured bootloader entry specs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subvols, err := bootSubvolumes(args)
			if err != nil {
				return err
			}
			var rows [][]string
			var raw []bootSpecRow
			for _, sc := range subvols {
				for _, spec := range sc.SystemdBoot {
					rows = append(rows, []string{sc.Name, spec.Entry, retentionString(spec.Retention)})
					raw = append(raw, bootSpecRow{Subvolume: sc.Name, Entry: spec.Entry, Retention: retentionString(spec.Retention)})
				}
			}
			return render([]string{"SUBVOLUME", "ENTRY", "RETENTION"}, rows, raw)
		},
	}
}

func newSystemdBootCreateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create [path]",
		Short: "Create missing derived bootloader entries and remove stale ones",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSystemdBootReconcile,
	}
}

func newSystemdBootRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run [path]",
		Short: "Reconcile derived bootloader entries with the snapshot set",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSystemdBootReconcile,
	}
}

func runSystemdBootReconcile(cmd *cobra.Command, args []string) error {
	subvols, err := bootSubvolumes(args)
	if err != nil {
		return err
	}
	if err := orch.LoadPayloads(); err != nil {
		return err
	}
	for _, sc := range subvols {
		if err := verifyAndList(cmd, sc); err != nil {
			return err
		}
		sub := orch.Subvolume(sc)
		for _, rc := range orch.EntryReconcilers(sc) {
			if err := rc.Reconcile(cmd.Context(), sub.Snapshots); err != nil {
				return err
			}
		}
	}
	return nil
}

func newSystemdBootDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [path]",
		Short: "Delete all derived bootloader entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subvols, err := bootSubvolumes(args)
			if err != nil {
				return err
			}
			for _, sc := range subvols {
				for _, rc := range orch.EntryReconcilers(sc) {
					if err := rc.DeleteAll(cmd.Context()); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

type bootEntryRow struct {
	Subvolume   string `json:"subvolume"`
	Entry       string `json:"entry"`
	Snapshot    string `json:"snapshot,omitempty"`
	BootPayload string `json:"boot_payload,omitempty"`
}

func newSystemdBootListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list [path]",
		Short: "List derived bootloader entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subvols, err := bootSubvolumes(args)
			if err != nil {
				return err
			}
			var rows [][]string
			var raw []bootEntryRow
			for _, sc := range subvols {
				for _, rc := range orch.EntryReconcilers(sc) {
					entries, err := rc.Existing()
					if err != nil {
						return err
					}
					for _, e := range entries {
						rows = append(rows, []string{sc.Name, e.FileName, e.Snapshot, e.BootPayload})
						raw = append(raw, bootEntryRow{Subvolume: sc.Name, Entry: e.FileName, Snapshot: e.Snapshot, BootPayload: e.BootPayload})
					}
				}
			}
			return render([]string{"SUBVOLUME", "ENTRY", "SNAPSHOT", "BOOT PAYLOAD"}, rows, raw)
		},
	}
}

func newSystemdBootSnapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage boot payload snapshots",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create",
			Short: "Create a boot payload snapshot unconditionally",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := requirePayloads()
				if err != nil {
					return err
				}
				_, err = store.Create(cmd.Context(), time.Now())
				return err
			},
		},
		&cobra.Command{
			Use:   "create-needed",
			Short: "Create a boot payload snapshot if the init files changed",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := requirePayloads()
				if err != nil {
					return err
				}
				p, created, err := store.CreateIfNeeded(cmd.Context(), time.Now())
				if err != nil {
					return err
				}
				if !created {
					logger.Logf(0, "init files unchanged since payload %s", p.Name())
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Delete a boot payload snapshot by name",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := requirePayloads()
				if err != nil {
					return err
				}
				return store.Delete(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "delete-unneeded",
			Short: "Delete boot payload snapshots no live snapshot references",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := requirePayloads()
				if err != nil {
					return err
				}
				return store.GC(cmd.Context(), orch.LiveSnapshotTimes())
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List boot payload snapshots",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := requirePayloads()
				if err != nil {
					return err
				}
				var rows [][]string
				var raw []map[string]string
				for _, p := range store.Payloads {
					rows = append(rows, []string{p.Name(), p.Timestamp.Format(time.DateTime)})
					raw = append(raw, map[string]string{"payload": p.Name(), "date": p.Timestamp.Format(time.RFC3339)})
				}
				return render([]string{"PAYLOAD", "DATE"}, rows, raw)
			},
		},
	)
	return cmd
}

// requirePayloads returns the loaded boot payload store, or an error
// when none is attached (no top-level systemd-boot key and no subvolume
// entry specs).
func requirePayloads() (*bootpayload.Store, error) {
	if orch.Payloads == nil {
		return nil, fmt.Errorf("no systemd-boot entries configured")
	}
	if err := orch.LoadPayloads(); err != nil {
		return nil, err
	}
	return orch.Payloads, nil
}
