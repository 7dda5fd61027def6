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

// Package orchestrator runs the top-level pass of spec.md §4.10: for each
// managed subvolume, schedule → create → retention cleanup → backup
// reconcile → bootloader reconcile. It owns the wiring between the
// config record and the component constructors, including the
// cross-subsystem delete cascade.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jordanl2/btrfs-snapshot-manager/internal/backup"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/bootloader"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/bootpayload"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/config"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/errkind"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/logging"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/period"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/retention"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/runner"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/schedule"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/snapshot"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/subvolume"
)

// Orchestrator holds the per-invocation component graph. Components do
// not share mutable state across invocations; a fresh Orchestrator is
// built for every CLI run.
type Orchestrator struct {
	Config *config.Config
	Runner runner.Runner
	Logger logging.Logger

	// Payloads is the singleton boot payload store for the one <boot>/
	// tree, nil when neither the top-level systemd-boot key nor any
	// subvolume's entry specs are configured.
	Payloads *bootpayload.Store

	// Now is the clock used for schedule decisions and snapshot names,
	// overridable in tests.
	Now func() time.Time

	subvols map[string]*subvolume.Subvolume
}

// Option configures an Orchestrator built with New.
type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.Now = now }
}

// New builds the orchestrator and, when the top-level systemd-boot key is
// set or any subvolume declares systemd-boot entry specs, the shared boot
// payload store.
func New(cfg *config.Config, r runner.Runner, l logging.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		Config:  cfg,
		Runner:  r,
		Logger:  l,
		Now:     time.Now,
		subvols: make(map[string]*subvolume.Subvolume),
	}
	if cfg.HasBootManager() || cfg.SystemdBoot != nil {
		o.Payloads = bootpayload.New(r, cfg.BootPath(), cfg.InitFiles(), bootpayload.WithLogger(l))
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Subvolume returns the store for one configured subvolume, built on
// first use with its create and delete-cascade hooks attached.
func (o *Orchestrator) Subvolume(sc *config.Subvolume) *subvolume.Subvolume {
	if s, ok := o.subvols[sc.Path]; ok {
		return s
	}
	s := subvolume.New(o.Runner, sc.Name, sc.Path, sc.SnapshotsPath, subvolume.WithLogger(o.Logger))
	if len(sc.SystemdBoot) > 0 && o.Payloads != nil {
		s.OnCreate = func(ctx context.Context, created snapshot.Id) {
			if _, _, err := o.Payloads.CreateIfNeeded(ctx, created.Timestamp); err != nil {
				o.Logger.Logf(0, "error: boot payload check after creating %s: %v", created.Name(), err)
			}
		}
	}
	s.OnDelete = func(ctx context.Context, deleted snapshot.Id) {
		o.cascade(ctx, sc, deleted)
	}
	o.subvols[sc.Path] = s
	return s
}

// cascade implements the spec.md §3 lifecycle rule: deleting a snapshot
// deletes every bootloader entry derived from it, then garbage collects
// any boot payload no live snapshot of any managed subvolume references.
func (o *Orchestrator) cascade(ctx context.Context, sc *config.Subvolume, deleted snapshot.Id) {
	for _, rc := range o.EntryReconcilers(sc) {
		if err := rc.DeleteForSnapshot(ctx, deleted.Name()); err != nil {
			o.Logger.Logf(0, "error: cascading entry delete for %s: %v", deleted.Name(), err)
		}
	}
	if o.Payloads == nil {
		return
	}
	if err := o.Payloads.GC(ctx, o.LiveSnapshotTimes()); err != nil {
		o.Logger.Logf(0, "error: boot payload gc: %v", err)
	}
}

// LiveSnapshotTimes gathers the timestamps of every snapshot of every
// managed subvolume, the reference set for boot payload GC. Subvolumes
// whose snapshot dir cannot be listed contribute nothing; their payload
// references are only at risk if they were never initialised, in which
// case they hold no snapshots anyway.
func (o *Orchestrator) LiveSnapshotTimes() []time.Time {
	var times []time.Time
	for i := range o.Config.Subvolumes {
		s := o.Subvolume(&o.Config.Subvolumes[i])
		ids, err := s.List()
		if err != nil {
			continue
		}
		for _, id := range ids {
			times = append(times, id.Timestamp)
		}
	}
	return times
}

// Transport builds the backup.Transport for one configured target.
func (o *Orchestrator) Transport(sc *config.Subvolume, t *config.BackupTarget) (backup.Transport, error) {
	retry := runner.DefaultRetryPolicy
	switch {
	case t.Type == "btrfs" && t.Local != nil:
		return backup.NewLocalNative(o.Runner, filepath.Join(t.Local.Path, sc.Name)), nil
	case t.Type == "btrfs" && t.Remote != nil:
		return backup.NewRemoteNative(o.Runner, remotePath(t.Remote.Path, sc.Name), remoteOptions(t.Remote), retry), nil
	case t.Type == "rsync" && t.Local != nil:
		return backup.NewLocalCopy(o.Runner, filepath.Join(t.Local.Path, sc.Name)), nil
	case t.Type == "rsync" && t.Remote != nil:
		return backup.NewRemoteCopy(o.Runner, remotePath(t.Remote.Path, sc.Name), remoteOptions(t.Remote), retry), nil
	default:
		return nil, errkind.New(errkind.ConfigInvalid, "backup target for %s has no usable transport", sc.Name)
	}
}

func remoteOptions(r *config.RemoteLocation) backup.RemoteOptions {
	return backup.RemoteOptions{Host: r.Host, User: r.User, SSHOptions: r.SSHOptions}
}

func remotePath(base, name string) string {
	return base + "/" + name
}

// EntryReconcilers builds one bootloader reconciler per systemd-boot
// entry spec of the subvolume.
func (o *Orchestrator) EntryReconcilers(sc *config.Subvolume) []*bootloader.Reconciler {
	if len(sc.SystemdBoot) == 0 {
		return nil
	}
	sub := o.Subvolume(sc)
	entriesDir := filepath.Join(o.Config.BootPath(), "loader", "entries")
	relDir, err := filepath.Rel(sc.Path, sub.SnapshotsDir)
	if err != nil {
		relDir = sub.SnapshotsDir
	}
	var out []*bootloader.Reconciler
	for _, spec := range sc.SystemdBoot {
		out = append(out, bootloader.New(o.Runner, entriesDir,
			bootloader.Spec{ReferenceEntry: spec.Entry, Retention: spec.Retention.Policy()},
			sub.TopLevelPath, relDir,
			bootloader.WithLogger(o.Logger),
			bootloader.WithPayloads(o.Payloads),
		))
	}
	return out
}

// Run executes the full pass over every configured subvolume, in
// declared order. Per-subvolume and per-target failures are logged and
// isolated; Run returns an error if any step failed, so the CLI can
// exit non-zero.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.LoadPayloads(); err != nil {
		return err
	}
	failures := 0
	for i := range o.Config.Subvolumes {
		sc := &o.Config.Subvolumes[i]
		if err := o.RunSubvolume(ctx, sc); err != nil {
			o.Logger.Logf(0, "error: subvolume %s: %v", sc.Name, err)
			failures++
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d subvolume(s) failed", failures)
	}
	return nil
}

// LoadPayloads scans the boot payload store, when one is attached. CLI
// commands that touch payloads or run cascading deletes call this once
// before their first mutation.
func (o *Orchestrator) LoadPayloads() error {
	if o.Payloads == nil {
		return nil
	}
	return o.Payloads.Load()
}

// RunSubvolume executes the §4.10 sequence for one subvolume: schedule,
// create, retention cleanup, backup reconcile, bootloader reconcile. The
// order is fixed; bootloader reconcile must read the post-cleanup
// snapshot set.
func (o *Orchestrator) RunSubvolume(ctx context.Context, sc *config.Subvolume) error {
	sub := o.Subvolume(sc)
	if err := sub.Verify(ctx); err != nil {
		return err
	}
	if _, err := sub.List(); err != nil {
		return err
	}

	if err := o.scheduleCreate(ctx, sc, sub); err != nil {
		return err
	}
	if err := o.Cleanup(ctx, sc); err != nil {
		return err
	}

	backupFailures := 0
	for j := range sc.Backup {
		if err := o.reconcileTarget(ctx, sc, sub, &sc.Backup[j]); err != nil {
			o.Logger.Logf(0, "error: backup target %d of %s: %v", j, sc.Name, err)
			backupFailures++
		}
	}

	for _, rc := range o.EntryReconcilers(sc) {
		if err := rc.Reconcile(ctx, sub.Snapshots); err != nil {
			return err
		}
	}

	if backupFailures > 0 {
		return fmt.Errorf("%d backup target(s) failed", backupFailures)
	}
	return nil
}

// RunSchedule executes only the schedule and retention steps for one
// subvolume (the `snapshot run` command): create a snapshot carrying
// every due period tag, then delete the discard set.
func (o *Orchestrator) RunSchedule(ctx context.Context, sc *config.Subvolume) error {
	sub := o.Subvolume(sc)
	if err := sub.Verify(ctx); err != nil {
		return err
	}
	if _, err := sub.List(); err != nil {
		return err
	}
	if err := o.scheduleCreate(ctx, sc, sub); err != nil {
		return err
	}
	return o.Cleanup(ctx, sc)
}

// scheduleCreate computes the due periods and, if any, creates one
// snapshot carrying all of them (spec.md §4.5: "creates one snapshot
// tagged with all of them").
func (o *Orchestrator) scheduleCreate(ctx context.Context, sc *config.Subvolume, sub *subvolume.Subvolume) error {
	due := schedule.DuePeriods(sub.Snapshots, sc.Retention.Policy(), o.Now())
	if len(due) == 0 {
		o.Logger.Logf(1, "no periods due for %s", sc.Name)
		return nil
	}
	if _, err := sub.Create(ctx, o.Now(), period.NewSet(due...)); err != nil {
		return err
	}
	return nil
}

// Cleanup deletes the subvolume's retention discard set. Each deletion
// runs the cascade hook.
func (o *Orchestrator) Cleanup(ctx context.Context, sc *config.Subvolume) error {
	sub := o.Subvolume(sc)
	discard := retention.Discard(sub.Snapshots, sc.Retention.Policy())
	for _, id := range discard {
		if err := sub.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ReconcileBackups runs the reconciler for the subvolume's targets.
// targetIDs filters to specific declared positions (the CLI's --id
// flag); empty means all. Per-target failures are isolated, matching
// the §4.6 failure policy.
func (o *Orchestrator) ReconcileBackups(ctx context.Context, sc *config.Subvolume, targetIDs []int) error {
	sub := o.Subvolume(sc)
	if err := sub.Verify(ctx); err != nil {
		return err
	}
	if _, err := sub.List(); err != nil {
		return err
	}
	wanted := make(map[int]bool, len(targetIDs))
	for _, id := range targetIDs {
		wanted[id] = true
	}
	failures := 0
	for j := range sc.Backup {
		if len(wanted) > 0 && !wanted[j] {
			continue
		}
		if err := o.reconcileTarget(ctx, sc, sub, &sc.Backup[j]); err != nil {
			o.Logger.Logf(0, "error: backup target %d of %s: %v", j, sc.Name, err)
			failures++
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d backup target(s) failed", failures)
	}
	return nil
}

func (o *Orchestrator) reconcileTarget(ctx context.Context, sc *config.Subvolume, sub *subvolume.Subvolume, t *config.BackupTarget) error {
	transport, err := o.Transport(sc, t)
	if err != nil {
		return err
	}
	target := backup.Target{
		Retention:    t.Retention.Policy(),
		Minimum:      t.Retention.Minimum,
		LastSyncFile: t.LastSyncFile,
	}
	rc := backup.New(transport, target, sub.SnapshotsDir, sub.Snapshots, backup.WithLogger(o.Logger))
	return rc.Reconcile(ctx)
}
