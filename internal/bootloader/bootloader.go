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

// Package bootloader implements the Bootloader Entry Reconciler (spec.md
// §4.8): for each reference entry, maintains one derived entry file per
// selected snapshot, rewriting its path/title/mount-option fields so the
// snapshot stays bootable.
package bootloader

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jordanl2/btrfs-snapshot-manager/internal/bootpayload"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/errkind"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/logging"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/retention"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/runner"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/snapshot"
)

var entryNameRe = regexp.MustCompile(`^snapshot-(.+)-(.+)$`)
var entryLineRe = regexp.MustCompile(`^(\S+)(\s+)(.*)$`)

// Entry is a derived bootloader entry file.
type Entry struct {
	FileName   string
	Snapshot   string // basename of the source snapshot, parsed from FileName; that snapshot may no longer exist
	BootPayload string // basename of the associated boot payload, if any
}

// Spec is one BootloaderEntrySpec (spec.md §3): a reference entry file
// name and the retention policy governing which snapshots get a derived
// entry.
type Spec struct {
	ReferenceEntry string
	Retention      retention.Policy
}

// Reconciler maintains the derived entry set for one Spec against one
// subvolume's snapshot set, under EntriesDir (<boot>/loader/entries).
type Reconciler struct {
	EntriesDir string
	Spec       Spec
	TopLevelPath string
	SnapshotsRelDir string // the subvolume's snapshots dir, relative to the subvolume's own path

	Payloads *bootpayload.Store

	runner runner.Runner
	logger logging.Logger
}

// Option configures a Reconciler built with New.
type Option func(*Reconciler)

func WithLogger(l logging.Logger) Option { return func(r *Reconciler) { r.logger = l } }

func WithPayloads(p *bootpayload.Store) Option { return func(r *Reconciler) { r.Payloads = p } }

// New builds a Reconciler. topLevelPath is the btrfs top-level path
// cached by subvolume.Verify, used to rewrite rootflags=subvol=.
func New(r runner.Runner, entriesDir string, spec Spec, topLevelPath, snapshotsRelDir string, opts ...Option) *Reconciler {
	rc := &Reconciler{
		EntriesDir:      entriesDir,
		Spec:            spec,
		TopLevelPath:    topLevelPath,
		SnapshotsRelDir: snapshotsRelDir,
		runner:          r,
		logger:          logging.Discard(),
	}
	for _, o := range opts {
		o(rc)
	}
	return rc
}

func entryFileName(referenceEntry, snapshotName string) string {
	return fmt.Sprintf("snapshot-%s-%s", snapshotName, referenceEntry)
}

// ParseEntryName extracts the snapshot basename from a derived entry's
// filename, for the given reference entry. ok is false if name doesn't
// match the "snapshot-<snapshot>-<reference>" shape for this reference.
func ParseEntryName(referenceEntry, name string) (snapshotName string, ok bool) {
	prefix := "snapshot-"
	suffix := "-" + referenceEntry
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return "", false
	}
	return name[len(prefix) : len(name)-len(suffix)], true
}

// Existing scans EntriesDir for entries derived from this Spec's
// reference entry.
func (r *Reconciler) Existing() ([]Entry, error) {
	entries, err := os.ReadDir(r.EntriesDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Wrap(err, "listing bootloader entries in %s", r.EntriesDir)
	}
	var out []Entry
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		snapName, ok := ParseEntryName(r.Spec.ReferenceEntry, e.Name())
		if !ok {
			continue
		}
		out = append(out, Entry{FileName: e.Name(), Snapshot: snapName, BootPayload: r.readBootPayloadDir(e.Name())})
	}
	return out, nil
}

// readBootPayloadDir extracts the boot-payload directory name referenced
// by an existing entry's "linux" line, if any, by reading the dirname
// component of its value ("<payload-rel-path>/<file>").
func (r *Reconciler) readBootPayloadDir(fileName string) string {
	f, err := os.Open(filepath.Join(r.EntriesDir, fileName))
	if err != nil {
		return ""
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m := entryLineRe.FindStringSubmatch(strings.TrimRight(scanner.Text(), " \t"))
		if m == nil || m[1] != "linux" {
			continue
		}
		dir := filepath.Dir(m[3])
		if strings.HasPrefix(dir, "/snapshots/") {
			return filepath.Base(dir)
		}
	}
	return ""
}

// bootPayloadMissing reports whether an existing entry references a boot
// payload directory that no longer exists on disk (spec.md §4.8: "Delete
// any existing entry whose boot_snapshot is non-null but absent from
// disk").
func (r *Reconciler) bootPayloadMissing(e Entry) bool {
	if e.BootPayload == "" || r.Payloads == nil {
		return false
	}
	dir := filepath.Join(r.Payloads.BootPath, "snapshots", e.BootPayload)
	_, err := os.Stat(dir)
	return os.IsNotExist(err)
}

// desiredSet computes D per spec.md §4.8: same definition as the backup
// reconciler's step 3, applied to the subvolume's own snapshot set.
func desiredSet(snapshots []snapshot.Id, policy retention.Policy) map[string]snapshot.Id {
	keep := retention.Select(snapshots, policy)
	out := make(map[string]snapshot.Id, len(keep))
	for _, id := range keep {
		out[id.Name()] = id
	}
	return out
}

// Reconcile brings the derived entry set to match D: deleting orphaned
// or stale entries, and creating one new entry per snapshot newly in D.
func (r *Reconciler) Reconcile(ctx context.Context, snapshots []snapshot.Id) error {
	desired := desiredSet(snapshots, r.Spec.Retention)
	existing, err := r.Existing()
	if err != nil {
		return err
	}
	haveEntry := make(map[string]bool, len(existing))
	for _, e := range existing {
		if _, want := desired[e.Snapshot]; !want {
			if err := r.deleteEntry(ctx, e); err != nil {
				return err
			}
			continue
		}
		if r.bootPayloadMissing(e) {
			if err := r.deleteEntry(ctx, e); err != nil {
				return err
			}
			continue
		}
		haveEntry[e.Snapshot] = true
	}
	for name, id := range desired {
		if haveEntry[name] {
			continue
		}
		if err := r.createEntry(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) deleteEntry(ctx context.Context, e Entry) error {
	path := filepath.Join(r.EntriesDir, e.FileName)
	if _, err := r.runner.Run(ctx, "rm", "-f", path); err != nil {
		return errkind.Wrap(err, "deleting bootloader entry %s", e.FileName)
	}
	r.logger.Logf(0, "deleted bootloader entry %s", e.FileName)
	return nil
}

// DeleteForSnapshot removes the derived entry for a specific snapshot
// name, used by the cross-subsystem delete cascade (spec.md §3) when the
// source snapshot itself is deleted outside of a full Reconcile pass.
func (r *Reconciler) DeleteForSnapshot(ctx context.Context, snapshotName string) error {
	existing, err := r.Existing()
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.Snapshot == snapshotName {
			return r.deleteEntry(ctx, e)
		}
	}
	return nil
}

// DeleteAll removes every derived entry for this Spec's reference
// entry, the `systemdboot delete` operation.
func (r *Reconciler) DeleteAll(ctx context.Context) error {
	existing, err := r.Existing()
	if err != nil {
		return err
	}
	for _, e := range existing {
		if err := r.deleteEntry(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) createEntry(ctx context.Context, id snapshot.Id) error {
	refPath := filepath.Join(r.EntriesDir, r.Spec.ReferenceEntry)
	if _, err := os.Stat(refPath); err != nil {
		return errkind.New(errkind.TemplateInvalid, "reference entry %s: %v", refPath, err)
	}
	newPath := filepath.Join(r.EntriesDir, entryFileName(r.Spec.ReferenceEntry, id.Name()))

	var payload bootpayload.Payload
	var havePayload bool
	if r.Payloads != nil {
		payload, havePayload = r.Payloads.ResolveFor(id.Timestamp)
	}

	lines, err := r.rewriteLines(refPath, id, payload, havePayload)
	if err != nil {
		return err
	}
	if err := os.WriteFile(newPath, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		return errkind.Wrap(err, "writing bootloader entry %s", newPath)
	}
	r.logger.Logf(0, "created bootloader entry %s from %s", filepath.Base(newPath), r.Spec.ReferenceEntry)
	return nil
}

func (r *Reconciler) rewriteLines(refPath string, id snapshot.Id, payload bootpayload.Payload, havePayload bool) ([]string, error) {
	f, err := os.Open(refPath)
	if err != nil {
		return nil, errkind.New(errkind.TemplateInvalid, "opening reference entry %s: %v", refPath, err)
	}
	defer f.Close()

	relSnapshotPath := filepath.Join(r.SnapshotsRelDir, id.Name())
	subvolOption := fmt.Sprintf("subvol=%s", filepath.Join(r.TopLevelPath, relSnapshotPath))

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimRight(line, " \t")
		if trimmed == "" {
			out = append(out, line)
			continue
		}
		m := entryLineRe.FindStringSubmatch(trimmed)
		if m == nil {
			r.logger.Logf(0, "warning: unparseable bootloader entry line %q, passing through unchanged", line)
			out = append(out, line)
			continue
		}
		key, ws, value := m[1], m[2], m[3]
		switch key {
		case "title":
			value = fmt.Sprintf("Snapshot - %s - %s", id.Timestamp.Format("Mon 02-Jan 15:04:05"), value)
		case "linux", "initrd":
			if havePayload {
				value = filepath.Join("/", bootRelativePath(payload), strings.TrimPrefix(value, "/"))
			}
		case "options":
			value = rewriteOptions(value, subvolOption)
		}
		out = append(out, key+ws+value)
	}
	if err := scanner.Err(); err != nil {
		return nil, errkind.Wrap(err, "reading reference entry %s", refPath)
	}
	return out, nil
}

func bootRelativePath(p bootpayload.Payload) string {
	return filepath.Join("snapshots", p.Name())
}

func rewriteOptions(value, subvolOption string) string {
	tokens := strings.Fields(value)
	for i, tok := range tokens {
		if !strings.HasPrefix(tok, "rootflags=") {
			continue
		}
		flags := strings.Split(strings.TrimPrefix(tok, "rootflags="), ",")
		for j, f := range flags {
			if strings.HasPrefix(f, "subvol=") {
				flags[j] = subvolOption
			}
		}
		tokens[i] = "rootflags=" + strings.Join(flags, ",")
	}
	return strings.Join(tokens, " ")
}
