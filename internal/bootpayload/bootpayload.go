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

// Package bootpayload implements the Boot Payload Store (spec.md §4.9): a
// deduplicated archive of kernel+initramfs directories, one per distinct
// content snapshot, garbage-collected once no live filesystem snapshot of
// any managed subvolume references it any more.
package bootpayload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jordanl2/btrfs-snapshot-manager/internal/errkind"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/logging"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/runner"
)

const payloadLayout = "2006-01-02_15-04-05"

// Payload is one dated directory under <boot>/snapshots/.
type Payload struct {
	Timestamp time.Time
	// UUID is written alongside the dated directory as a distinct
	// identity marker (SPEC_FULL.md §11), so two payloads created within
	// the same second in a fast test loop remain distinguishable even
	// though their directory names collide in principle.
	UUID string
}

func (p Payload) Name() string { return p.Timestamp.Format(payloadLayout) }

// Store is the boot-manager-attached payload archive for a single
// <boot>/ tree, shared across every subvolume that declares a
// systemd-boot entry spec (SPEC_FULL.md §13 "Boot manager attachment").
type Store struct {
	BootPath  string
	InitFiles []string // allow-list filter; empty means "every regular file directly under BootPath"

	Payloads []Payload

	runner runner.Runner
	logger logging.Logger
}

// Option configures a Store built with New.
type Option func(*Store)

func WithLogger(l logging.Logger) Option { return func(s *Store) { s.logger = l } }

// New builds a Store rooted at bootPath ("/boot" by default, per spec.md
// §6). initFiles is the optional explicit allow-list filter.
func New(r runner.Runner, bootPath string, initFiles []string, opts ...Option) *Store {
	s := &Store{BootPath: bootPath, InitFiles: initFiles, runner: r, logger: logging.Discard()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) snapshotsDir() string { return filepath.Join(s.BootPath, "snapshots") }

// Load scans <boot>/snapshots/ for dated payload directories, sorted
// ascending.
func (s *Store) Load() error {
	entries, err := os.ReadDir(s.snapshotsDir())
	if os.IsNotExist(err) {
		s.Payloads = nil
		return nil
	}
	if err != nil {
		return errkind.Wrap(err, "listing boot payloads in %s", s.snapshotsDir())
	}
	var payloads []Payload
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		t, err := time.ParseInLocation(payloadLayout, e.Name(), time.Local)
		if err != nil {
			continue
		}
		payloads = append(payloads, Payload{Timestamp: t, UUID: s.readUUID(e.Name())})
	}
	sort.Slice(payloads, func(i, j int) bool { return payloads[i].Timestamp.Before(payloads[j].Timestamp) })
	s.Payloads = payloads
	return nil
}

func (s *Store) readUUID(dirName string) string {
	b, err := os.ReadFile(filepath.Join(s.snapshotsDir(), dirName, ".uuid"))
	if err != nil {
		return ""
	}
	return string(b)
}

// initFilePaths resolves the init files to copy: every regular file
// directly under BootPath, optionally filtered to InitFiles.
func (s *Store) initFilePaths() ([]string, error) {
	entries, err := os.ReadDir(s.BootPath)
	if err != nil {
		return nil, errkind.Wrap(err, "listing boot files in %s", s.BootPath)
	}
	allow := make(map[string]bool, len(s.InitFiles))
	for _, f := range s.InitFiles {
		allow[f] = true
	}
	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if len(s.InitFiles) > 0 && !allow[e.Name()] {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// Create makes a new payload directory for date and copies each init
// file into it via the subprocess runner (`cp`), per spec.md §4.9
// "create(date=now)".
func (s *Store) Create(ctx context.Context, date time.Time) (Payload, error) {
	files, err := s.initFilePaths()
	if err != nil {
		return Payload{}, err
	}
	p := Payload{Timestamp: date, UUID: uuid.NewString()}
	dir := filepath.Join(s.snapshotsDir(), p.Name())
	if _, err := s.runner.Run(ctx, "mkdir", "-p", dir); err != nil {
		return Payload{}, errkind.Wrap(err, "creating boot payload dir %s", dir)
	}
	for _, f := range files {
		src := filepath.Join(s.BootPath, f)
		dst := filepath.Join(dir, f)
		if _, err := s.runner.Run(ctx, "cp", "-a", src, dst); err != nil {
			return Payload{}, errkind.Wrap(err, "copying boot file %s", f)
		}
	}
	uuidPath := filepath.Join(dir, ".uuid")
	if _, err := s.runner.Run(ctx, "sh", "-c", fmt.Sprintf("printf %%s %s > %s", shellQuote(p.UUID), shellQuote(uuidPath))); err != nil {
		return Payload{}, errkind.Wrap(err, "writing payload identity marker")
	}
	s.logger.Logf(0, "created boot payload %s", p.Name())
	s.Payloads = append(s.Payloads, p)
	sort.Slice(s.Payloads, func(i, j int) bool { return s.Payloads[i].Timestamp.Before(s.Payloads[j].Timestamp) })
	return p, nil
}

// CreateIfNeeded creates a new payload for date if none exists yet, or if
// any init file differs from the latest existing payload (via `diff`,
// spec.md §4.9 "treating any non-zero exit code as changed"). Returns the
// latest payload (freshly created or not) and whether a new one was made.
func (s *Store) CreateIfNeeded(ctx context.Context, date time.Time) (Payload, bool, error) {
	if len(s.Payloads) == 0 {
		p, err := s.Create(ctx, date)
		return p, true, err
	}
	latest := s.Payloads[len(s.Payloads)-1]
	files, err := s.initFilePaths()
	if err != nil {
		return Payload{}, false, err
	}
	changed := false
	for _, f := range files {
		live := filepath.Join(s.BootPath, f)
		archived := filepath.Join(s.snapshotsDir(), latest.Name(), f)
		if _, err := s.runner.Run(ctx, "diff", live, archived); err != nil {
			changed = true
			break
		}
	}
	if !changed {
		return latest, false, nil
	}
	p, err := s.Create(ctx, date)
	return p, true, err
}

// Delete removes one payload directory by its dated name. Returns
// SnapshotNotFound if no loaded payload has that name.
func (s *Store) Delete(ctx context.Context, name string) error {
	for i, p := range s.Payloads {
		if p.Name() != name {
			continue
		}
		dir := filepath.Join(s.snapshotsDir(), name)
		if _, err := s.runner.Run(ctx, "rm", "-rf", dir); err != nil {
			return errkind.Wrap(err, "deleting boot payload %s", name)
		}
		s.logger.Logf(0, "deleted boot payload %s", name)
		s.Payloads = append(s.Payloads[:i], s.Payloads[i+1:]...)
		return nil
	}
	return errkind.New(errkind.SnapshotNotFound, "boot payload %s", name)
}

// ResolveFor returns the latest payload whose timestamp is <= the
// snapshot's timestamp, or ok=false if none qualifies.
func (s *Store) ResolveFor(snapshotTime time.Time) (p Payload, ok bool) {
	for i := len(s.Payloads) - 1; i >= 0; i-- {
		if !s.Payloads[i].Timestamp.After(snapshotTime) {
			return s.Payloads[i], true
		}
	}
	return Payload{}, false
}

// GC deletes every payload not returned by ResolveFor for any of the
// given live snapshot timestamps (spec.md §4.9 "gc()", invariant: after
// GC every remaining payload is the ResolveFor of at least one live
// snapshot).
func (s *Store) GC(ctx context.Context, liveSnapshotTimes []time.Time) error {
	referenced := make(map[string]bool, len(s.Payloads))
	for _, t := range liveSnapshotTimes {
		if p, ok := s.ResolveFor(t); ok {
			referenced[p.Name()] = true
		}
	}
	var kept []Payload
	for _, p := range s.Payloads {
		if referenced[p.Name()] {
			kept = append(kept, p)
			continue
		}
		dir := filepath.Join(s.snapshotsDir(), p.Name())
		if _, err := s.runner.Run(ctx, "rm", "-rf", dir); err != nil {
			return errkind.Wrap(err, "deleting unreferenced boot payload %s", p.Name())
		}
		s.logger.Logf(0, "garbage collected boot payload %s", p.Name())
	}
	s.Payloads = kept
	return nil
}

// shellQuote wraps s in single quotes for safe embedding in a `sh -c`
// command line, escaping any literal single quote. Snapshot and payload
// names themselves are already shell-safe by construction (spec.md §9),
// but a UUID or init-file path is quoted defensively here since it is
// not guaranteed to come from the C2 codec.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
