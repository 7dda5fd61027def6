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

// Package errkind defines the named error kinds of spec.md §7. They are
// not a type hierarchy: callers match a category with Is against the
// exported Kind values, or use errors.As against the typed errors below.
// Wrap adds context via github.com/pkg/errors.
package errkind

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error for callers that only need to branch on
// category (e.g. the orchestrator deciding whether a failure is fatal to
// the whole pass or just to one subvolume/target).
type Kind int

const (
	ConfigInvalid Kind = iota
	NotASubvolume
	NotInitialised
	AlreadyInitialised
	SnapshotNotFound
	CommandFailed
	TargetUnreachable
	TemplateInvalid
)

func (k Kind) String() string {
	switch k {
	case ConfigInvalid:
		return "ConfigInvalid"
	case NotASubvolume:
		return "NotASubvolume"
	case NotInitialised:
		return "NotInitialised"
	case AlreadyInitialised:
		return "AlreadyInitialised"
	case SnapshotNotFound:
		return "SnapshotNotFound"
	case CommandFailed:
		return "CommandFailed"
	case TargetUnreachable:
		return "TargetUnreachable"
	case TemplateInvalid:
		return "TemplateInvalid"
	default:
		return "Unknown"
	}
}

// kindError is the common shape for the simple, message-only kinds.
type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return fmt.Sprintf("%s: %s", e.kind, e.msg) }

// Unwrap returns nil: a kindError wraps no cause.
func (e *kindError) Unwrap() error { return nil }

func New(kind Kind, format string, args ...interface{}) error {
	return &kindError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Is reports whether err, or an error it wraps, is of the given kind, as
// in errkind.Is(err, errkind.ConfigInvalid).
func Is(err error, kind Kind) bool {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind == kind
	}
	var cf *CommandFailedError
	if kind == CommandFailed && errors.As(err, &cf) {
		return true
	}
	var tu *TargetUnreachableError
	if kind == TargetUnreachable && errors.As(err, &tu) {
		return true
	}
	return false
}

// CommandFailedError is returned when a subprocess exits non-zero after
// all applicable retries. It is exported (rather than folded into
// kindError) because callers want the offending command and stderr.
type CommandFailedError struct {
	Command  string
	Args     []string
	ExitCode int
	Stderr   string
	Cause    error
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("command failed (exit %d): %s: %s", e.ExitCode, e.Command, e.Stderr)
}

func (e *CommandFailedError) Unwrap() error { return e.Cause }

// TargetUnreachableError is returned by runner.RunWithRetry when a remote
// command still fails after exhausting the retry policy.
type TargetUnreachableError struct {
	Command  string
	Attempts int
	Cause    error
}

func (e *TargetUnreachableError) Error() string {
	return fmt.Sprintf("target unreachable after %d attempts running %s: %v", e.Attempts, e.Command, e.Cause)
}

func (e *TargetUnreachableError) Unwrap() error { return e.Cause }

// Wrap attaches additional context to err while preserving it for
// errors.Is/As, the way the teacher's codebase and suse/elemental wrap
// subprocess failures with fmt.Errorf("...: %w", err); here using
// pkg/errors so the call stack is retained for higher verbosity logging.
func Wrap(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
