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

// Package runner is the subprocess execution boundary every other component
// goes through to touch the filesystem or talk to a remote host. Nothing in
// this repository calls os/exec directly outside of this package.
package runner

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jordanl2/btrfs-snapshot-manager/internal/errkind"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/logging"
)

// Result is the outcome of a single command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes a command and returns its result. Implementations never
// interpret or retry a command themselves; retrying is the caller's
// decision (see RunWithRetry below), since only remote commands are retried
// per the spec's failure policy.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

type execRunner struct {
	logger logging.Logger
	dryRun bool
}

// Option configures a Runner built with New.
type Option func(*execRunner)

// WithLogger attaches a leveled logger; the space-joined command line is logged
// at level 4 before execution and its exit status at level 5.
func WithLogger(l logging.Logger) Option {
	return func(r *execRunner) { r.logger = l }
}

// WithDryRun makes every Run a no-op that only logs the command it would
// have executed, at level 0. Supports the global --dry-run flag.
func WithDryRun(dryRun bool) Option {
	return func(r *execRunner) { r.dryRun = dryRun }
}

// New builds the default Runner, backed by os/exec.
func New(opts ...Option) Runner {
	r := &execRunner{logger: logging.Discard()}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	r.logger.Logf(4, "running: %s %s", name, shellJoin(args))
	if r.dryRun {
		r.logger.Logf(0, "dry-run: would run: %s %s", name, shellJoin(args))
		return Result{}, nil
	}
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if exitErr, ok := err.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
	}
	r.logger.Logf(5, "exit status %d for: %s %s", res.ExitCode, name, shellJoin(args))
	if err != nil {
		return res, &errkind.CommandFailedError{Command: name, Args: args, ExitCode: res.ExitCode, Stderr: res.Stderr, Cause: err}
	}
	return res, nil
}

func shellJoin(args []string) string {
	return strings.Join(args, " ")
}

// RetryPolicy configures the retry/backoff behavior applied to remote
// commands, per spec.md §4.6/§7: fixed backoff, bounded attempt count.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy is the spec's default: 3 attempts, 10s fixed backoff.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Delay: 10 * time.Second}

// RunWithRetry runs a remote command under the given retry policy using a
// fixed-interval backoff.BackOff, bounded to MaxAttempts total tries. Local
// filesystem commands must never be passed through this path (§7: "Retry is
// only applied to remote commands").
func RunWithRetry(ctx context.Context, r Runner, policy RetryPolicy, name string, args ...string) (Result, error) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	var res Result
	var attempt int
	operation := func() error {
		attempt++
		var err error
		res, err = r.Run(ctx, name, args...)
		return err
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(policy.Delay), uint64(policy.MaxAttempts-1))
	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	if err != nil {
		return res, &errkind.TargetUnreachableError{Command: name, Attempts: attempt, Cause: err}
	}
	return res, nil
}
