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

// Package cmd is the cobra command tree of the CLI surface (spec.md §6).
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jordanl2/btrfs-snapshot-manager/internal/config"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/errkind"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/logging"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/orchestrator"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/output"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/runner"
)

var (
	cfgFile   string
	logLevel  int
	verbosity int
	csvFlag   bool
	jsonFlag  bool
	dryRun    bool

	conf   *config.Config
	logger logging.Logger
	run    runner.Runner
	orch   *orchestrator.Orchestrator
)

func Execute(version string) {
	if err := NewRootCommand(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
}

func NewRootCommand(version string) *cobra.Command {
	var rootCommand = &cobra.Command{
		Use:               "btrfs-snapshot-manager",
		Short:             "Scheduled btrfs snapshots with retention, backups, and bootable snapshot entries",
		SilenceErrors:     true,
		SilenceUsage:      true,
		Version:           version,
		PersistentPreRunE: initRun,
	}

	rootCommand.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file")
	rootCommand.PersistentFlags().IntVar(&logLevel, "log-level", 0, "log level (0-5)")
	rootCommand.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log level (can be used multiple times)")
	rootCommand.PersistentFlags().BoolVar(&csvFlag, "csv", false, "render output as CSV")
	rootCommand.PersistentFlags().BoolVar(&jsonFlag, "json", false, "render output as JSON")
	rootCommand.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "log mutations without executing them")

	rootCommand.AddCommand(NewSnapshotCommand())
	rootCommand.AddCommand(NewBackupCommand())
	rootCommand.AddCommand(NewConfigCommand())
	rootCommand.AddCommand(NewSystemdBootCommand())

	return rootCommand
}

func initRun(cmd *cobra.Command, args []string) error {
	if verbosity > logLevel {
		logLevel = verbosity
	}
	logger = logging.New(os.Stderr, logLevel)

	if err := requireSuperuser(cmd.Context()); err != nil {
		return err
	}

	path := cfgFile
	var err error
	conf, err = config.Load(path)
	if err != nil {
		return err
	}
	logger.Logf(1, "loaded %d subvolume(s) from config", len(conf.Subvolumes))

	run = runner.New(runner.WithLogger(logger), runner.WithDryRun(dryRun))
	orch = orchestrator.New(conf, run, logger)
	return nil
}

// requireSuperuser verifies the process runs as root by invoking whoami
// (spec.md §6). The check uses a plain runner so --dry-run cannot skip it.
func requireSuperuser(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := runner.New().Run(ctx, "whoami")
	if err != nil {
		return errkind.Wrap(err, "checking for superuser")
	}
	if strings.TrimSpace(res.Stdout) != "root" {
		return fmt.Errorf("must be run as superuser, not %q", strings.TrimSpace(res.Stdout))
	}
	return nil
}

func outputFormat() output.Format {
	switch {
	case jsonFlag:
		return output.FormatJSON
	case csvFlag:
		return output.FormatCSV
	default:
		return output.FormatTable
	}
}

func render(header []string, data [][]string, raw interface{}) error {
	return output.Render(os.Stdout, outputFormat(), header, data, raw)
}

// resolveSubvolumes maps an optional path-or-name argument to the
// configured subvolumes it addresses: all of them when absent, exactly
// one otherwise.
func resolveSubvolumes(args []string) ([]*config.Subvolume, error) {
	if len(args) == 0 {
		out := make([]*config.Subvolume, 0, len(conf.Subvolumes))
		for i := range conf.Subvolumes {
			out = append(out, &conf.Subvolumes[i])
		}
		return out, nil
	}
	sc, ok := conf.FindSubvolume(args[0])
	if !ok {
		return nil, fmt.Errorf("no configured subvolume matches %q", args[0])
	}
	return []*config.Subvolume{sc}, nil
}

func retentionString(r config.Retention) string {
	var parts []string
	for _, pair := range []struct {
		name  string
		count int
	}{{"hourly", r.Hourly}, {"daily", r.Daily}, {"weekly", r.Weekly}, {"monthly", r.Monthly}, {"minimum", r.Minimum}} {
		if pair.count > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", pair.name, pair.count))
		}
	}
	return strings.Join(parts, " ")
}
