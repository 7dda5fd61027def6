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

// Package config loads and validates the YAML configuration file and
// produces the validated configuration record of spec.md §6. Validation
// runs in two passes: the declarative schema walker (schema.go) over the
// raw decoded map, then a mapstructure decode into the typed record.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/jordanl2/btrfs-snapshot-manager/internal/errkind"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/period"
	"github.com/jordanl2/btrfs-snapshot-manager/internal/retention"
)

// DefaultPath is the fixed system configuration file location.
const DefaultPath = "/etc/btrfs-snapshot-manager/config.yml"

// Config is the root of the validated configuration record.
type Config struct {
	// Subvolumes are the managed subvolumes, in declared order; the
	// orchestrator's pass visits them in this order.
	Subvolumes []Subvolume `mapstructure:"subvolumes"`
	// SystemdBoot is the optional top-level boot manager configuration,
	// shared by every subvolume that declares systemd-boot entry specs.
	SystemdBoot *SystemdBoot `mapstructure:"systemd-boot"`
}

// Subvolume configures one managed subvolume.
type Subvolume struct {
	Path string `mapstructure:"path"`
	// SnapshotsPath overrides the default <path>/.snapshots location.
	SnapshotsPath string `mapstructure:"snapshots-path"`
	// Name identifies the subvolume in logs and as the per-subvolume
	// subdirectory on shared backup targets. Defaults to the path's
	// basename.
	Name        string            `mapstructure:"name"`
	Retention   Retention         `mapstructure:"retention"`
	Backup      []BackupTarget    `mapstructure:"backup"`
	SystemdBoot []SystemdBootSpec `mapstructure:"systemd-boot"`
}

// Retention is the per-period keep-count map of spec.md §3, plus the
// backup-only minimum floor.
type Retention struct {
	Hourly  int `mapstructure:"hourly"`
	Daily   int `mapstructure:"daily"`
	Weekly  int `mapstructure:"weekly"`
	Monthly int `mapstructure:"monthly"`
	// Minimum is the floor on total kept snapshots, valid only under a
	// backup target's retention.
	Minimum int `mapstructure:"minimum"`
}

// Policy converts the config shape to the retention selector's policy map.
func (r Retention) Policy() retention.Policy {
	return retention.Policy{
		period.Hourly:  r.Hourly,
		period.Daily:   r.Daily,
		period.Weekly:  r.Weekly,
		period.Monthly: r.Monthly,
	}
}

// Empty reports whether no period has a positive keep count.
func (r Retention) Empty() bool {
	return r.Hourly <= 0 && r.Daily <= 0 && r.Weekly <= 0 && r.Monthly <= 0
}

// BackupTarget configures one backup target of a subvolume. Exactly one
// of Local and Remote is set, enforced by the schema walker.
type BackupTarget struct {
	// Type selects the transport family: "btrfs" (native send/receive)
	// or "rsync" (file copy with hard-link dedup).
	Type         string          `mapstructure:"type"`
	LastSyncFile string          `mapstructure:"last_sync_file"`
	Local        *LocalLocation  `mapstructure:"local"`
	Remote       *RemoteLocation `mapstructure:"remote"`
	Retention    Retention       `mapstructure:"retention"`
}

// LocalLocation is a backup target on the local filesystem.
type LocalLocation struct {
	Path string `mapstructure:"path"`
}

// RemoteLocation is a backup target reached over SSH.
type RemoteLocation struct {
	Host       string `mapstructure:"host"`
	User       string `mapstructure:"user"`
	SSHOptions string `mapstructure:"ssh-options"`
	// SSHHostKey, when set, is an authorized_keys/known_hosts style
	// public key line validated at config-load time so a malformed key
	// fails `config check` instead of the first remote reconcile.
	SSHHostKey string `mapstructure:"ssh-host-key"`
	Path       string `mapstructure:"path"`
}

// SystemdBootSpec is one bootloader entry spec of a subvolume.
type SystemdBootSpec struct {
	Entry     string    `mapstructure:"entry"`
	Retention Retention `mapstructure:"retention"`
}

// SystemdBoot is the top-level boot manager configuration.
type SystemdBoot struct {
	BootPath  string   `mapstructure:"boot-path"`
	InitFiles []string `mapstructure:"init-files"`
}

// FindSubvolume resolves a subvolume by its configured path or name.
func (c *Config) FindSubvolume(pathOrName string) (*Subvolume, bool) {
	for i := range c.Subvolumes {
		s := &c.Subvolumes[i]
		if s.Path == pathOrName || s.Name == pathOrName {
			return s, true
		}
	}
	return nil, false
}

// BootPath returns the configured boot path, defaulting to /boot.
func (c *Config) BootPath() string {
	if c.SystemdBoot != nil && c.SystemdBoot.BootPath != "" {
		return c.SystemdBoot.BootPath
	}
	return "/boot"
}

// InitFiles returns the configured init-file allow list, or nil for "every
// regular file under the boot path".
func (c *Config) InitFiles() []string {
	if c.SystemdBoot == nil {
		return nil
	}
	return c.SystemdBoot.InitFiles
}

// HasBootManager reports whether any subvolume declares systemd-boot
// entry specs, which is what attaches the boot payload store.
func (c *Config) HasBootManager() bool {
	for _, s := range c.Subvolumes {
		if len(s.SystemdBoot) > 0 {
			return true
		}
	}
	return false
}

// Load reads, validates, and decodes the configuration. cfgFile may be
// empty, in which case viper's search path chain is used, ending at the
// fixed system location. All schema violations are reported together in
// one ConfigInvalid error, path-qualified per spec.md §6.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if cfgdir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(cfgdir, "btrfs-snapshot-manager"))
		}
		v.AddConfigPath(filepath.Dir(DefaultPath))
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, errkind.New(errkind.ConfigInvalid, "reading config: %v", err)
	}
	return parse(v.ConfigFileUsed())
}

// parse runs the two-pass validate+decode over the file contents. The
// raw pass uses yaml.v3 directly rather than viper's decoded settings
// because the strict unknown-key check needs the undecoded key set.
func parse(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.New(errkind.ConfigInvalid, "reading %s: %v", path, err)
	}
	return Parse(raw)
}

// Parse validates and decodes raw YAML config bytes.
func Parse(raw []byte) (*Config, error) {
	var tree map[string]interface{}
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, errkind.New(errkind.ConfigInvalid, "%v", err)
	}
	if violations := Validate(tree); len(violations) > 0 {
		return nil, errkind.New(errkind.ConfigInvalid, "%s", strings.Join(violations, "; "))
	}
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &cfg,
		ErrorUnused: true,
	})
	if err != nil {
		return nil, errkind.Wrap(err, "building config decoder")
	}
	if err := dec.Decode(tree); err != nil {
		return nil, errkind.New(errkind.ConfigInvalid, "%v", err)
	}
	applyDefaults(&cfg)
	if err := validateSemantics(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	for i := range cfg.Subvolumes {
		s := &cfg.Subvolumes[i]
		if s.Name == "" {
			s.Name = filepath.Base(s.Path)
		}
		if s.SnapshotsPath == "" {
			s.SnapshotsPath = filepath.Join(s.Path, ".snapshots")
		}
	}
}

// validateSemantics covers the checks the schema walker cannot express
// structurally: transport type values and remote host key well-formedness.
func validateSemantics(cfg *Config) error {
	for i, s := range cfg.Subvolumes {
		for j, b := range s.Backup {
			at := fmt.Sprintf("/subvolumes/%d/backup/%d", i, j)
			if b.Type != "btrfs" && b.Type != "rsync" {
				return errkind.New(errkind.ConfigInvalid, "%s/type: must be btrfs or rsync, got %q", at, b.Type)
			}
			if b.Remote != nil && b.Remote.SSHHostKey != "" {
				if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(b.Remote.SSHHostKey)); err != nil {
					return errkind.New(errkind.ConfigInvalid, "%s/remote/ssh-host-key: %v", at, err)
				}
			}
		}
	}
	return nil
}
