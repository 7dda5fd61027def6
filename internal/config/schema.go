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

package config

import (
	"fmt"
	"sort"
	"strings"
)

// The schema walker of Design Note §9: a declarative description of the
// §6 config schema keyed by (name, required-marker), where a marker is
// either a plain boolean or a mutually-exclusive group. The walk runs
// over the raw yaml.v3 map so unknown keys are still visible, and
// collects every violation with a /a/b/c path instead of stopping at the
// first.

// checker validates one value at path, returning all violations found.
type checker func(path string, v interface{}) []string

// field pairs the required marker with the value checker for one key.
type field struct {
	required bool
	check    checker
}

// group is a mutually-exclusive (or at-least-one) constraint over a set
// of sibling keys: between min and max of members must be present.
type group struct {
	min, max int
	members  []string
}

// object describes one mapping node of the schema.
type object struct {
	fields map[string]field
	groups []group
}

func isString(path string, v interface{}) []string {
	if _, ok := v.(string); !ok {
		return []string{fmt.Sprintf("%s: expected string, got %T", path, v)}
	}
	return nil
}

func nonNegInt(path string, v interface{}) []string {
	n, ok := v.(int)
	if !ok {
		return []string{fmt.Sprintf("%s: expected integer, got %T", path, v)}
	}
	if n < 0 {
		return []string{fmt.Sprintf("%s: must be non-negative, got %d", path, n)}
	}
	return nil
}

func stringList(path string, v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return []string{fmt.Sprintf("%s: expected list, got %T", path, v)}
	}
	var errs []string
	for i, e := range list {
		errs = append(errs, isString(fmt.Sprintf("%s/%d", path, i), e)...)
	}
	return errs
}

func obj(o object) checker {
	return func(path string, v interface{}) []string {
		m, ok := v.(map[string]interface{})
		if !ok {
			return []string{fmt.Sprintf("%s: expected mapping, got %T", path, v)}
		}
		return walkObject(path, o, m)
	}
}

func listOf(o object) checker {
	return func(path string, v interface{}) []string {
		list, ok := v.([]interface{})
		if !ok {
			return []string{fmt.Sprintf("%s: expected list, got %T", path, v)}
		}
		var errs []string
		for i, e := range list {
			errs = append(errs, obj(o)(fmt.Sprintf("%s/%d", path, i), e)...)
		}
		return errs
	}
}

func walkObject(path string, o object, m map[string]interface{}) []string {
	var errs []string
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		f, known := o.fields[k]
		if !known {
			errs = append(errs, fmt.Sprintf("%s/%s: unknown key", path, k))
			continue
		}
		errs = append(errs, f.check(fmt.Sprintf("%s/%s", path, k), m[k])...)
	}
	for name, f := range o.fields {
		if f.required {
			if _, present := m[name]; !present {
				errs = append(errs, fmt.Sprintf("%s/%s: required key missing", path, name))
			}
		}
	}
	for _, g := range o.groups {
		present := 0
		for _, member := range g.members {
			if _, ok := m[member]; ok {
				present++
			}
		}
		if present < g.min || present > g.max {
			errs = append(errs, fmt.Sprintf("%s: between %d and %d of [%s] must be set, found %d",
				path, g.min, g.max, strings.Join(g.members, ", "), present))
		}
	}
	sort.Strings(errs)
	return errs
}

// retentionSchema builds the retention mapping node; withMinimum adds the
// backup-only total floor key.
func retentionSchema(withMinimum bool) object {
	fields := map[string]field{
		"hourly":  {false, nonNegInt},
		"daily":   {false, nonNegInt},
		"weekly":  {false, nonNegInt},
		"monthly": {false, nonNegInt},
	}
	if withMinimum {
		fields["minimum"] = field{false, nonNegInt}
	}
	return object{
		fields: fields,
		groups: []group{{min: 1, max: 4, members: []string{"hourly", "daily", "weekly", "monthly"}}},
	}
}

var localSchema = object{
	fields: map[string]field{
		"path": {true, isString},
	},
}

var remoteSchema = object{
	fields: map[string]field{
		"host":         {true, isString},
		"user":         {false, isString},
		"ssh-options":  {false, isString},
		"ssh-host-key": {false, isString},
		"path":         {true, isString},
	},
}

var backupSchema = object{
	fields: map[string]field{
		"type":           {true, isString},
		"last_sync_file": {false, isString},
		"local":          {false, obj(localSchema)},
		"remote":         {false, obj(remoteSchema)},
		"retention":      {true, obj(retentionSchema(true))},
	},
	groups: []group{{min: 1, max: 1, members: []string{"local", "remote"}}},
}

var bootSpecSchema = object{
	fields: map[string]field{
		"entry":     {true, isString},
		"retention": {true, obj(retentionSchema(false))},
	},
}

var subvolumeSchema = object{
	fields: map[string]field{
		"path":           {true, isString},
		"snapshots-path": {false, isString},
		"name":           {false, isString},
		"retention":      {true, obj(retentionSchema(false))},
		"backup":         {false, listOf(backupSchema)},
		"systemd-boot":   {false, listOf(bootSpecSchema)},
	},
}

var systemdBootSchema = object{
	fields: map[string]field{
		"boot-path":  {false, isString},
		"init-files": {false, stringList},
	},
}

var rootSchema = object{
	fields: map[string]field{
		"subvolumes":   {false, listOf(subvolumeSchema)},
		"systemd-boot": {false, obj(systemdBootSchema)},
	},
}

// Validate walks the raw decoded config tree against the §6 schema and
// returns every violation, path-qualified. An empty result means the
// tree is structurally valid.
func Validate(tree map[string]interface{}) []string {
	if tree == nil {
		return nil
	}
	return walkObject("", rootSchema, tree)
}
