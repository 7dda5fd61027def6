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

package runner

import (
	"context"
	"strings"
	"sync"
)

// Invocation records a single call made through a Fake runner.
type Invocation struct {
	Name string
	Args []string
}

// String renders the invocation as a shell-ish command line, for
// assertion messages.
func (i Invocation) String() string {
	return i.Name + " " + strings.Join(i.Args, " ")
}

// Fake is a Runner double that records every invocation and lets tests
// script canned results or errors per command, without a real btrfs/ssh
// binary. Mirrors the command-recording test double shape used across the
// retrieved pack's subprocess-wrapping examples.
type Fake struct {
	mu          sync.Mutex
	Invocations []Invocation

	// Results maps a space-joined "name args..." command line to the
	// Result/error to return. An unscripted command returns a zero
	// Result and nil error.
	Results map[string]FakeResult
}

// FakeResult is a scripted response for one command line.
type FakeResult struct {
	Result Result
	Err    error
}

// NewFake builds an empty Fake runner.
func NewFake() *Fake {
	return &Fake{Results: make(map[string]FakeResult)}
}

// Script registers the result to return for the given command line
// (name followed by args, space-joined).
func (f *Fake) Script(cmdLine string, res Result, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Results[cmdLine] = FakeResult{Result: res, Err: err}
}

func (f *Fake) Run(ctx context.Context, name string, args ...string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Invocations = append(f.Invocations, Invocation{Name: name, Args: args})
	key := Invocation{Name: name, Args: args}.String()
	if scripted, ok := f.Results[key]; ok {
		return scripted.Result, scripted.Err
	}
	return Result{}, nil
}

// Calls returns every invocation's rendered command line, in call order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Invocations))
	for i, inv := range f.Invocations {
		out[i] = inv.String()
	}
	return out
}
