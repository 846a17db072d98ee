// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package escape builds shell commands that survive nested quoting layers.
//
// A command dispatched to a VM passes through several shells: the local shell
// invoking gcloud, gcloud's double-quoted --command argument, the remote
// shell, and optionally a detached screen session or a docker run. The
// wrappers here compose in that order; each assumes its input has already been
// prepared by the layer below it.
package escape

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/exp/maps"
)

// MaxSessionNameLength is the longest detached-session name accepted. The
// nominal screen limit is 100, but sessions with names above 80 characters
// exit silently, so the stricter bound is enforced before any dispatch.
const MaxSessionNameLength = 80

// ErrSessionNameTooLong is returned for detached-session names over the limit.
var ErrSessionNameTooLong = errors.New("detached session name too long")

// safeChars are the characters that need no quoting in a POSIX shell word.
const safeChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_@%+=:,./-"

func isUnsafe(r rune) bool {
	return !strings.ContainsRune(safeChars, r)
}

// QuotePOSIX returns s as a single shell word. Strings made entirely of safe
// characters pass through untouched; everything else is single-quoted with
// embedded single quotes escaped.
func QuotePOSIX(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, isUnsafe) == -1 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// ForRemoteCommand prepares cmd for embedding in a double-quoted gcloud
// --command argument: quote it as one shell word, then escape the double
// quotes and dollar signs the outer layer would otherwise consume.
func ForRemoteCommand(cmd string) string {
	cmd = QuotePOSIX(cmd)
	cmd = strings.ReplaceAll(cmd, `"`, `\"`)
	cmd = strings.ReplaceAll(cmd, `$`, `\$`)
	return cmd
}

// Sudo wraps an already-quoted command in an elevated shell.
func Sudo(quoted string) string {
	return "sudo bash -c " + quoted
}

// LoginSudo wraps an already-quoted command in an elevated login shell, so
// the remote profile is sourced before the command runs.
func LoginSudo(quoted string) string {
	return "sudo -i bash -c " + quoted
}

// ValidateSessionName rejects detached-session names the session manager
// would silently drop.
func ValidateSessionName(name string) error {
	if len(name) > MaxSessionNameLength {
		return fmt.Errorf("%w: %q is %d characters, limit %d",
			ErrSessionNameTooLong, name, len(name), MaxSessionNameLength)
	}
	return nil
}

// DetachedSession wraps a wrapped command in a named detached screen session,
// persisting it across SSH disconnects.
func DetachedSession(name, cmd string) (string, error) {
	if err := ValidateSessionName(name); err != nil {
		return "", err
	}
	return fmt.Sprintf("sudo screen -dmS %s %s", name, cmd), nil
}

// DockerRunOptions configures the container wrapper around a command.
type DockerRunOptions struct {
	// Image is the container image reference to run. Required.
	Image string
	// DetachedSession, when set, runs the container detached under this name.
	DetachedSession string
	// Env holds environment variable names exposed to the container.
	Env []string
	// Volumes maps host paths to container mount paths.
	Volumes map[string]string
	// ExtraFlags are appended verbatim to docker run.
	ExtraFlags []string
	// WorkDir, when set, is entered before the command runs.
	WorkDir string
}

// DockerRun wraps cmd in a privileged, host-networked docker run invocation.
// The inner command is re-quoted here; pass it raw.
func DockerRun(cmd string, opts DockerRunOptions) string {
	if opts.WorkDir != "" {
		cmd = fmt.Sprintf("pushd %s && %s", opts.WorkDir, cmd)
	}
	cmd = "/bin/bash -c " + ForRemoteCommand(cmd)

	var parts []string
	parts = append(parts, "docker run --rm --privileged -u root --network=host")
	if opts.DetachedSession != "" {
		parts = append(parts, "-d --name="+opts.DetachedSession)
	}
	for _, e := range opts.Env {
		parts = append(parts, "-e "+e)
	}
	hostPaths := maps.Keys(opts.Volumes)
	sort.Strings(hostPaths)
	for _, src := range hostPaths {
		parts = append(parts, fmt.Sprintf("-v %s:%s", src, opts.Volumes[src]))
	}
	parts = append(parts, opts.ExtraFlags...)
	parts = append(parts, opts.Image, cmd)
	return strings.Join(parts, " ")
}
