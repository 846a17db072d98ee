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

package gcp

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"tpu-toolkit/pkg/logging"
	"tpu-toolkit/pkg/shell"
)

// agentEnvPattern matches the export lines ssh-agent -s prints, e.g.
// SSH_AUTH_SOCK=/tmp/ssh-g4aYlFVLLugX/agent.52090; export SSH_AUTH_SOCK;
// SSH_AGENT_PID=52091; export SSH_AGENT_PID;
var agentEnvPattern = regexp.MustCompile(`(?s)SSH_AUTH_SOCK=([^;]+);.*SSH_AGENT_PID=([^;]+);`)

// Agent manages the per-process ssh-agent that gcloud ssh sessions rely on.
// Acquire and Release bracket a dispatch; an agent that was already running
// before Acquire is never touched.
type Agent struct {
	runner shell.Runner

	mu        sync.Mutex
	ownsAgent bool
	pid       int
}

// NewAgent returns an Agent that starts and stops ssh-agent through runner.
func NewAgent(runner shell.Runner) *Agent {
	return &Agent{runner: runner}
}

// Acquire starts an ssh-agent if none is running and exports its environment
// to this process, so spawned ssh sessions can reach it. Acquire is
// idempotent.
func (a *Agent) Acquire(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if os.Getenv("SSH_AGENT_PID") != "" {
		logging.Info("ssh-agent is running.")
		return nil
	}
	logging.Info("ssh-agent is not running, starting it now...")
	res := a.runner.Run(ctx, "ssh-agent -s")
	if !res.Ok() {
		return errors.Errorf("starting ssh-agent: %s", res.Stderr)
	}
	m := agentEnvPattern.FindStringSubmatch(res.Stdout)
	if m == nil {
		return errors.Errorf("unexpected ssh-agent output: %q", res.Stdout)
	}
	os.Setenv("SSH_AUTH_SOCK", m[1])
	os.Setenv("SSH_AGENT_PID", m[2])
	if pid, err := strconv.Atoi(strings.TrimSpace(m[2])); err == nil {
		a.pid = pid
	}
	a.ownsAgent = true
	logging.Info("ssh-agent is running.")
	return nil
}

// Release terminates an agent started by Acquire and clears its environment.
// Safe to call unconditionally; agents this process did not start are left
// alone.
func (a *Agent) Release(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.ownsAgent {
		return
	}
	if res := a.runner.Run(ctx, "ssh-agent -k"); !res.Ok() && a.pid > 0 {
		// The agent may have outlived its socket; signal it directly.
		_ = unix.Kill(a.pid, unix.SIGTERM)
	}
	os.Unsetenv("SSH_AUTH_SOCK")
	os.Unsetenv("SSH_AGENT_PID")
	a.ownsAgent = false
	a.pid = 0
}

// EnsureKeys removes the stale GCE known-hosts file, avoiding MITM warnings
// on re-provisioned VMs, and loads the GCE private key into the agent. A
// missing key is logged rather than fatal; gcloud generates one on first
// connect.
func (a *Agent) EnsureKeys(ctx context.Context) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return errors.Wrap(err, "resolving home directory")
	}
	hosts := filepath.Join(home, ".ssh", "google_compute_known_hosts")
	if err := os.Remove(hosts); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing %s", hosts)
	}
	key := filepath.Join(home, ".ssh", "google_compute_engine")
	if res := a.runner.Run(ctx, "ssh-add "+key); !res.Ok() {
		logging.Warn("SSH key %s does not exist yet.", key)
	}
	return nil
}
