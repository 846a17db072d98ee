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

// Package tpuvm launches commands on provisioned TPU VM slices over SSH.
//
// A job fans one command out to every slice, in slice order. Dispatch is
// sequential and results keep that order, so callers can pair each result
// with its slice by index.
package tpuvm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"tpu-toolkit/pkg/escape"
	"tpu-toolkit/pkg/gcp"
	"tpu-toolkit/pkg/launcher"
	"tpu-toolkit/pkg/logging"
	"tpu-toolkit/pkg/shell"
)

// remoteWorkDir is entered on the worker before the command runs.
const remoteWorkDir = "/root"

// Config configures a TPU VM job.
type Config struct {
	launcher.Config
	Accelerator launcher.Accelerator
}

// Job executes commands on the worker VMs of one or more TPU slices.
type Job struct {
	cfg     Config
	runner  shell.Runner
	nodes   gcp.NodeGetter
	agent   *gcp.Agent
	onVM    bool
	onVMSet bool

	// The reachability probe runs at most once per job; a failed probe is
	// retried on the next dispatch.
	probeMu sync.Mutex
	useIAP  *bool
}

// Option adjusts a Job's environment. The defaults talk to the real shell,
// control plane, and VM metadata.
type Option func(*Job)

// WithRunner substitutes the shell the job dispatches through.
func WithRunner(r shell.Runner) Option {
	return func(j *Job) { j.runner = r }
}

// WithNodeGetter substitutes the TPU node lookup behind the reachability
// probe.
func WithNodeGetter(n gcp.NodeGetter) Option {
	return func(j *Job) { j.nodes = n }
}

// WithAgent substitutes the ssh-agent manager.
func WithAgent(a *gcp.Agent) Option {
	return func(j *Job) { j.agent = a }
}

// WithOnVM overrides GCE VM detection.
func WithOnVM(onVM bool) Option {
	return func(j *Job) {
		j.onVM = onVM
		j.onVMSet = true
	}
}

// NewJob validates cfg and returns a job ready to execute.
func NewJob(cfg Config, opts ...Option) (*Job, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Accelerator.Validate(); err != nil {
		return nil, fmt.Errorf("job %s: %w", cfg.Name, err)
	}
	j := &Job{
		cfg:    cfg,
		runner: shell.NewRunner(),
	}
	for _, opt := range opts {
		opt(j)
	}
	if !j.onVMSet {
		j.onVM = gcp.RunningOnGCE()
	}
	if j.agent == nil {
		j.agent = gcp.NewAgent(j.runner)
	}
	return j, nil
}

// SliceNames lists the slice resource names the job dispatches to.
func (j *Job) SliceNames() []string {
	return launcher.SliceNames(j.cfg.Name, j.cfg.Accelerator.NumReplicas)
}

// OnVM reports whether the job dispatches from a GCE VM.
func (j *Job) OnVM() bool { return j.onVM }

// AcquireSSHAgent starts an ssh-agent when dispatching from a VM, where
// gcloud has no desktop agent to lean on. Pair with ReleaseSSHAgent.
func (j *Job) AcquireSSHAgent(ctx context.Context) error {
	if !j.onVM {
		return nil
	}
	return j.agent.Acquire(ctx)
}

// ReleaseSSHAgent terminates an agent started by AcquireSSHAgent.
func (j *Job) ReleaseSSHAgent(ctx context.Context) {
	j.agent.Release(ctx)
}

// DispatchOptions shape one fan-out.
type DispatchOptions struct {
	// Worker selects which workers of each slice run the command: a numeric
	// ID or "all". Defaults to "all".
	Worker string
	// BatchSize caps concurrent per-worker connections within a slice: a
	// number or "all". Defaults to "100".
	BatchSize string
	// DetachedSession, when set, persists the command in a named screen
	// session that survives SSH disconnects.
	DetachedSession string
	// ExtraSSHFlags are passed through to the ssh invocation.
	ExtraSSHFlags string
}

func (o *DispatchOptions) normalize() error {
	if o.Worker == "" {
		o.Worker = "all"
	}
	if o.Worker != "all" {
		if _, err := strconv.Atoi(o.Worker); err != nil {
			return fmt.Errorf("worker must be a worker ID or \"all\", got %q", o.Worker)
		}
	}
	if o.BatchSize == "" {
		o.BatchSize = "100"
	}
	if o.BatchSize != "all" {
		if _, err := strconv.Atoi(o.BatchSize); err != nil {
			return fmt.Errorf("batch size must be a number or \"all\", got %q", o.BatchSize)
		}
	}
	if o.DetachedSession != "" {
		if err := escape.ValidateSessionName(o.DetachedSession); err != nil {
			return err
		}
	}
	return nil
}

// Execute implements launcher.Executable by dispatching the configured
// command to every slice. It fails when any slice fails.
func (j *Job) Execute(ctx context.Context) error {
	results, err := j.Dispatch(ctx, j.cfg.Command, DispatchOptions{})
	if err != nil {
		return err
	}
	return SliceFailures(j.SliceNames(), results)
}

// Dispatch runs cmd on every slice in order and blocks for the results, one
// per slice. A failing slice does not stop the fan-out: per-slice failures
// travel in the results, and callers pick the aggregate policy. SliceFailures
// implements the usual all-must-succeed one. The returned error covers only
// conditions that prevent dispatching: invalid options, an unprobeable slice,
// or a canceled context.
func (j *Job) Dispatch(ctx context.Context, cmd string, opts DispatchOptions) ([]shell.Result, error) {
	lines, err := j.sliceCommands(ctx, cmd, &opts)
	if err != nil {
		return nil, err
	}
	slices := j.SliceNames()
	results := make([]shell.Result, 0, len(lines))
	for i, line := range lines {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := j.runner.Run(ctx, line)
		results = append(results, res)
		if !res.Ok() {
			logging.Warn("Command on slice %s exited with code %d.", slices[i], res.ExitCode)
		}
	}
	return results, nil
}

// SliceFailures folds per-slice results into one error, nil when every slice
// succeeded. Results pair with slices by index.
func SliceFailures(slices []string, results []shell.Result) error {
	var failures []string
	for i, res := range results {
		if res.Ok() {
			continue
		}
		failures = append(failures, fmt.Sprintf("slice %s exited with code %d: %s",
			slices[i], res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	if len(failures) == 0 {
		return nil
	}
	return fmt.Errorf("command failed on %d of %d slices: %s",
		len(failures), len(results), strings.Join(failures, "; "))
}

// Start launches cmd on every slice without waiting. The returned handles
// keep slice order; callers stream output or wait on each.
func (j *Job) Start(ctx context.Context, cmd string, opts DispatchOptions) ([]shell.Handle, error) {
	lines, err := j.sliceCommands(ctx, cmd, &opts)
	if err != nil {
		return nil, err
	}
	handles := make([]shell.Handle, 0, len(lines))
	for _, line := range lines {
		h, err := j.runner.Start(ctx, line)
		if err != nil {
			for _, started := range handles {
				started.Kill()
			}
			return nil, fmt.Errorf("starting dispatch: %w", err)
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// sliceCommands builds the per-slice ssh invocations. Validation happens
// before any probe or dispatch so a bad session name costs nothing.
func (j *Job) sliceCommands(ctx context.Context, cmd string, opts *DispatchOptions) ([]string, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	wrapped := escape.ForRemoteCommand(fmt.Sprintf("pushd %s && %s", remoteWorkDir, cmd))
	sshFlags := opts.ExtraSSHFlags
	if j.onVM {
		if err := j.agent.EnsureKeys(ctx); err != nil {
			return nil, err
		}
		sshFlags = strings.TrimSpace("--internal-ip " + sshFlags)
	} else {
		useIAP, err := j.useIAPTunnel(ctx)
		if err != nil {
			return nil, err
		}
		if useIAP {
			sshFlags = strings.TrimSpace("--tunnel-through-iap " + sshFlags)
		}
	}
	wrapped = escape.Sudo(wrapped)
	if opts.DetachedSession != "" {
		var err error
		wrapped, err = escape.DetachedSession(opts.DetachedSession, wrapped)
		if err != nil {
			return nil, err
		}
	}
	logging.Debug("Executing remote command on worker [%s]: '%s'", opts.Worker, wrapped)

	var lines []string
	for _, slice := range j.SliceNames() {
		parts := []string{
			"gcloud", "alpha", "compute", "-q", "tpus", "tpu-vm", "ssh", slice,
			"--project=" + j.cfg.Project,
			"--zone=" + j.cfg.Zone,
			"--worker=" + opts.Worker,
			"--batch-size=" + opts.BatchSize,
		}
		if sshFlags != "" {
			parts = append(parts, sshFlags)
		}
		parts = append(parts, fmt.Sprintf("--command=\"%s\"", wrapped))
		lines = append(lines, strings.Join(parts, " "))
	}
	return lines, nil
}

// useIAPTunnel decides whether workers are only reachable through an IAP
// tunnel. The verdict is cached for the life of the job; slices of one job
// share network configuration.
func (j *Job) useIAPTunnel(ctx context.Context) (bool, error) {
	j.probeMu.Lock()
	defer j.probeMu.Unlock()
	if j.useIAP != nil {
		return *j.useIAP, nil
	}

	node, err := j.lookupNode(ctx)
	if err != nil {
		if gcp.IsNotFound(err) {
			return false, fmt.Errorf("expected TPU %s to exist: %w", j.cfg.Name, err)
		}
		return false, err
	}
	useIAP := !node.HasExternalEndpoint()
	if useIAP {
		logging.Info("Didn't find a public IP, using IAP.")
	} else {
		logging.Info("Detected a public IP, not using IAP.")
	}
	j.useIAP = &useIAP
	return useIAP, nil
}

func (j *Job) lookupNode(ctx context.Context) (*gcp.NodeInfo, error) {
	if j.nodes == nil {
		ts, err := gcp.TokenSource(ctx, j.cfg.ServiceAccount)
		if err != nil {
			return nil, err
		}
		client, err := gcp.NewClientWithTokenSource(ctx, ts)
		if err != nil {
			return nil, err
		}
		j.nodes = client
	}
	if j.cfg.Accelerator.NumReplicas > 1 {
		return j.nodes.QueuedResourceNode(ctx, j.cfg.Project, j.cfg.Zone, j.cfg.Name)
	}
	return j.nodes.Node(ctx, j.cfg.Project, j.cfg.Zone, j.cfg.Name)
}
