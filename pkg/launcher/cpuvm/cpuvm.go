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

// Package cpuvm launches commands on a single CPU VM over SSH. The remote
// command runs under an elevated login shell so the VM's profile is sourced.
package cpuvm

import (
	"context"
	"fmt"
	"strings"

	"tpu-toolkit/pkg/escape"
	"tpu-toolkit/pkg/launcher"
	"tpu-toolkit/pkg/logging"
	"tpu-toolkit/pkg/shell"
)

// remoteWorkDir is entered on the VM before the command runs.
const remoteWorkDir = "/root"

// Config configures a CPU VM job. The job name is the VM name.
type Config struct {
	launcher.Config
}

// Job executes commands on one provisioned VM.
type Job struct {
	cfg    Config
	runner shell.Runner
}

// Option adjusts a Job's environment.
type Option func(*Job)

// WithRunner substitutes the shell the job dispatches through.
func WithRunner(r shell.Runner) Option {
	return func(j *Job) { j.runner = r }
}

// NewJob validates cfg and returns a job ready to execute.
func NewJob(cfg Config, opts ...Option) (*Job, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	j := &Job{cfg: cfg, runner: shell.NewRunner()}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// DispatchOptions shape one dispatch.
type DispatchOptions struct {
	// DetachedSession, when set, persists the command in a named screen
	// session that survives SSH disconnects.
	DetachedSession string
}

// Execute implements launcher.Executable by running the configured command
// on the VM.
func (j *Job) Execute(ctx context.Context) error {
	res, err := j.Dispatch(ctx, j.cfg.Command, DispatchOptions{})
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("command on VM %s exited with code %d: %s",
			j.cfg.Name, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Dispatch runs cmd on the VM and blocks for the result.
func (j *Job) Dispatch(ctx context.Context, cmd string, opts DispatchOptions) (shell.Result, error) {
	line, err := j.sshCommand(cmd, opts)
	if err != nil {
		return shell.Result{}, err
	}
	logging.Debug("Executing remote command: '%s'", line)
	return j.runner.Run(ctx, line), nil
}

// Start launches cmd on the VM without waiting, returning a live handle.
func (j *Job) Start(ctx context.Context, cmd string, opts DispatchOptions) (shell.Handle, error) {
	line, err := j.sshCommand(cmd, opts)
	if err != nil {
		return nil, err
	}
	return j.runner.Start(ctx, line)
}

func (j *Job) sshCommand(cmd string, opts DispatchOptions) (string, error) {
	wrapped := escape.ForRemoteCommand(fmt.Sprintf("pushd %s && %s", remoteWorkDir, cmd))
	wrapped = escape.LoginSudo(wrapped)
	if opts.DetachedSession != "" {
		var err error
		wrapped, err = escape.DetachedSession(opts.DetachedSession, wrapped)
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("gcloud compute -q ssh %s --project=%s --zone=%s --command=\"%s\"",
		j.cfg.Name, j.cfg.Project, j.cfg.Zone, wrapped), nil
}
