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

// Package shell runs local commands, capturing their output and exit status.
// It is the single subprocess boundary of the toolkit: gcloud, kubectl and
// ssh-agent invocations all go through here.
package shell

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"tpu-toolkit/pkg/logging"
)

// Result is the outcome of a completed command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Ok reports whether the command exited zero.
func (r Result) Ok() bool { return r.ExitCode == 0 }

// Command is a pending invocation of a single executable with arguments.
type Command struct {
	name  string
	args  []string
	input string
}

// NewCommand prepares a command without running it.
func NewCommand(name string, args ...string) *Command {
	return &Command{name: name, args: args}
}

// SetInput provides data on the command's stdin.
func (c *Command) SetInput(input string) *Command {
	c.input = input
	return c
}

// Execute runs the command to completion. Spawn failures are folded into the
// Result with exit code -1 so callers uniformly branch on ExitCode.
func (c *Command) Execute(ctx context.Context) Result {
	cmd := exec.CommandContext(ctx, c.name, c.args...)
	if c.input != "" {
		cmd.Stdin = strings.NewReader(c.input)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.Debug("Executing: %s %s", c.name, strings.Join(c.args, " "))
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	switch e := err.(type) {
	case nil:
		res.ExitCode = 0
	case *exec.ExitError:
		res.ExitCode = e.ExitCode()
	default:
		res.ExitCode = -1
		if res.Stderr == "" {
			res.Stderr = err.Error()
		}
	}
	return res
}

// ExecuteCommand runs name with args and waits for it to finish.
func ExecuteCommand(ctx context.Context, name string, args ...string) Result {
	return NewCommand(name, args...).Execute(ctx)
}

// ExecuteScript runs a full shell line through bash and waits for it.
func ExecuteScript(ctx context.Context, script string) Result {
	return NewCommand("bash", "-c", script).Execute(ctx)
}

// Handle is a live, still-running process started by a Runner.
type Handle interface {
	// Wait blocks until the process exits and returns its result.
	Wait() Result
	// Kill terminates the process.
	Kill() error
	// PID returns the OS process id.
	PID() int
}

// Process implements Handle for a locally spawned command.
type Process struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
}

// StartScript launches a shell line without waiting for it; callers hold the
// returned handle and decide when (or whether) to reap it.
func StartScript(ctx context.Context, script string) (*Process, error) {
	p := &Process{cmd: exec.CommandContext(ctx, "bash", "-c", script)}
	p.cmd.Stdout = &p.stdout
	p.cmd.Stderr = &p.stderr
	logging.Debug("Starting: bash -c %q", script)
	if err := p.cmd.Start(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Process) Wait() Result {
	err := p.cmd.Wait()
	res := Result{Stdout: p.stdout.String(), Stderr: p.stderr.String()}
	switch e := err.(type) {
	case nil:
		res.ExitCode = 0
	case *exec.ExitError:
		res.ExitCode = e.ExitCode()
	default:
		res.ExitCode = -1
		if res.Stderr == "" {
			res.Stderr = err.Error()
		}
	}
	return res
}

func (p *Process) Kill() error { return p.cmd.Process.Kill() }

func (p *Process) PID() int { return p.cmd.Process.Pid }

// Runner abstracts script execution so dispatch logic can be tested without
// spawning real gcloud processes.
type Runner interface {
	Run(ctx context.Context, script string) Result
	Start(ctx context.Context, script string) (Handle, error)
}

type localRunner struct{}

// NewRunner returns the local bash-backed Runner.
func NewRunner() Runner { return localRunner{} }

func (localRunner) Run(ctx context.Context, script string) Result {
	return ExecuteScript(ctx, script)
}

func (localRunner) Start(ctx context.Context, script string) (Handle, error) {
	return StartScript(ctx, script)
}
