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

// Package launcher defines what every launch flavor shares: the job
// configuration, the capability interfaces flavors implement, and the
// bounded retry loop around execution.
//
// Flavors live in subpackages. They validate their configuration at
// construction; a job that constructs is ready to execute.
package launcher

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"tpu-toolkit/pkg/logging"
)

// maxNameLength matches the DNS label limit. Job names become resource names
// on the target substrate.
const maxNameLength = 63

var namePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// Config carries the fields every launch flavor shares.
type Config struct {
	// Name identifies the job. It doubles as the resource name on the
	// target substrate, so it must be a valid DNS label.
	Name string
	// Command is the user command the job runs.
	Command string
	// Project is the GCP project the job's resources live in.
	Project string
	// Zone is the GCP zone the job's resources live in.
	Zone string
	// ServiceAccount, when set, is impersonated for control plane calls.
	ServiceAccount string
	// MaxTries bounds execution attempts, counting the first.
	MaxTries int
	// RetryInterval is the pause between attempts.
	RetryInterval time.Duration
}

// Validate checks the shared fields. Flavors call it from their constructors
// before checking their own.
func (c *Config) Validate() error {
	if err := ValidateName(c.Name); err != nil {
		return err
	}
	if c.Command == "" {
		return fmt.Errorf("job %s has no command", c.Name)
	}
	if c.Project == "" {
		return fmt.Errorf("job %s has no project", c.Name)
	}
	if c.Zone == "" {
		return fmt.Errorf("job %s has no zone", c.Name)
	}
	if c.MaxTries < 1 {
		return fmt.Errorf("job %s: max tries must be at least 1, got %d", c.Name, c.MaxTries)
	}
	return nil
}

// ValidateName enforces DNS label constraints on job names.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("job name %q is %d characters, limit %d", name, len(name), maxNameLength)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("job name %q must be lowercase alphanumerics and hyphens, starting and ending with an alphanumeric", name)
	}
	return nil
}

// Accelerator configures the hardware a job runs on.
type Accelerator struct {
	// InstanceType names the accelerator, e.g. tpu-v4-8.
	InstanceType string
	// NumReplicas is the number of slices.
	NumReplicas int
}

// Validate checks the accelerator fields.
func (a *Accelerator) Validate() error {
	if a.InstanceType == "" {
		return fmt.Errorf("instance type is required")
	}
	if a.NumReplicas < 1 {
		return fmt.Errorf("num replicas must be at least 1, got %d", a.NumReplicas)
	}
	return nil
}

// SliceNames lists the per-slice resource names for a job. A single slice
// keeps the job name; multiple slices get a numeric suffix.
func SliceNames(name string, numReplicas int) []string {
	if numReplicas <= 1 {
		return []string{name}
	}
	names := make([]string, numReplicas)
	for i := range names {
		names[i] = fmt.Sprintf("%s-%d", name, i)
	}
	return names
}

// Executable launches a configured job.
type Executable interface {
	Execute(ctx context.Context) error
}

// Deletable tears a submitted job down.
type Deletable interface {
	Delete(ctx context.Context) error
}

// Run executes a job, retrying failures up to cfg.MaxTries attempts with
// cfg.RetryInterval between them. Context cancellation stops the loop.
func Run(ctx context.Context, cfg *Config, job Executable) error {
	var err error
	for attempt := 1; attempt <= cfg.MaxTries; attempt++ {
		if err = job.Execute(ctx); err == nil {
			return nil
		}
		if attempt == cfg.MaxTries {
			break
		}
		logging.Warn("Attempt %d/%d of job %s failed: %v. Retrying in %s.",
			attempt, cfg.MaxTries, cfg.Name, err, cfg.RetryInterval)
		select {
		case <-time.After(cfg.RetryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("job %s failed after %d attempts: %w", cfg.Name, cfg.MaxTries, err)
}
