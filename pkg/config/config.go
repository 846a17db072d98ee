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

// Package config resolves launcher defaults from the settings file, the
// active gcloud configuration, and the environment. Flags always win; the
// file fills what flags leave empty; gcloud fills the rest.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"tpu-toolkit/pkg/shell"
)

// Settings holds the defaults a launch can fall back on.
type Settings struct {
	Project        string `yaml:"project"`
	Zone           string `yaml:"zone"`
	ServiceAccount string `yaml:"service_account"`
	Cluster        string `yaml:"cluster"`
	Reservation    string `yaml:"reservation"`
	Bucket         string `yaml:"bucket"`
	DockerRepo     string `yaml:"docker_repo"`
}

// DefaultPath is where Load looks when no explicit path is given.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "tlaunch", "settings.yaml")
}

// Load reads a settings file. A missing file is not an error; it yields
// empty settings so the gcloud fallback can take over. Unknown keys are
// rejected to catch typos.
func Load(path string) (Settings, error) {
	var s Settings
	if path == "" {
		return s, nil
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("opening settings file %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return s, fmt.Errorf("parsing settings file %s: %w", path, err)
	}
	return s, nil
}

// FromGcloud reads project and zone from the active gcloud configuration.
// Fields gcloud has no value for stay empty.
func FromGcloud(ctx context.Context, runner shell.Runner) Settings {
	return Settings{
		Project: gcloudConfigValue(ctx, runner, "project"),
		Zone:    gcloudConfigValue(ctx, runner, "compute/zone"),
	}
}

func gcloudConfigValue(ctx context.Context, runner shell.Runner, key string) string {
	res := runner.Run(ctx, fmt.Sprintf("gcloud config get-value %s", key))
	if !res.Ok() {
		return ""
	}
	v := strings.TrimSpace(res.Stdout)
	if v == "(unset)" {
		return ""
	}
	return v
}

// Merge returns s with empty fields filled from fallback.
func (s Settings) Merge(fallback Settings) Settings {
	if s.Project == "" {
		s.Project = fallback.Project
	}
	if s.Zone == "" {
		s.Zone = fallback.Zone
	}
	if s.ServiceAccount == "" {
		s.ServiceAccount = fallback.ServiceAccount
	}
	if s.Cluster == "" {
		s.Cluster = fallback.Cluster
	}
	if s.Reservation == "" {
		s.Reservation = fallback.Reservation
	}
	if s.Bucket == "" {
		s.Bucket = fallback.Bucket
	}
	if s.DockerRepo == "" {
		s.DockerRepo = fallback.DockerRepo
	}
	return s
}

const tierEnv = "BASTION_TIER"

// TierReserved is the scheduling tier entitled to reserved capacity. Any
// other tier, including an unset one, schedules onto preemptible capacity.
const TierReserved = "0"

// SchedulingTier returns the tier assigned by the scheduling environment.
func SchedulingTier() string {
	return os.Getenv(tierEnv)
}
