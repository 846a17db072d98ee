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

package bundler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"text/template"

	"tpu-toolkit/pkg/logging"
	"tpu-toolkit/pkg/shell"
)

// cloudBuildTemplate is the build config submitted to Cloud Build.
const cloudBuildTemplate = `
steps:
- name: 'gcr.io/cloud-builders/docker'
  args: ['build', '-f', '{{.Dockerfile}}', '-t', '{{.Image}}', '.']
images:
- '{{.Image}}'
`

// CloudBuildBundler delegates the image build to Cloud Build, uploading the
// workspace as the build context.
type CloudBuildBundler struct {
	runner shell.Runner
	opts   Options
}

// NewCloudBuildBundler validates opts for a remote build.
func NewCloudBuildBundler(runner shell.Runner, opts Options) (*CloudBuildBundler, error) {
	opts.applyDefaults()
	if opts.Workspace == "" {
		return nil, fmt.Errorf("cloudbuild bundler requires a workspace")
	}
	if opts.Project == "" {
		return nil, fmt.Errorf("cloudbuild bundler requires a project")
	}
	return &CloudBuildBundler{runner: runner, opts: opts}, nil
}

// Kind implements Bundler.
func (b *CloudBuildBundler) Kind() Kind { return KindCloudBuild }

// Reference implements Bundler.
func (b *CloudBuildBundler) Reference(jobName string) string {
	return imageReference(b.opts.Repo, jobName, b.opts.Tag)
}

// BuildConfig renders the Cloud Build config for a job's image.
func (b *CloudBuildBundler) BuildConfig(jobName string) (string, error) {
	tmpl, err := template.New("cloudbuild").Parse(cloudBuildTemplate)
	if err != nil {
		return "", fmt.Errorf("parsing cloudbuild template: %w", err)
	}
	var buf bytes.Buffer
	err = tmpl.Execute(&buf, struct {
		Dockerfile string
		Image      string
	}{
		Dockerfile: b.opts.Dockerfile,
		Image:      b.Reference(jobName),
	})
	if err != nil {
		return "", fmt.Errorf("rendering cloudbuild template: %w", err)
	}
	return buf.String(), nil
}

// Bundle implements Bundler.
func (b *CloudBuildBundler) Bundle(ctx context.Context, jobName string) (string, error) {
	buildConfig, err := b.BuildConfig(jobName)
	if err != nil {
		return "", err
	}
	tmpFile, err := os.CreateTemp("", "cloudbuild-*.yaml")
	if err != nil {
		return "", fmt.Errorf("creating temporary cloudbuild config: %w", err)
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()
	if _, err := tmpFile.WriteString(buildConfig); err != nil {
		return "", fmt.Errorf("writing cloudbuild config: %w", err)
	}

	logging.Info("Submitting Cloud Build with context: %s", b.opts.Workspace)
	cmd := fmt.Sprintf("gcloud builds submit %s --config=%s --project=%s",
		b.opts.Workspace, tmpFile.Name(), b.opts.Project)
	result := b.runner.Run(ctx, cmd)
	if !result.Ok() {
		return "", fmt.Errorf("gcloud builds submit failed with exit code %d: %s",
			result.ExitCode, result.Stderr)
	}

	if url := extractBuildURL(result.Stdout); url != "" {
		logging.Info("Cloud Build finished: %s", url)
	} else {
		logging.Info("Cloud Build finished. Check 'gcloud builds list' for details.")
	}
	return b.Reference(jobName), nil
}

// extractBuildURL finds the build's console URL in gcloud output.
func extractBuildURL(stdout string) string {
	for _, line := range strings.Split(stdout, "\n") {
		if strings.Contains(line, "builds/") {
			if idx := strings.Index(line, "https://console.cloud.google.com"); idx != -1 {
				return strings.TrimSpace(line[idx:])
			}
		}
	}
	return ""
}
