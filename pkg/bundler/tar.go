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
	"context"
	"fmt"
	"strings"

	"github.com/spf13/afero"

	"tpu-toolkit/pkg/logging"
	"tpu-toolkit/pkg/shell"
)

// bundlePrefix is the object prefix tar bundles are stored under.
const bundlePrefix = "bundles"

// TarBundler uploads a filtered tarball of the workspace to GCS. VM launches
// pull and unpack it on the worker.
type TarBundler struct {
	fs     afero.Fs
	runner shell.Runner
	opts   Options
}

// NewTarBundler validates opts for a tarball upload.
func NewTarBundler(fs afero.Fs, runner shell.Runner, opts Options) (*TarBundler, error) {
	opts.applyDefaults()
	if opts.Workspace == "" {
		return nil, fmt.Errorf("tar bundler requires a workspace")
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("tar bundler requires a bucket")
	}
	// Accept buckets with or without the scheme.
	opts.Bucket = strings.TrimPrefix(opts.Bucket, "gs://")
	return &TarBundler{fs: fs, runner: runner, opts: opts}, nil
}

// Kind implements Bundler.
func (b *TarBundler) Kind() Kind { return KindTar }

// Reference implements Bundler.
func (b *TarBundler) Reference(jobName string) string {
	return fmt.Sprintf("gs://%s/%s/%s.tar.gz", b.opts.Bucket, bundlePrefix, jobName)
}

// Bundle implements Bundler.
func (b *TarBundler) Bundle(ctx context.Context, jobName string) (string, error) {
	matcher, err := readIgnorePatterns(b.fs, b.opts.Workspace, b.opts.ExtraIgnores)
	if err != nil {
		return "", err
	}
	archivePath, err := writeFilteredArchive(b.fs, b.opts.Workspace, matcher)
	if err != nil {
		return "", fmt.Errorf("archiving workspace %s: %w", b.opts.Workspace, err)
	}
	defer b.fs.Remove(archivePath)

	url := b.Reference(jobName)
	logging.Info("Uploading bundle to %s", url)
	result := b.runner.Run(ctx, fmt.Sprintf("gcloud storage cp %s %s", archivePath, url))
	if !result.Ok() {
		return "", fmt.Errorf("uploading bundle to %s failed with exit code %d: %s",
			url, result.ExitCode, result.Stderr)
	}
	return url, nil
}
