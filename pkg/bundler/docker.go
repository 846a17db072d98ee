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
	"io"
	"strings"

	"github.com/google/go-containerregistry/pkg/compression"
	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/spf13/afero"

	"tpu-toolkit/pkg/logging"
)

// Platforms commonly targeted by accelerator images.
const (
	LinuxAMD64 = "linux/amd64"
	LinuxARM64 = "linux/arm64"
)

// DockerBundler layers the workspace onto a base image and pushes the result
// directly to the registry, without a docker daemon.
type DockerBundler struct {
	fs       afero.Fs
	opts     Options
	platform v1.Platform
}

// NewDockerBundler validates opts for local image building.
func NewDockerBundler(fs afero.Fs, opts Options) (*DockerBundler, error) {
	opts.applyDefaults()
	if opts.Workspace == "" {
		return nil, fmt.Errorf("docker bundler requires a workspace")
	}
	if opts.Repo == "" {
		return nil, fmt.Errorf("docker bundler requires an image repository or project")
	}
	if opts.BaseImage == "" {
		return nil, fmt.Errorf("docker bundler requires a base image")
	}
	platform, err := parsePlatform(opts.Platform)
	if err != nil {
		return nil, err
	}
	return &DockerBundler{fs: fs, opts: opts, platform: platform}, nil
}

// Kind implements Bundler.
func (b *DockerBundler) Kind() Kind { return KindDocker }

// Reference implements Bundler.
func (b *DockerBundler) Reference(jobName string) string {
	return imageReference(b.opts.Repo, jobName, b.opts.Tag)
}

// Bundle implements Bundler.
func (b *DockerBundler) Bundle(ctx context.Context, jobName string) (string, error) {
	ref := b.Reference(jobName)
	logging.Info("Building image %s from base %s", ref, b.opts.BaseImage)

	matcher, err := readIgnorePatterns(b.fs, b.opts.Workspace, b.opts.ExtraIgnores)
	if err != nil {
		return "", err
	}
	archivePath, err := writeFilteredArchive(b.fs, b.opts.Workspace, matcher)
	if err != nil {
		return "", fmt.Errorf("archiving workspace %s: %w", b.opts.Workspace, err)
	}
	defer b.fs.Remove(archivePath)

	layer, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return b.fs.Open(archivePath)
	}, tarball.WithCompression(compression.GZip))
	if err != nil {
		return "", fmt.Errorf("creating layer from workspace archive: %w", err)
	}

	baseRef, err := name.ParseReference(b.opts.BaseImage)
	if err != nil {
		return "", fmt.Errorf("parsing base image reference %q: %w", b.opts.BaseImage, err)
	}
	baseImg, err := crane.Pull(baseRef.String(), crane.WithPlatform(&b.platform), crane.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("pulling base image %q: %w", b.opts.BaseImage, err)
	}
	newImg, err := mutate.AppendLayers(baseImg, layer)
	if err != nil {
		return "", fmt.Errorf("appending workspace layer: %w", err)
	}

	logging.Info("Uploading image to %s", ref)
	if err := crane.Push(newImg, ref, crane.WithContext(ctx)); err != nil {
		return "", fmt.Errorf("pushing image %q: %w", ref, err)
	}
	logging.Info("Image %s built and uploaded successfully.", ref)
	return ref, nil
}

func parsePlatform(platformStr string) (v1.Platform, error) {
	parts := strings.Split(platformStr, "/")
	if len(parts) != 2 {
		return v1.Platform{}, fmt.Errorf("invalid platform format %q, expected \"os/arch\"", platformStr)
	}
	return v1.Platform{OS: parts[0], Architecture: parts[1]}, nil
}
