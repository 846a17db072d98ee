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

// Package bundler packages a local workspace and delivers it to where a job
// runs: a container registry for cluster launches, or a GCS bucket for
// tarball deployment onto VMs.
package bundler

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/afero"

	"tpu-toolkit/pkg/shell"
)

// Kind identifies a bundling strategy. The set is closed; flavors gate on it
// rather than on concrete bundler types.
type Kind string

const (
	// KindDocker builds an image locally by appending the workspace as a
	// layer onto a base image, then pushes it. No docker daemon is needed.
	KindDocker Kind = "docker"
	// KindCloudBuild delegates the image build to Cloud Build.
	KindCloudBuild Kind = "cloudbuild"
	// KindTar uploads a filtered tarball of the workspace to GCS.
	KindTar Kind = "tar"
)

// Kinds lists every supported bundling strategy.
func Kinds() []Kind {
	return []Kind{KindDocker, KindCloudBuild, KindTar}
}

// ParseKind validates flag input against the known strategies.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if s == string(k) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown bundler %q, must be one of %v", s, Kinds())
}

// ProducesImage reports whether the strategy yields a container image
// reference. Cluster launches require one.
func (k Kind) ProducesImage() bool {
	return k == KindDocker || k == KindCloudBuild
}

// Bundler packages a workspace for a named job.
type Bundler interface {
	// Kind identifies the strategy.
	Kind() Kind
	// Reference returns where the bundle for a job lands: an image
	// reference for image bundlers, a gs:// URL for the tar bundler. It is
	// stable across calls so manifests and uploads agree.
	Reference(name string) string
	// Bundle packages the workspace, uploads it, and returns Reference(name).
	Bundle(ctx context.Context, name string) (string, error)
}

// Options configures any bundler kind; constructors validate the fields
// their kind needs.
type Options struct {
	// Workspace is the directory to package.
	Workspace string
	// Project is the GCP project builds and uploads are billed to.
	Project string
	// Repo is the image repository, e.g. gcr.io/my-project. Defaults to
	// gcr.io/{Project}.
	Repo string
	// Tag is the image tag. Defaults to "latest".
	Tag string
	// BaseImage is the image the workspace layer is appended onto.
	BaseImage string
	// Dockerfile is the path Cloud Build builds from, relative to the
	// workspace. Defaults to "Dockerfile".
	Dockerfile string
	// Platform is the target platform, e.g. "linux/amd64".
	Platform string
	// Bucket receives tar bundles.
	Bucket string
	// ExtraIgnores are patterns excluded in addition to the workspace's
	// .dockerignore.
	ExtraIgnores []string
}

func (o *Options) applyDefaults() {
	if o.Repo == "" && o.Project != "" {
		o.Repo = "gcr.io/" + o.Project
	}
	if o.Tag == "" {
		o.Tag = "latest"
	}
	if o.Dockerfile == "" {
		o.Dockerfile = "Dockerfile"
	}
	if o.Platform == "" {
		o.Platform = LinuxAMD64
	}
	o.Bucket = strings.TrimPrefix(o.Bucket, "gs://")
}

// New returns the bundler for kind, backed by the local filesystem and shell.
func New(kind Kind, opts Options) (Bundler, error) {
	fs := afero.NewOsFs()
	runner := shell.NewRunner()
	switch kind {
	case KindDocker:
		return NewDockerBundler(fs, opts)
	case KindCloudBuild:
		return NewCloudBuildBundler(runner, opts)
	case KindTar:
		return NewTarBundler(fs, runner, opts)
	default:
		return nil, fmt.Errorf("unknown bundler %q, must be one of %v", kind, Kinds())
	}
}

func imageReference(repo, name, tag string) string {
	return fmt.Sprintf("%s/%s:%s", repo, name, tag)
}
