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

// Package gke launches jobs as JobSets on a GKE cluster. The manifest is
// compiled locally from the job configuration and either submitted through
// the cluster API or written to a file for inspection.
package gke

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"sigs.k8s.io/yaml"

	"tpu-toolkit/pkg/bundler"
	"tpu-toolkit/pkg/config"
	"tpu-toolkit/pkg/launcher"
	"tpu-toolkit/pkg/logging"
	"tpu-toolkit/pkg/shell"
	"tpu-toolkit/pkg/topology"
)

// jobSetNameLabel is the label the JobSet controller stamps onto child jobs.
const jobSetNameLabel = "jobset.sigs.k8s.io/jobset-name"

var jobResource = schema.GroupVersionResource{Group: "batch", Version: "v1", Resource: "jobs"}

// Config configures a GKE job.
type Config struct {
	launcher.Config
	Accelerator launcher.Accelerator

	// Cluster is the GKE cluster JobSets are submitted to.
	Cluster string
	// Namespace is the target namespace. Defaults to "default".
	Namespace string
	// EnvVars are injected into the workload container.
	EnvVars map[string]string
	// Reservation names a capacity reservation. It only takes effect when
	// the scheduling tier grants reserved capacity.
	Reservation string
	// GCSFuseMount, when set, mounts a GCS path into the container.
	GCSFuseMount *GCSFuseMount
	// OutputManifest, when set, writes the compiled manifest to this path
	// instead of submitting it.
	OutputManifest string
}

// Job compiles and submits a JobSet for a TPU workload. Construct with
// NewJob; a Job that constructs is ready to execute.
type Job struct {
	cfg    Config
	sys    topology.System
	bundle bundler.Bundler
	runner shell.Runner
	dyn    dynamic.Interface

	mu        sync.Mutex
	submitted bool
	deleted   bool
}

// Option adjusts how a Job talks to the outside world.
type Option func(*Job)

// WithRunner substitutes the shell runner used for gcloud and kubectl calls.
func WithRunner(r shell.Runner) Option {
	return func(j *Job) { j.runner = r }
}

// WithDynamicClient substitutes the cluster client. A job with an injected
// client skips credential setup.
func WithDynamicClient(client dynamic.Interface) Option {
	return func(j *Job) { j.dyn = client }
}

// NewJob validates cfg and builds a Job. The bundler must produce a
// container image; bundle-only kinds cannot feed a pod spec and are rejected
// here, before any cluster call.
func NewJob(cfg Config, b bundler.Bundler, opts ...Option) (*Job, error) {
	if err := cfg.Config.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Accelerator.Validate(); err != nil {
		return nil, errors.Wrapf(err, "job %s", cfg.Name)
	}
	if cfg.Cluster == "" {
		return nil, errors.Errorf("job %s has no cluster", cfg.Name)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if b == nil {
		return nil, errors.Errorf("job %s has no bundler", cfg.Name)
	}
	if !b.Kind().ProducesImage() {
		return nil, errors.Errorf("bundler kind %s does not produce a container image, use %s or %s",
			b.Kind(), bundler.KindDocker, bundler.KindCloudBuild)
	}
	sys, err := topology.Lookup(cfg.Accelerator.InstanceType)
	if err != nil {
		return nil, errors.Wrapf(err, "job %s", cfg.Name)
	}
	if cfg.GCSFuseMount != nil {
		cfg.GCSFuseMount.applyDefaults()
		if err := cfg.GCSFuseMount.validate(); err != nil {
			return nil, errors.Wrapf(err, "job %s", cfg.Name)
		}
	}

	j := &Job{cfg: cfg, sys: sys, bundle: b, runner: shell.NewRunner()}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Manifest compiles the JobSet for this job under the current scheduling
// tier. The image reference comes from the bundler, so the manifest matches
// what Bundle uploads.
func (j *Job) Manifest() *JobSet {
	return Compile(j.cfg, j.sys, j.bundle.Reference(j.cfg.Name), config.SchedulingTier())
}

// Execute compiles the JobSet and submits it to the cluster, or writes it to
// cfg.OutputManifest when that is set. A job submits at most once; restarts
// beyond the first submission belong to the JobSet failure policy.
func (j *Job) Execute(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.submitted {
		return errors.Errorf("job %s was already submitted", j.cfg.Name)
	}

	js := j.Manifest()
	if j.cfg.OutputManifest != "" {
		return writeManifest(js, j.cfg.OutputManifest)
	}

	if err := j.connect(ctx); err != nil {
		return err
	}
	if err := EnsureJobSetCRD(ctx, j.runner); err != nil {
		return err
	}

	obj, err := runtime.DefaultUnstructuredConverter.ToUnstructured(js)
	if err != nil {
		return errors.Wrapf(err, "converting JobSet %s", j.cfg.Name)
	}
	logging.Info("Submitting JobSet %s/%s to cluster %s.", j.cfg.Namespace, j.cfg.Name, j.cfg.Cluster)
	_, err = j.dyn.Resource(jobSetResource).Namespace(j.cfg.Namespace).
		Create(ctx, &unstructured.Unstructured{Object: obj}, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return errors.Errorf("JobSet %s already exists in namespace %s, delete it before resubmitting",
			j.cfg.Name, j.cfg.Namespace)
	}
	if err != nil {
		return errors.Wrapf(err, "creating JobSet %s", j.cfg.Name)
	}
	j.submitted = true
	return nil
}

// Delete tears the submitted JobSet down. See DeleteJobSet for the deletion
// semantics; deleting the same Job twice is a no-op.
func (j *Job) Delete(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.deleted {
		return nil
	}
	if err := j.connect(ctx); err != nil {
		return err
	}
	DeleteJobSet(ctx, j.dyn, j.cfg.Namespace, j.cfg.Name)
	j.deleted = true
	return nil
}

// DeleteJobSet removes a JobSet and proactively deletes its child jobs; the
// controller does not always cascade promptly. Deletion is advisory cleanup:
// a missing JobSet and partial failures are logged, not escalated, and the
// call does not wait for descendants to disappear.
func DeleteJobSet(ctx context.Context, client dynamic.Interface, namespace, name string) {
	propagation := metav1.DeletePropagationBackground
	deleteOpts := metav1.DeleteOptions{PropagationPolicy: &propagation}

	logging.Info("Deleting JobSet %s/%s.", namespace, name)
	err := client.Resource(jobSetResource).Namespace(namespace).Delete(ctx, name, deleteOpts)
	switch {
	case apierrors.IsNotFound(err):
		logging.Info("JobSet %s/%s not found, nothing to delete.", namespace, name)
	case err != nil:
		logging.Warn("Failed to delete JobSet %s/%s: %v", namespace, name, err)
	}

	err = client.Resource(jobResource).Namespace(namespace).
		DeleteCollection(ctx, deleteOpts, metav1.ListOptions{
			LabelSelector: jobSetNameLabel + "=" + name,
		})
	if err != nil {
		logging.Warn("Failed to delete jobs of JobSet %s/%s: %v", namespace, name, err)
	}
}

// connect establishes the cluster client unless one was injected.
func (j *Job) connect(ctx context.Context) error {
	if j.dyn != nil {
		return nil
	}
	dyn, err := Connect(ctx, j.runner, j.cfg.Cluster, j.cfg.Zone, j.cfg.Project)
	if err != nil {
		return err
	}
	j.dyn = dyn
	return nil
}

func writeManifest(js *JobSet, path string) error {
	data, err := yaml.Marshal(js)
	if err != nil {
		return errors.Wrapf(err, "marshaling JobSet %s", js.Name)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "writing manifest for JobSet %s", js.Name)
	}
	logging.Info("Wrote JobSet manifest to %s.", path)
	return nil
}
