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

package gke

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/exp/maps"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"tpu-toolkit/pkg/config"
	"tpu-toolkit/pkg/logging"
	"tpu-toolkit/pkg/topology"
)

// tpuResourceName is the extended resource TPU chips are requested under.
const tpuResourceName = "google.com/tpu"

// gcsFuseVolume names the ephemeral CSI volume backing a GCS FUSE mount.
const gcsFuseVolume = "gcs-fuse-csi-ephemeral"

// GCSFuseMount configures the GCS FUSE sidecar and ephemeral volume mount.
type GCSFuseMount struct {
	// GCSPath is the mounted path, including the gs:// prefix.
	GCSPath string
	// MountPath is where the bucket appears inside the container.
	MountPath string
	// CPU is the sidecar CPU limit. Increase if higher throughput is needed.
	CPU string
	// Memory is the sidecar memory limit, proportional to the number of
	// files processed rather than their size.
	Memory string
	// EphemeralStorage stages temp files before they upload to GCS.
	EphemeralStorage string
	// ReadOnly mounts the bucket read-only.
	ReadOnly bool
}

func (m *GCSFuseMount) applyDefaults() {
	if m.MountPath == "" {
		m.MountPath = "/output"
	}
	if m.CPU == "" {
		m.CPU = "250m"
	}
	if m.Memory == "" {
		m.Memory = "256Mi"
	}
	if m.EphemeralStorage == "" {
		m.EphemeralStorage = "5Gi"
	}
}

func (m *GCSFuseMount) validate() error {
	u, err := url.Parse(m.GCSPath)
	if err != nil || u.Scheme != "gs" || u.Host == "" {
		return fmt.Errorf("GCS FUSE path %q must be a gs:// URL", m.GCSPath)
	}
	return nil
}

// bucketAndPrefix splits the gs:// URL into the bucket and the only-dir
// prefix. Validation has already established the URL parses.
func (m *GCSFuseMount) bucketAndPrefix() (string, string) {
	u, _ := url.Parse(m.GCSPath)
	return u.Host, strings.TrimLeft(u.Path, "/")
}

// Compile renders the JobSet for a job. It is a pure function of its inputs;
// compiling the same inputs twice yields identical manifests, so the output
// can be diffed, stored, or submitted interchangeably.
func Compile(cfg Config, sys topology.System, image, tier string) *JobSet {
	return &JobSet{
		TypeMeta: metav1.TypeMeta{
			APIVersion: jobSetGroup + "/" + jobSetVersion,
			Kind:       jobSetKind,
		},
		ObjectMeta: metav1.ObjectMeta{
			Name: cfg.Name,
			Annotations: map[string]string{
				// Adds affinity rules so all pods schedule onto the same
				// slice node pools.
				"alpha.jobset.sigs.k8s.io/exclusive-topology": "cloud.google.com/gke-nodepool",
			},
		},
		Spec: JobSetSpec{
			// Jobs fail fast; restarts happen here.
			FailurePolicy: &FailurePolicy{MaxRestarts: int32(cfg.MaxTries - 1)},
			ReplicatedJobs: []ReplicatedJob{
				{
					// The suffix this name contributes bounds how long job
					// names can be.
					Name:     "job",
					Replicas: int32(cfg.Accelerator.NumReplicas),
					Template: buildJob(cfg, sys, image, tier),
				},
			},
		},
	}
}

func buildJob(cfg Config, sys topology.System, image, tier string) batchv1.JobTemplateSpec {
	return batchv1.JobTemplateSpec{
		Spec: batchv1.JobSpec{
			Parallelism: ptr.To(int32(sys.VMsPerSlice)),
			Completions: ptr.To(int32(sys.VMsPerSlice)),
			// Fail the job if any node fails. Retries happen at the JobSet
			// level.
			BackoffLimit: ptr.To(int32(0)),
			Template:     buildPod(cfg, sys, image, tier),
		},
	}
}

func buildPod(cfg Config, sys topology.System, image, tier string) corev1.PodTemplateSpec {
	annotations := map[string]string{}
	selector := map[string]string{}
	var volumes []corev1.Volume

	if cfg.GCSFuseMount != nil {
		annotations["gke-gcsfuse/volumes"] = "true"
		annotations["gke-gcsfuse/cpu-limit"] = cfg.GCSFuseMount.CPU
		annotations["gke-gcsfuse/memory-limit"] = cfg.GCSFuseMount.Memory
		annotations["gke-gcsfuse/ephemeral-storage-limit"] = cfg.GCSFuseMount.EphemeralStorage

		bucket, prefix := cfg.GCSFuseMount.bucketAndPrefix()
		volumes = append(volumes, corev1.Volume{
			Name: gcsFuseVolume,
			VolumeSource: corev1.VolumeSource{
				CSI: &corev1.CSIVolumeSource{
					Driver:   "gcsfuse.csi.storage.gke.io",
					ReadOnly: ptr.To(cfg.GCSFuseMount.ReadOnly),
					VolumeAttributes: map[string]string{
						"bucketName":   bucket,
						"mountOptions": "only-dir=" + prefix,
					},
				},
			},
		})
	}

	// Tier "0" is entitled to reserved capacity; anything else runs on
	// preemptible capacity.
	if tier == config.TierReserved && cfg.Reservation != "" {
		logging.Info("Found tier=%s in env. Using reservation=%s", tier, cfg.Reservation)
		selector["cloud.google.com/reservation-name"] = cfg.Reservation
	} else {
		selector["cloud.google.com/gke-spot"] = "true"
	}

	nodeSelector := map[string]string{
		"cloud.google.com/gke-tpu-accelerator": sys.GKEAccelerator,
		"cloud.google.com/gke-tpu-topology":    sys.Topology,
		// An arbitrary key whose value must be unique to the JobSet. It
		// pins the JobSet to its own node pool so a restart cannot collide
		// with another workload scheduled onto the same freshly provisioned
		// pool.
		"provisioner-nodepool-id": cfg.Name,
	}
	maps.Copy(nodeSelector, selector)

	return corev1.PodTemplateSpec{
		ObjectMeta: metav1.ObjectMeta{Annotations: annotations},
		Spec: corev1.PodSpec{
			// hostNetwork and dnsPolicy stay unset for Workload Identity
			// compatibility.
			TerminationGracePeriodSeconds: ptr.To(int64(60)),
			// Fail if any pod fails; the JobSet level owns retries.
			RestartPolicy:      corev1.RestartPolicyNever,
			NodeSelector:       nodeSelector,
			Containers:         []corev1.Container{buildContainer(cfg, sys, image)},
			ServiceAccountName: cfg.ServiceAccount,
			Volumes:            volumes,
		},
	}
}

func buildContainer(cfg Config, sys topology.System, image string) corev1.Container {
	var volumeMounts []corev1.VolumeMount
	if cfg.GCSFuseMount != nil {
		volumeMounts = append(volumeMounts, corev1.VolumeMount{
			Name:      gcsFuseVolume,
			MountPath: cfg.GCSFuseMount.MountPath,
			ReadOnly:  cfg.GCSFuseMount.ReadOnly,
		})
	}

	names := maps.Keys(cfg.EnvVars)
	sort.Strings(names)
	env := make([]corev1.EnvVar, 0, len(names))
	for _, name := range names {
		env = append(env, corev1.EnvVar{Name: name, Value: cfg.EnvVars[name]})
	}

	return corev1.Container{
		Name:  cfg.Name,
		Image: image,
		Ports: []corev1.ContainerPort{
			{ContainerPort: 8471}, // Inter-VM communication within a slice.
			{ContainerPort: 8080}, // MXLA coordinator.
			{ContainerPort: 8431}, // TPU runtime metrics export.
		},
		SecurityContext: &corev1.SecurityContext{Privileged: ptr.To(true)},
		Command:         []string{"bash", "-c", cfg.Command},
		Resources: corev1.ResourceRequirements{
			Limits: corev1.ResourceList{
				tpuResourceName: resource.MustParse(fmt.Sprint(sys.ChipsPerVM)),
			},
		},
		Env:          env,
		VolumeMounts: volumeMounts,
	}
}
