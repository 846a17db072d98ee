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
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/yaml"

	"tpu-toolkit/pkg/config"
	"tpu-toolkit/pkg/launcher"
	"tpu-toolkit/pkg/topology"
)

const testImage = "gcr.io/my-proj/train:latest"

func testConfig() Config {
	return Config{
		Config: launcher.Config{
			Name:           "train",
			Command:        "python3 train.py",
			Project:        "my-proj",
			Zone:           "us-central2-b",
			ServiceAccount: "sa@my-proj.iam.gserviceaccount.com",
			MaxTries:       3,
		},
		Accelerator: launcher.Accelerator{InstanceType: "tpu-v4-32", NumReplicas: 2},
		Cluster:     "tpu-cluster",
		Namespace:   "default",
	}
}

func testSystem(t *testing.T) topology.System {
	t.Helper()
	sys, err := topology.Lookup("tpu-v4-32")
	if err != nil {
		t.Fatalf("Lookup(tpu-v4-32) failed: %v", err)
	}
	return sys
}

func compiledPod(t *testing.T, js *JobSet) corev1.PodTemplateSpec {
	t.Helper()
	if len(js.Spec.ReplicatedJobs) != 1 {
		t.Fatalf("Expected 1 replicated job, got %d", len(js.Spec.ReplicatedJobs))
	}
	return js.Spec.ReplicatedJobs[0].Template.Spec.Template
}

func TestCompileJobSet(t *testing.T) {
	js := Compile(testConfig(), testSystem(t), testImage, "")

	if js.APIVersion != "jobset.x-k8s.io/v1alpha2" {
		t.Errorf("Expected apiVersion jobset.x-k8s.io/v1alpha2, got %q", js.APIVersion)
	}
	if js.Kind != "JobSet" {
		t.Errorf("Expected kind JobSet, got %q", js.Kind)
	}
	if js.Name != "train" {
		t.Errorf("Expected name train, got %q", js.Name)
	}
	if got := js.Annotations["alpha.jobset.sigs.k8s.io/exclusive-topology"]; got != "cloud.google.com/gke-nodepool" {
		t.Errorf("Expected exclusive-topology annotation cloud.google.com/gke-nodepool, got %q", got)
	}

	if js.Spec.FailurePolicy == nil || js.Spec.FailurePolicy.MaxRestarts != 2 {
		t.Errorf("Expected maxRestarts 2 for 3 tries, got %+v", js.Spec.FailurePolicy)
	}
	rj := js.Spec.ReplicatedJobs[0]
	if rj.Name != "job" {
		t.Errorf("Expected replicated job name job, got %q", rj.Name)
	}
	if rj.Replicas != 2 {
		t.Errorf("Expected replicas 2, got %d", rj.Replicas)
	}

	jobSpec := rj.Template.Spec
	if jobSpec.Parallelism == nil || *jobSpec.Parallelism != 4 {
		t.Errorf("Expected parallelism 4, got %v", jobSpec.Parallelism)
	}
	if jobSpec.Completions == nil || *jobSpec.Completions != 4 {
		t.Errorf("Expected completions 4, got %v", jobSpec.Completions)
	}
	if jobSpec.BackoffLimit == nil || *jobSpec.BackoffLimit != 0 {
		t.Errorf("Expected backoffLimit 0, got %v", jobSpec.BackoffLimit)
	}
}

func TestCompilePod(t *testing.T) {
	pod := compiledPod(t, Compile(testConfig(), testSystem(t), testImage, ""))

	if pod.Spec.TerminationGracePeriodSeconds == nil || *pod.Spec.TerminationGracePeriodSeconds != 60 {
		t.Errorf("Expected termination grace period 60, got %v", pod.Spec.TerminationGracePeriodSeconds)
	}
	if pod.Spec.RestartPolicy != corev1.RestartPolicyNever {
		t.Errorf("Expected restartPolicy Never, got %q", pod.Spec.RestartPolicy)
	}
	if pod.Spec.ServiceAccountName != "sa@my-proj.iam.gserviceaccount.com" {
		t.Errorf("Expected service account from config, got %q", pod.Spec.ServiceAccountName)
	}

	wantSelector := map[string]string{
		"cloud.google.com/gke-tpu-accelerator": "tpu-v4-podslice",
		"cloud.google.com/gke-tpu-topology":    "2x2x4",
		"provisioner-nodepool-id":              "train",
		"cloud.google.com/gke-spot":            "true",
	}
	if diff := cmp.Diff(wantSelector, pod.Spec.NodeSelector); diff != "" {
		t.Errorf("Node selector mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileContainer(t *testing.T) {
	cfg := testConfig()
	cfg.EnvVars = map[string]string{"XLA_FLAGS": "--xla_dump_to=/tmp", "EPOCHS": "10", "LR": "3e-4"}
	pod := compiledPod(t, Compile(cfg, testSystem(t), testImage, ""))

	if len(pod.Spec.Containers) != 1 {
		t.Fatalf("Expected 1 container, got %d", len(pod.Spec.Containers))
	}
	ctr := pod.Spec.Containers[0]

	if ctr.Name != "train" {
		t.Errorf("Expected container name train, got %q", ctr.Name)
	}
	if ctr.Image != testImage {
		t.Errorf("Expected image %q, got %q", testImage, ctr.Image)
	}
	if diff := cmp.Diff([]string{"bash", "-c", "python3 train.py"}, ctr.Command); diff != "" {
		t.Errorf("Command mismatch (-want +got):\n%s", diff)
	}
	if ctr.SecurityContext == nil || ctr.SecurityContext.Privileged == nil || !*ctr.SecurityContext.Privileged {
		t.Errorf("Expected a privileged container, got %+v", ctr.SecurityContext)
	}

	wantPorts := []corev1.ContainerPort{{ContainerPort: 8471}, {ContainerPort: 8080}, {ContainerPort: 8431}}
	if diff := cmp.Diff(wantPorts, ctr.Ports); diff != "" {
		t.Errorf("Ports mismatch (-want +got):\n%s", diff)
	}

	tpus, ok := ctr.Resources.Limits[tpuResourceName]
	if !ok {
		t.Fatalf("Expected a %s limit, got %v", tpuResourceName, ctr.Resources.Limits)
	}
	if tpus.String() != "4" {
		t.Errorf("Expected 4 TPU chips per VM, got %s", tpus.String())
	}

	// Env vars render in name order so manifests are reproducible.
	wantEnv := []corev1.EnvVar{
		{Name: "EPOCHS", Value: "10"},
		{Name: "LR", Value: "3e-4"},
		{Name: "XLA_FLAGS", Value: "--xla_dump_to=/tmp"},
	}
	if diff := cmp.Diff(wantEnv, ctr.Env); diff != "" {
		t.Errorf("Env mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileScheduling(t *testing.T) {
	tests := []struct {
		name            string
		tier            string
		reservation     string
		wantReservation string
		wantSpot        bool
	}{
		{name: "reserved tier with reservation", tier: config.TierReserved, reservation: "tpu-res", wantReservation: "tpu-res"},
		{name: "reserved tier without reservation", tier: config.TierReserved, wantSpot: true},
		{name: "preemptible tier ignores reservation", tier: "1", reservation: "tpu-res", wantSpot: true},
		{name: "no tier", tier: "", reservation: "tpu-res", wantSpot: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Reservation = tt.reservation
			pod := compiledPod(t, Compile(cfg, testSystem(t), testImage, tt.tier))

			gotReservation := pod.Spec.NodeSelector["cloud.google.com/reservation-name"]
			if gotReservation != tt.wantReservation {
				t.Errorf("Expected reservation selector %q, got %q", tt.wantReservation, gotReservation)
			}
			_, gotSpot := pod.Spec.NodeSelector["cloud.google.com/gke-spot"]
			if gotSpot != tt.wantSpot {
				t.Errorf("Expected spot selector %t, got %t", tt.wantSpot, gotSpot)
			}
		})
	}
}

func TestCompileWithoutGCSFuse(t *testing.T) {
	pod := compiledPod(t, Compile(testConfig(), testSystem(t), testImage, ""))

	if len(pod.Annotations) != 0 {
		t.Errorf("Expected no pod annotations, got %v", pod.Annotations)
	}
	if len(pod.Spec.Volumes) != 0 {
		t.Errorf("Expected no volumes, got %v", pod.Spec.Volumes)
	}
	if mounts := pod.Spec.Containers[0].VolumeMounts; len(mounts) != 0 {
		t.Errorf("Expected no volume mounts, got %v", mounts)
	}
}

func TestCompileGCSFuse(t *testing.T) {
	cfg := testConfig()
	cfg.GCSFuseMount = &GCSFuseMount{GCSPath: "gs://my-bucket/runs/42"}
	cfg.GCSFuseMount.applyDefaults()
	pod := compiledPod(t, Compile(cfg, testSystem(t), testImage, ""))

	wantAnnotations := map[string]string{
		"gke-gcsfuse/volumes":                 "true",
		"gke-gcsfuse/cpu-limit":               "250m",
		"gke-gcsfuse/memory-limit":            "256Mi",
		"gke-gcsfuse/ephemeral-storage-limit": "5Gi",
	}
	if diff := cmp.Diff(wantAnnotations, pod.Annotations); diff != "" {
		t.Errorf("Annotations mismatch (-want +got):\n%s", diff)
	}

	if len(pod.Spec.Volumes) != 1 {
		t.Fatalf("Expected 1 volume, got %d", len(pod.Spec.Volumes))
	}
	vol := pod.Spec.Volumes[0]
	if vol.Name != gcsFuseVolume {
		t.Errorf("Expected volume name %q, got %q", gcsFuseVolume, vol.Name)
	}
	if vol.CSI == nil {
		t.Fatalf("Expected a CSI volume, got %+v", vol.VolumeSource)
	}
	if vol.CSI.Driver != "gcsfuse.csi.storage.gke.io" {
		t.Errorf("Expected the gcsfuse CSI driver, got %q", vol.CSI.Driver)
	}
	wantAttrs := map[string]string{"bucketName": "my-bucket", "mountOptions": "only-dir=runs/42"}
	if diff := cmp.Diff(wantAttrs, vol.CSI.VolumeAttributes); diff != "" {
		t.Errorf("Volume attributes mismatch (-want +got):\n%s", diff)
	}

	mounts := pod.Spec.Containers[0].VolumeMounts
	if len(mounts) != 1 {
		t.Fatalf("Expected 1 volume mount, got %d", len(mounts))
	}
	if mounts[0].Name != gcsFuseVolume || mounts[0].MountPath != "/output" || mounts[0].ReadOnly {
		t.Errorf("Expected a writable mount of %s at /output, got %+v", gcsFuseVolume, mounts[0])
	}
}

func TestCompileGCSFuseBucketRoot(t *testing.T) {
	cfg := testConfig()
	cfg.GCSFuseMount = &GCSFuseMount{GCSPath: "gs://my-bucket"}
	cfg.GCSFuseMount.applyDefaults()
	pod := compiledPod(t, Compile(cfg, testSystem(t), testImage, ""))

	attrs := pod.Spec.Volumes[0].CSI.VolumeAttributes
	if attrs["bucketName"] != "my-bucket" {
		t.Errorf("Expected bucket my-bucket, got %q", attrs["bucketName"])
	}
	if attrs["mountOptions"] != "only-dir=" {
		t.Errorf("Expected empty only-dir at the bucket root, got %q", attrs["mountOptions"])
	}
}

func TestCompileDeterministic(t *testing.T) {
	cfg := testConfig()
	cfg.EnvVars = map[string]string{"A": "1", "B": "2", "C": "3", "D": "4"}

	first, err := yaml.Marshal(Compile(cfg, testSystem(t), testImage, ""))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	second, err := yaml.Marshal(Compile(cfg, testSystem(t), testImage, ""))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("Expected identical manifests across compiles, got:\n%s\n---\n%s", first, second)
	}
}

func TestGCSFuseMountValidate(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{path: "gs://bucket/dir", wantErr: false},
		{path: "gs://bucket", wantErr: false},
		{path: "s3://bucket/dir", wantErr: true},
		{path: "bucket/dir", wantErr: true},
		{path: "", wantErr: true},
	}

	for _, tt := range tests {
		m := &GCSFuseMount{GCSPath: tt.path}
		if err := m.validate(); (err != nil) != tt.wantErr {
			t.Errorf("validate(%q) error = %v, wantErr %t", tt.path, err, tt.wantErr)
		}
	}
}

func TestGCSFuseMountDefaults(t *testing.T) {
	m := &GCSFuseMount{GCSPath: "gs://bucket/dir"}
	m.applyDefaults()

	if m.MountPath != "/output" || m.CPU != "250m" || m.Memory != "256Mi" || m.EphemeralStorage != "5Gi" {
		t.Errorf("Unexpected defaults: %+v", m)
	}
}
