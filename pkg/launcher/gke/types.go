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
	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// The JobSet custom resource this launcher targets.
const (
	jobSetGroup   = "jobset.x-k8s.io"
	jobSetVersion = "v1alpha2"
	jobSetKind    = "JobSet"
)

// jobSetResource locates JobSet objects on the dynamic client.
var jobSetResource = schema.GroupVersionResource{
	Group:    jobSetGroup,
	Version:  jobSetVersion,
	Resource: "jobsets",
}

// JobSet mirrors the subset of the jobset.x-k8s.io/v1alpha2 JobSet resource
// the launcher emits.
type JobSet struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec JobSetSpec `json:"spec"`
}

// JobSetSpec describes the replicated jobs and the restart budget shared
// across them.
type JobSetSpec struct {
	FailurePolicy  *FailurePolicy  `json:"failurePolicy,omitempty"`
	ReplicatedJobs []ReplicatedJob `json:"replicatedJobs"`
}

// FailurePolicy bounds whole-JobSet restarts. Individual jobs fail fast and
// leave retries to this level.
type FailurePolicy struct {
	MaxRestarts int32 `json:"maxRestarts"`
}

// ReplicatedJob stamps out Replicas copies of a Job template, one per slice.
type ReplicatedJob struct {
	Name     string                  `json:"name"`
	Replicas int32                   `json:"replicas"`
	Template batchv1.JobTemplateSpec `json:"template"`
}
