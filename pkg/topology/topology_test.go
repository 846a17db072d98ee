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

package topology

import (
	"errors"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		instanceType string
		want         System
	}{
		{"tpu-v4-8", System{GKEAccelerator: "tpu-v4-podslice", Topology: "2x2x1", ChipsPerVM: 4, VMsPerSlice: 1}},
		{"tpu-v4-128", System{GKEAccelerator: "tpu-v4-podslice", Topology: "4x4x4", ChipsPerVM: 4, VMsPerSlice: 16}},
		{"tpu-v5litepod-16", System{GKEAccelerator: "tpu-v5-lite-podslice", Topology: "4x4", ChipsPerVM: 4, VMsPerSlice: 4}},
		{"tpu-v5litepod-256", System{GKEAccelerator: "tpu-v5-lite-podslice", Topology: "16x16", ChipsPerVM: 4, VMsPerSlice: 64}},
		{"tpu-v5p-16", System{GKEAccelerator: "tpu-v5p-slice", Topology: "2x2x2", ChipsPerVM: 4, VMsPerSlice: 2}},
	}
	for _, tc := range tests {
		t.Run(tc.instanceType, func(t *testing.T) {
			got, err := Lookup(tc.instanceType)
			if err != nil {
				t.Fatalf("Lookup(%q): unexpected error %v", tc.instanceType, err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Lookup(%q) mismatch (-want +got):\n%s", tc.instanceType, diff)
			}
		})
	}
}

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup("tpu-v4-9")
	var nfe *NotFoundError
	if !errors.As(err, &nfe) {
		t.Fatalf("Lookup: got error %v, want NotFoundError", err)
	}
	if nfe.Suggestion != "tpu-v4-8" {
		t.Errorf("Suggestion = %q, want %q", nfe.Suggestion, "tpu-v4-8")
	}
}

func TestLookupUnknownNoSuggestion(t *testing.T) {
	_, err := Lookup("m2-ultramem-416")
	var nfe *NotFoundError
	if !errors.As(err, &nfe) {
		t.Fatalf("Lookup: got error %v, want NotFoundError", err)
	}
	if nfe.Suggestion != "" {
		t.Errorf("Suggestion = %q, want none for a distant name", nfe.Suggestion)
	}
}

func TestInstanceTypesSorted(t *testing.T) {
	types := InstanceTypes()
	if len(types) != len(systems) {
		t.Fatalf("InstanceTypes returned %d entries, want %d", len(types), len(systems))
	}
	if !sort.StringsAreSorted(types) {
		t.Errorf("InstanceTypes not sorted: %v", types)
	}
}
