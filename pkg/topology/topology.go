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

// Package topology maps accelerator instance types to their slice geometry.
package topology

import (
	"fmt"
	"sort"

	"github.com/agext/levenshtein"
	"golang.org/x/exp/maps"
)

// System describes the hardware geometry behind one instance type. Scheduling
// and resource requests are derived from it rather than from the type name.
type System struct {
	// GKEAccelerator is the value for the gke-tpu-accelerator node selector.
	GKEAccelerator string
	// Topology is the physical chip arrangement, e.g. "2x2x2".
	Topology string
	// ChipsPerVM is the number of accelerator chips attached to each VM.
	ChipsPerVM int
	// VMsPerSlice is the number of worker VMs forming one slice.
	VMsPerSlice int
}

var systems = map[string]System{
	"tpu-v4-8":          {GKEAccelerator: "tpu-v4-podslice", Topology: "2x2x1", ChipsPerVM: 4, VMsPerSlice: 1},
	"tpu-v4-16":         {GKEAccelerator: "tpu-v4-podslice", Topology: "2x2x2", ChipsPerVM: 4, VMsPerSlice: 2},
	"tpu-v4-32":         {GKEAccelerator: "tpu-v4-podslice", Topology: "2x2x4", ChipsPerVM: 4, VMsPerSlice: 4},
	"tpu-v4-128":        {GKEAccelerator: "tpu-v4-podslice", Topology: "4x4x4", ChipsPerVM: 4, VMsPerSlice: 16},
	"tpu-v5litepod-4":   {GKEAccelerator: "tpu-v5-lite-podslice", Topology: "2x2", ChipsPerVM: 4, VMsPerSlice: 1},
	"tpu-v5litepod-16":  {GKEAccelerator: "tpu-v5-lite-podslice", Topology: "4x4", ChipsPerVM: 4, VMsPerSlice: 4},
	"tpu-v5litepod-32":  {GKEAccelerator: "tpu-v5-lite-podslice", Topology: "4x8", ChipsPerVM: 4, VMsPerSlice: 8},
	"tpu-v5litepod-256": {GKEAccelerator: "tpu-v5-lite-podslice", Topology: "16x16", ChipsPerVM: 4, VMsPerSlice: 64},
	"tpu-v5p-8":         {GKEAccelerator: "tpu-v5p-slice", Topology: "2x2x1", ChipsPerVM: 4, VMsPerSlice: 1},
	"tpu-v5p-16":        {GKEAccelerator: "tpu-v5p-slice", Topology: "2x2x2", ChipsPerVM: 4, VMsPerSlice: 2},
}

// maxSuggestionDistance caps how far a typo can be from a known type before
// the error stops suggesting it.
const maxSuggestionDistance = 5

// NotFoundError reports an instance type missing from the geometry table,
// with the closest known type when one is plausibly a typo away.
type NotFoundError struct {
	InstanceType string
	Suggestion   string
}

func (e *NotFoundError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("unknown accelerator instance type %q (closest match: %q)", e.InstanceType, e.Suggestion)
	}
	return fmt.Sprintf("unknown accelerator instance type %q", e.InstanceType)
}

// Lookup returns the system geometry for an instance type.
func Lookup(instanceType string) (System, error) {
	if sys, ok := systems[instanceType]; ok {
		return sys, nil
	}
	return System{}, &NotFoundError{
		InstanceType: instanceType,
		Suggestion:   closestTo(instanceType),
	}
}

// InstanceTypes lists all known instance types in sorted order.
func InstanceTypes() []string {
	types := maps.Keys(systems)
	sort.Strings(types)
	return types
}

func closestTo(instanceType string) string {
	best, bestDist := "", maxSuggestionDistance+1
	for _, known := range InstanceTypes() {
		if d := levenshtein.Distance(instanceType, known, nil); d < bestDist {
			best, bestDist = known, d
		}
	}
	return best
}
