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

package gcp

import "cloud.google.com/go/compute/metadata"

// RunningOnGCE reports whether the process runs on a GCE VM, where worker VMs
// are reachable over internal IPs and GCE SSH keys need refreshing.
func RunningOnGCE() bool {
	return metadata.OnGCE()
}
