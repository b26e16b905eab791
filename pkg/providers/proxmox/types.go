/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package goproxmox

// VMInfo is one entry of the node VM listing.
type VMInfo struct {
	VMID   int
	Name   string
	Status string
	Tags   []string
}

// Running reports whether the VM is up.
func (v VMInfo) Running() bool {
	return v.Status == "running"
}

// VMStatus is the point-in-time status of a single VM.
type VMStatus struct {
	Present bool
	Running bool
	Tags    []string
}

// VMCreateRequest describes the VM shell created for a new group member.
type VMCreateRequest struct {
	VMID     int
	Name     string
	Cores    int
	MemoryMB int
	DiskGB   int
	Tags     []string
}
