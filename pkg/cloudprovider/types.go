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

package cloudprovider

import "github.com/pkg/errors"

var (
	// ErrOutOfRange rejects size changes outside [min_size, max_size] or a
	// shrink below the live floor.
	ErrOutOfRange = errors.New("requested size out of range")
	// ErrNotFound marks groups or nodes unknown to the provider.
	ErrNotFound = errors.New("not found")
)

// NodeGroupSummary is the static description of a group returned to the
// autoscaler.
type NodeGroupSummary struct {
	ID      string
	MinSize int
	MaxSize int
	Debug   string
}

// ExternalNode is the autoscaler's view of a kubernetes node referenced in
// a request.
type ExternalNode struct {
	Name       string
	ProviderID string
	Labels     map[string]string
}

// InstanceState mirrors the autoscaler's coarse instance lifecycle.
type InstanceState int

const (
	// InstanceCreating - the VM exists but its node has not registered yet.
	InstanceCreating InstanceState = iota + 1
	// InstanceRunning - the node registered and is serving.
	InstanceRunning
	// InstanceDeleting - the VM is on the teardown path.
	InstanceDeleting
)

// Instance is one group member reported to the autoscaler.
type Instance struct {
	// ProviderID is proxmox://<group_id>/<vmid>.
	ProviderID string
	State      InstanceState
}
