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

// Package groupcontext joins the Proxmox tag view and the state store view
// into a coherent per-group inventory. It is stateless; a snapshot is built
// fresh each reconcile tick.
package groupcontext

import (
	"context"
	"sort"

	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/apis"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/config"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/lifecycle"
	goproxmox "github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/providers/proxmox"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/store"
)

// VMView is the outer join of one vmid across the store and Proxmox.
type VMView struct {
	VMID int

	// Record is the store row, nil for an orphan.
	Record *store.VM
	// Proxmox is the live VM, nil when Proxmox no longer has it.
	Proxmox *goproxmox.VMInfo
}

// Tracked reports whether the store owns a row for this VM.
func (v VMView) Tracked() bool { return v.Record != nil }

// Present reports whether the VM exists on Proxmox.
func (v VMView) Present() bool { return v.Proxmox != nil }

// Running reports whether Proxmox sees the VM running.
func (v VMView) Running() bool { return v.Proxmox != nil && v.Proxmox.Running() }

// Snapshot is the per-group inventory of one reconcile tick.
type Snapshot struct {
	Group   config.NodeGroup
	Desired int
	VMs     []VMView
}

// Live counts the rows in pending or active.
func (s Snapshot) Live() int {
	live := 0

	for _, vm := range s.VMs {
		if vm.Record != nil && lifecycle.Live(vm.Record.State) {
			live++
		}
	}

	return live
}

// Context builds group snapshots.
type Context struct {
	cfg     *config.Config
	proxmox goproxmox.API
	store   *store.Store
}

// New creates a group context over the store and the Proxmox adapter.
func New(cfg *config.Config, px goproxmox.API, st *store.Store) *Context {
	return &Context{cfg: cfg, proxmox: px, store: st}
}

// EnsureDesired returns the group's desired size, initializing it on first
// read to max(min_size, live rows) so a restart never shrinks a group that
// was already scaled out.
func (c *Context) EnsureDesired(group config.NodeGroup) (int, error) {
	desired, err := c.store.GetDesired(group.ID)
	if err == nil {
		return desired, nil
	}

	vms, err := c.store.ListVMs(group.ID)
	if err != nil {
		return 0, err
	}

	observed := 0

	for _, vm := range vms {
		if lifecycle.Live(vm.State) {
			observed++
		}
	}

	baseline := max(group.MinSize, observed)

	return c.store.InitDesired(group.ID, baseline)
}

// Snapshot outer-joins the store rows and the tagged Proxmox VMs of a group.
func (c *Context) Snapshot(ctx context.Context, group config.NodeGroup) (Snapshot, error) {
	desired, err := c.EnsureDesired(group)
	if err != nil {
		return Snapshot{}, err
	}

	records, err := c.store.ListVMs(group.ID)
	if err != nil {
		return Snapshot{}, err
	}

	vms, err := c.proxmox.ListVMsWithTag(ctx, apis.GroupTag(group.ID))
	if err != nil {
		return Snapshot{}, err
	}

	views := map[int]*VMView{}

	for i := range records {
		views[records[i].VMID] = &VMView{VMID: records[i].VMID, Record: &records[i]}
	}

	for i := range vms {
		if view, ok := views[vms[i].VMID]; ok {
			view.Proxmox = &vms[i]

			continue
		}

		views[vms[i].VMID] = &VMView{VMID: vms[i].VMID, Proxmox: &vms[i]}
	}

	out := Snapshot{Group: group, Desired: desired, VMs: make([]VMView, 0, len(views))}

	for _, view := range views {
		out.VMs = append(out.VMs, *view)
	}

	sort.Slice(out.VMs, func(i, j int) bool { return out.VMs[i].VMID < out.VMs[j].VMID })

	return out, nil
}
