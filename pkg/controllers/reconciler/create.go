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

package reconciler

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/apis"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/config"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/lifecycle"
	goproxmox "github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/providers/proxmox"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/providers/seed"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/store"
)

// runCreatePipeline carries a pending VM through shell creation, disk
// import, seed attachment and start. Each step is idempotent, so the
// pipeline re-enters safely on any later tick. A permanent failure sends
// the row to failed; a transient one leaves it pending for the next tick.
func (r *Controller) runCreatePipeline(ctx context.Context, group config.NodeGroup, vmid int, logger logr.Logger) error {
	hostname := group.VMName(vmid)

	err := r.proxmox.CreateVM(ctx, goproxmox.VMCreateRequest{
		VMID:     vmid,
		Name:     hostname,
		Cores:    group.Shape.Cores,
		MemoryMB: group.Shape.MemoryMB,
		DiskGB:   group.Shape.DiskGB,
		Tags:     []string{apis.TagManaged, apis.GroupTag(group.ID)},
	})
	if err != nil {
		return r.createFailure(vmid, "create vm", err, logger)
	}

	if err := r.proxmox.ImportDisk(ctx, vmid, group.Shape.DiskGB); err != nil {
		return r.createFailure(vmid, "import disk", err, logger)
	}

	isoName, err := r.seed.Build(ctx, seed.Input{
		GroupID:  group.ID,
		VMID:     vmid,
		Hostname: hostname,
		Labels:   group.Labels,
		Taints:   group.Taints,
	})
	if err != nil {
		return r.createFailure(vmid, "build seed iso", err, logger)
	}

	if err := r.proxmox.AttachISO(ctx, vmid, isoName); err != nil {
		return r.createFailure(vmid, "attach seed iso", err, logger)
	}

	if err := r.proxmox.StartVM(ctx, vmid); err != nil {
		return r.createFailure(vmid, "start vm", err, logger)
	}

	logger.V(1).Info("Create pipeline complete", "vmid", vmid, "name", hostname)

	return nil
}

// createFailure classifies a pipeline step error. Permanent failures move
// the row to failed so the next tick tears the VM down; transient ones keep
// the row pending and re-enter the pipeline later.
func (r *Controller) createFailure(vmid int, step string, err error, logger logr.Logger) error {
	if goproxmox.IsPermanent(err) {
		logger.Error(err, "Create pipeline failed permanently", "vmid", vmid, "step", step)

		stepErr := err.Error()

		_, terr := r.store.TransitionVM(vmid, lifecycle.StatePending, lifecycle.EventFail, func(vm *store.VM) {
			vm.LastError = step + ": " + stepErr
		})

		return ignoreBenignRace(terr)
	}

	logger.V(1).Info("Create pipeline step failed, will retry next tick",
		"vmid", vmid, "step", step, "error", err.Error())

	return nil
}
