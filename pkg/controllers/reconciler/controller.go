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

// Package reconciler drives every managed VM toward its desired state: it
// compares desired group sizes against the live inventory, advances
// in-flight lifecycles, collects timed-out pending VMs and prunes orphans.
// The loop never propagates errors outward; it logs and converges on later
// ticks.
package reconciler

import (
	"context"
	"sort"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	corev1 "k8s.io/api/core/v1"

	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/apis"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/config"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/groupcontext"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/lifecycle"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/providers/kube"
	goproxmox "github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/providers/proxmox"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/providers/seed"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/store"
)

// Controller is the reconcile loop.
type Controller struct {
	cfg     *config.Config
	context *groupcontext.Context
	proxmox goproxmox.API
	kube    *kube.Adapter
	store   *store.Store
	seed    *seed.Builder

	interval       time.Duration
	pendingTimeout time.Duration

	logger logr.Logger
}

// New assembles the reconciler from its collaborators.
func New(
	cfg *config.Config,
	gc *groupcontext.Context,
	px goproxmox.API,
	kubeAdapter *kube.Adapter,
	st *store.Store,
	seedBuilder *seed.Builder,
	logger logr.Logger,
) *Controller {
	return &Controller{
		cfg:            cfg,
		context:        gc,
		proxmox:        px,
		kube:           kubeAdapter,
		store:          st,
		seed:           seedBuilder,
		interval:       time.Duration(cfg.ReconcileIntervalSeconds) * time.Second,
		pendingTimeout: time.Duration(cfg.PendingVMTimeoutSeconds) * time.Second,
		logger:         logger.WithName("reconciler"),
	}
}

// Run loops until ctx is done. Ticks never overlap: a tick that overruns the
// interval simply delays the next one.
func (r *Controller) Run(ctx context.Context) {
	r.logger.Info("Starting reconcile loop", "interval", r.interval, "pendingTimeout", r.pendingTimeout)

	for {
		started := time.Now()

		if err := r.Tick(ctx); err != nil {
			r.logger.Error(err, "Reconcile tick finished with errors")
		}

		if elapsed := time.Since(started); elapsed > r.interval {
			r.logger.V(1).Info("Reconcile tick overran the interval", "elapsed", elapsed)
		}

		select {
		case <-ctx.Done():
			r.logger.Info("Stopping reconcile loop")

			return
		case <-time.After(r.interval):
		}
	}
}

// Tick reconciles every configured group once. Groups run in parallel;
// per-vmid work stays serial inside its group.
func (r *Controller) Tick(ctx context.Context) error {
	eg, egCtx := errgroup.Group{}, ctx

	for _, group := range r.cfg.Groups() {
		eg.Go(func() error {
			return r.reconcileGroup(egCtx, group)
		})
	}

	err := eg.Wait()

	r.warnForeignTags(ctx)

	return err
}

func (r *Controller) reconcileGroup(ctx context.Context, group config.NodeGroup) error {
	logger := r.logger.WithValues("group", group.ID)

	snap, err := r.context.Snapshot(ctx, group)
	if err != nil {
		logger.Error(err, "Failed to snapshot group")

		return err
	}

	// Promotion needs the node list; an unreachable API just defers
	// promotions to a later tick.
	kubeNodes, err := r.kube.ListNodes(ctx)
	if err != nil {
		logger.V(1).Info("Failed listing kubernetes nodes, promotions deferred", "error", err.Error())

		kubeNodes = nil
	}

	var errs error

	errs = multierr.Append(errs, r.repairDrift(ctx, snap, logger))

	// Drift repair may have inserted or advanced rows; reconcile the
	// lifecycle over a fresh row listing.
	rows, err := r.store.ListVMs(group.ID)
	if err != nil {
		return multierr.Append(errs, err)
	}

	presence := map[int]groupcontext.VMView{}
	for _, view := range snap.VMs {
		presence[view.VMID] = view
	}

	live := []store.VM{}

	for _, row := range rows {
		switch {
		case row.State == lifecycle.StateFailed || lifecycle.Deleting(row.State):
			errs = multierr.Append(errs, r.stepTeardown(ctx, row, logger))
		case row.State == lifecycle.StatePending:
			promoted, err := r.stepPending(ctx, group, row, presence[row.VMID], kubeNodes, logger)
			errs = multierr.Append(errs, err)

			if promoted != nil {
				live = append(live, *promoted)
			}
		case row.State == lifecycle.StateActive:
			still, err := r.stepActive(ctx, row, presence[row.VMID], logger)
			errs = multierr.Append(errs, err)

			if still != nil {
				live = append(live, *still)
			}
		}
	}

	errs = multierr.Append(errs, r.pruneStaleNodes(ctx, group, logger))
	errs = multierr.Append(errs, r.converge(ctx, group, snap.Desired, live, logger))

	return errs
}

// repairDrift handles the two drift categories of the outer join: tracked
// rows whose VM vanished, and tagged VMs nobody tracks.
func (r *Controller) repairDrift(ctx context.Context, snap groupcontext.Snapshot, logger logr.Logger) error {
	var errs error

	for _, view := range snap.VMs {
		switch {
		case view.Tracked() && !view.Present():
			row := view.Record

			// A pending VM that is not on Proxmox yet is mid-creation, not
			// drift; the create pipeline re-enters for it below.
			if row.State == lifecycle.StatePending || lifecycle.Deleting(row.State) {
				continue
			}

			logger.Info("Tracked VM vanished from proxmox, scheduling cleanup", "vmid", row.VMID, "state", row.State)

			if _, err := r.store.TransitionVM(row.VMID, row.State, lifecycle.EventInfraMissing, nil); err != nil {
				errs = multierr.Append(errs, err)
			}
		case !view.Tracked() && view.Present():
			errs = multierr.Append(errs, r.handleOrphan(ctx, view, logger))
		}
	}

	return errs
}

// handleOrphan adopts a healthy tagged VM and schedules destruction of an
// unhealthy one by inserting a synthetic row already on the teardown path.
func (r *Controller) handleOrphan(ctx context.Context, view groupcontext.VMView, logger logr.Logger) error {
	now := time.Now().UTC()

	row := store.VM{
		VMID:             view.VMID,
		GroupID:          "",
		Hostname:         view.Proxmox.Name,
		CreatedAt:        now,
		LastTransitionAt: now,
	}

	for _, tag := range view.Proxmox.Tags {
		if groupID, ok := apis.GroupFromTag(tag); ok {
			row.GroupID = groupID

			break
		}
	}

	if view.Running() {
		logger.Info("Adopting healthy orphan VM", "vmid", view.VMID, "name", view.Proxmox.Name)

		row.State = lifecycle.StateActive
	} else {
		logger.Info("Destroying unhealthy orphan VM", "vmid", view.VMID, "name", view.Proxmox.Name)

		row.State = lifecycle.StateDeletingVM

		if storage, volume, err := r.proxmox.AttachedSeedISO(ctx, view.VMID); err == nil {
			row.CleanupStorage = storage
			row.CleanupVolume = volume
		}
	}

	err := r.store.InsertVM(row)
	if err != nil && !isBenignRace(err) {
		return err
	}

	return nil
}

// stepTeardown executes exactly the side effect the current state calls for
// and commits the matching transition. Transient failures leave the row for
// the next tick.
func (r *Controller) stepTeardown(ctx context.Context, row store.VM, logger logr.Logger) error {
	switch row.State {
	case lifecycle.StateFailed:
		logger.Info("Tearing down failed VM", "vmid", row.VMID, "lastError", row.LastError)

		storage, volume := row.CleanupStorage, row.CleanupVolume
		if storage == "" || volume == "" {
			if s, v, err := r.proxmox.AttachedSeedISO(ctx, row.VMID); err == nil {
				storage, volume = s, v
			}
		}

		_, err := r.store.TransitionVM(row.VMID, row.State, lifecycle.EventRequestDelete, func(vm *store.VM) {
			vm.CleanupStorage = storage
			vm.CleanupVolume = volume
		})

		return ignoreBenignRace(err)

	case lifecycle.StateDeletingVM:
		// Read the attached seed volume before the VM config disappears.
		storage, volume := row.CleanupStorage, row.CleanupVolume
		if storage == "" || volume == "" {
			if s, v, err := r.proxmox.AttachedSeedISO(ctx, row.VMID); err == nil {
				storage, volume = s, v
			}
		}

		if err := r.proxmox.DestroyVM(ctx, row.VMID); err != nil {
			return r.teardownFailure(row, "destroy vm", err, logger)
		}

		_, err := r.store.TransitionVM(row.VMID, row.State, lifecycle.EventVMDestroyed, func(vm *store.VM) {
			vm.CleanupStorage = storage
			vm.CleanupVolume = volume
		})

		return ignoreBenignRace(err)

	case lifecycle.StateDeletingISO:
		if row.CleanupStorage != "" && row.CleanupVolume != "" {
			if err := r.proxmox.DestroyISO(ctx, row.CleanupStorage, row.CleanupVolume); err != nil {
				return r.teardownFailure(row, "destroy iso", err, logger)
			}
		}

		_, err := r.store.TransitionVM(row.VMID, row.State, lifecycle.EventISODestroyed, nil)

		return ignoreBenignRace(err)

	case lifecycle.StateDeletingNode:
		if err := r.kube.DeleteNode(ctx, row.Hostname); err != nil {
			return r.teardownFailure(row, "delete node", err, logger)
		}

		_, err := r.store.TransitionVM(row.VMID, row.State, lifecycle.EventNodeDeleted, nil)
		if err == nil {
			logger.Info("VM fully removed", "vmid", row.VMID, "name", row.Hostname)
		}

		return ignoreBenignRace(err)
	}

	return nil
}

// teardownFailure logs a teardown step failure and keeps the row in place;
// every teardown side effect is idempotent, so the next tick retries it.
func (r *Controller) teardownFailure(row store.VM, step string, err error, logger logr.Logger) error {
	logger.V(1).Info("Teardown step failed, will retry next tick",
		"vmid", row.VMID, "state", row.State, "step", step, "error", err.Error())

	return nil
}

// stepPending promotes a pending VM whose node registered, times out stale
// ones, and re-enters the create pipeline otherwise. Returns the row while
// it still counts as live.
func (r *Controller) stepPending(
	ctx context.Context,
	group config.NodeGroup,
	row store.VM,
	view groupcontext.VMView,
	kubeNodes []corev1.Node,
	logger logr.Logger,
) (*store.VM, error) {
	if view.Running() && kube.NodeReady(kubeNodes, group.ID, row.VMID, row.Hostname) {
		promoted, err := r.store.TransitionVM(row.VMID, row.State, lifecycle.EventActivate, nil)
		if err != nil {
			return &row, ignoreBenignRace(err)
		}

		logger.Info("Promoted VM to active", "vmid", row.VMID, "name", row.Hostname)

		return promoted, nil
	}

	if age := time.Since(row.CreatedAt); age >= r.pendingTimeout {
		logger.Info("Pending VM exceeded timeout", "vmid", row.VMID, "name", row.Hostname, "age", age)

		_, err := r.store.TransitionVM(row.VMID, row.State, lifecycle.EventFail, func(vm *store.VM) {
			vm.LastError = "pending timeout exceeded"
		})

		return nil, ignoreBenignRace(err)
	}

	// Mid-creation: re-run the create pipeline, every step is idempotent.
	if err := r.runCreatePipeline(ctx, group, row.VMID, logger); err != nil {
		return &row, err
	}

	// A permanent step failure has already moved the row to failed.
	if current, err := r.store.GetVM(row.VMID); err == nil && !lifecycle.Live(current.State) {
		return nil, nil
	}

	return &row, nil
}

// stepActive demotes an active VM whose machine stopped underneath it.
func (r *Controller) stepActive(_ context.Context, row store.VM, view groupcontext.VMView, logger logr.Logger) (*store.VM, error) {
	if view.Present() && !view.Running() {
		logger.Info("Active VM is not running, marking failed", "vmid", row.VMID, "name", row.Hostname)

		_, err := r.store.TransitionVM(row.VMID, row.State, lifecycle.EventFail, func(vm *store.VM) {
			vm.LastError = "vm not running"
		})

		return nil, ignoreBenignRace(err)
	}

	return &row, nil
}

// converge closes the gap between live and desired.
func (r *Controller) converge(ctx context.Context, group config.NodeGroup, desired int, live []store.VM, logger logr.Logger) error {
	// Configuration bounds may have changed across restarts.
	if clamped := min(max(desired, group.MinSize), group.MaxSize); clamped != desired {
		logger.Info("Clamping desired size into configured bounds", "desired", desired, "clamped", clamped)

		if err := r.store.SetDesired(group.ID, clamped); err != nil {
			return err
		}

		desired = clamped
	}

	switch {
	case len(live) < desired:
		return r.scaleUp(ctx, group, desired-len(live), logger)
	case len(live) > desired:
		return r.scaleDown(group, live, len(live)-desired, logger)
	}

	return nil
}

func (r *Controller) scaleUp(ctx context.Context, group config.NodeGroup, count int, logger logr.Logger) error {
	logger.Info("Scaling up", "count", count)

	eg := errgroup.Group{}

	for range count {
		vmid, err := r.proxmox.NextVMID(ctx)
		if err != nil {
			return err
		}

		now := time.Now().UTC()

		err = r.store.InsertVM(store.VM{
			VMID:             vmid,
			GroupID:          group.ID,
			Hostname:         group.VMName(vmid),
			State:            lifecycle.StatePending,
			CreatedAt:        now,
			LastTransitionAt: now,
		})
		if err != nil {
			return err
		}

		eg.Go(func() error {
			return r.runCreatePipeline(ctx, group, vmid, logger)
		})
	}

	return eg.Wait()
}

// scaleDown selects victims preferring pending over active, then oldest
// first, and puts them on the teardown path.
func (r *Controller) scaleDown(group config.NodeGroup, live []store.VM, count int, logger logr.Logger) error {
	logger.Info("Scaling down", "count", count)

	victims := append([]store.VM{}, live...)

	sort.Slice(victims, func(i, j int) bool {
		if victims[i].State != victims[j].State {
			return victims[i].State == lifecycle.StatePending
		}

		return victims[i].CreatedAt.Before(victims[j].CreatedAt)
	})

	if count > len(victims) {
		count = len(victims)
	}

	var errs error

	for _, victim := range victims[:count] {
		logger.Info("Selected scale-down victim", "vmid", victim.VMID, "name", victim.Hostname, "state", victim.State)

		_, err := r.store.TransitionVM(victim.VMID, victim.State, lifecycle.EventRequestDelete, nil)
		errs = multierr.Append(errs, ignoreBenignRace(err))
	}

	return errs
}

// pruneStaleNodes deletes kubernetes node objects labeled for the group
// whose hostname matches no live row, e.g. leftovers of an out-of-band VM
// removal.
func (r *Controller) pruneStaleNodes(ctx context.Context, group config.NodeGroup, logger logr.Logger) error {
	nodes, err := r.kube.ListGroupNodes(ctx, group.ID)
	if err != nil {
		logger.V(1).Info("Failed listing group nodes for prune", "error", err.Error())

		return nil
	}

	rows, err := r.store.ListVMs(group.ID)
	if err != nil {
		return err
	}

	hostnames := map[string]struct{}{}

	for _, row := range rows {
		if lifecycle.Live(row.State) {
			hostnames[row.Hostname] = struct{}{}
		}
	}

	for i := range nodes {
		if _, ok := hostnames[nodes[i].Name]; ok {
			continue
		}

		logger.Info("Deleting stale kubernetes node", "node", nodes[i].Name)

		if err := r.kube.DeleteNode(ctx, nodes[i].Name); err != nil {
			logger.V(1).Info("Failed deleting stale node", "node", nodes[i].Name, "error", err.Error())
		}
	}

	return nil
}

// warnForeignTags surfaces managed-scheme tags that reference groups this
// provider does not know. They are left untouched.
func (r *Controller) warnForeignTags(ctx context.Context) {
	vms, err := r.proxmox.ListVMsWithTag(ctx, apis.TagManaged)
	if err != nil {
		return
	}

	for _, vm := range vms {
		for _, tag := range vm.Tags {
			if groupID, ok := apis.GroupFromTag(tag); ok && r.cfg.Group(groupID) == nil {
				r.logger.Info("Ignoring VM tagged for unknown group", "vmid", vm.VMID, "group", groupID)
			}
		}
	}
}

// isBenignRace filters the store errors that mean another writer got there
// first; the next tick observes the committed state.
func isBenignRace(err error) bool {
	return errors.Is(err, store.ErrStaleState) || errors.Is(err, store.ErrExists)
}

func ignoreBenignRace(err error) error {
	if err == nil || isBenignRace(err) {
		return nil
	}

	return err
}
