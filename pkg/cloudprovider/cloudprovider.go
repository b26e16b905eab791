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

// Package cloudprovider serves the autoscaler's node-group calls. Handlers
// only read and mutate the state store - they never wait on Proxmox - and
// every desired-size mutation runs under the group's lock with a
// compare-and-set as the final barrier.
package cloudprovider

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/apis"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/config"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/groupcontext"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/lifecycle"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/providers/kube"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/store"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/utils/locks"
)

// casAttempts bounds the read-modify-CAS loop; contention comes only from
// the reconciler's bounds clamping, so it settles quickly.
const casAttempts = 5

// CloudProvider implements the provider side of the autoscaler protocol.
type CloudProvider struct {
	cfg     *config.Config
	context *groupcontext.Context
	store   *store.Store
	kube    *kube.Adapter
	locks   *locks.GroupLocks

	stop   func()
	logger logr.Logger
}

// New creates the scaling controller. The stop callback is invoked on the
// protocol's Cleanup call to shut the reconciler down.
func New(
	cfg *config.Config,
	gc *groupcontext.Context,
	st *store.Store,
	kubeAdapter *kube.Adapter,
	stop func(),
	logger logr.Logger,
) *CloudProvider {
	return &CloudProvider{
		cfg:     cfg,
		context: gc,
		store:   st,
		kube:    kubeAdapter,
		locks:   locks.NewGroupLocks(),
		stop:    stop,
		logger:  logger.WithName("cloudprovider"),
	}
}

func (c *CloudProvider) group(groupID string) (config.NodeGroup, error) {
	group := c.cfg.Group(groupID)
	if group == nil {
		return config.NodeGroup{}, errors.Wrapf(ErrNotFound, "unknown node group %q", groupID)
	}

	return *group, nil
}

// NodeGroups lists the configured groups.
func (c *CloudProvider) NodeGroups() []NodeGroupSummary {
	groups := c.cfg.Groups()
	out := make([]NodeGroupSummary, 0, len(groups))

	for _, group := range groups {
		out = append(out, NodeGroupSummary{
			ID:      group.ID,
			MinSize: group.MinSize,
			MaxSize: group.MaxSize,
			Debug:   fmt.Sprintf("group=%s prefix=%s", group.ID, group.VMNamePrefix),
		})
	}

	return out
}

// NodeGroupForNode resolves the group a node belongs to, or "" for nodes
// this provider does not manage.
func (c *CloudProvider) NodeGroupForNode(ctx context.Context, node ExternalNode) (string, error) {
	if groupID := node.Labels[apis.LabelNodeGroup]; groupID != "" {
		if c.cfg.Group(groupID) != nil {
			return groupID, nil
		}
	}

	if node.ProviderID != "" {
		if groupID, _, err := apis.ParseProviderID(node.ProviderID); err == nil {
			if c.cfg.Group(groupID) != nil {
				return groupID, nil
			}

			return "", nil
		}
	}

	member, err := c.kube.Resolve(ctx, node.Name)
	if err != nil {
		if errors.Is(err, kube.ErrNotFound) {
			// Fall back to the store's hostname index.
			if row := c.rowForHostname(node.Name); row != nil {
				return row.GroupID, nil
			}

			return "", nil
		}

		return "", err
	}

	if c.cfg.Group(member.GroupID) == nil {
		return "", nil
	}

	return member.GroupID, nil
}

// TargetSize returns the desired size of a group.
func (c *CloudProvider) TargetSize(groupID string) (int, error) {
	group, err := c.group(groupID)
	if err != nil {
		return 0, err
	}

	c.locks.Lock(group.ID)
	defer c.locks.Unlock(group.ID)

	return c.context.EnsureDesired(group)
}

// IncreaseSize grows the desired size by delta, bounded by max_size.
func (c *CloudProvider) IncreaseSize(groupID string, delta int) error {
	group, err := c.group(groupID)
	if err != nil {
		return err
	}

	if delta <= 0 {
		return errors.Wrapf(ErrOutOfRange, "increase delta must be positive, got %d", delta)
	}

	c.locks.Lock(group.ID)
	defer c.locks.Unlock(group.ID)

	for range casAttempts {
		cur, err := c.context.EnsureDesired(group)
		if err != nil {
			return err
		}

		if cur+delta > group.MaxSize {
			return errors.Wrapf(ErrOutOfRange, "size %d would exceed max %d for group %s", cur+delta, group.MaxSize, group.ID)
		}

		err = c.store.CASDesired(group.ID, cur, cur+delta)
		if err == nil {
			c.logger.Info("Increased desired size", "group", group.ID, "from", cur, "to", cur+delta)

			return nil
		}

		if !errors.Is(err, store.ErrConcurrentUpdate) {
			return err
		}
	}

	return errors.Wrapf(store.ErrConcurrentUpdate, "group %s", group.ID)
}

// DecreaseTargetSize shrinks the desired size by |delta| without touching
// live VMs: the new target may not dip under the current live count.
func (c *CloudProvider) DecreaseTargetSize(groupID string, delta int) error {
	group, err := c.group(groupID)
	if err != nil {
		return err
	}

	if delta >= 0 {
		return errors.Wrapf(ErrOutOfRange, "decrease delta must be negative, got %d", delta)
	}

	c.locks.Lock(group.ID)
	defer c.locks.Unlock(group.ID)

	for range casAttempts {
		cur, err := c.context.EnsureDesired(group)
		if err != nil {
			return err
		}

		live, err := c.liveCount(group.ID)
		if err != nil {
			return err
		}

		next := cur + delta

		if next < live {
			return errors.Wrapf(ErrOutOfRange, "size %d would terminate live nodes (live=%d) in group %s", next, live, group.ID)
		}

		if next < group.MinSize {
			return errors.Wrapf(ErrOutOfRange, "size %d would fall under min %d for group %s", next, group.MinSize, group.ID)
		}

		err = c.store.CASDesired(group.ID, cur, next)
		if err == nil {
			c.logger.Info("Decreased desired size", "group", group.ID, "from", cur, "to", next)

			return nil
		}

		if !errors.Is(err, store.ErrConcurrentUpdate) {
			return err
		}
	}

	return errors.Wrapf(store.ErrConcurrentUpdate, "group %s", group.ID)
}

// DeleteNodes marks the named nodes for deletion and lowers the desired
// size by the number of VMs actually marked, but not below min_size.
// Unknown nodes are skipped.
func (c *CloudProvider) DeleteNodes(ctx context.Context, groupID string, nodes []ExternalNode) error {
	group, err := c.group(groupID)
	if err != nil {
		return err
	}

	c.locks.Lock(group.ID)
	defer c.locks.Unlock(group.ID)

	marked := 0

	for _, node := range nodes {
		row := c.resolveRow(ctx, group.ID, node)
		if row == nil {
			c.logger.Info("Ignoring unknown node in delete request", "group", group.ID, "node", node.Name)

			continue
		}

		if !lifecycle.Live(row.State) {
			continue
		}

		_, err := c.store.TransitionVM(row.VMID, row.State, lifecycle.EventRequestDelete, nil)
		if err != nil {
			if errors.Is(err, store.ErrStaleState) {
				continue
			}

			return err
		}

		c.logger.Info("Marked VM for deletion", "group", group.ID, "vmid", row.VMID, "node", node.Name)

		marked++
	}

	if marked == 0 {
		return nil
	}

	for range casAttempts {
		cur, err := c.context.EnsureDesired(group)
		if err != nil {
			return err
		}

		next := max(group.MinSize, cur-marked)

		err = c.store.CASDesired(group.ID, cur, next)
		if err == nil {
			c.logger.Info("Lowered desired size after node deletion", "group", group.ID, "from", cur, "to", next)

			return nil
		}

		if !errors.Is(err, store.ErrConcurrentUpdate) {
			return err
		}
	}

	return errors.Wrapf(store.ErrConcurrentUpdate, "group %s", group.ID)
}

// Nodes lists the live instances of a group.
func (c *CloudProvider) Nodes(groupID string) ([]Instance, error) {
	group, err := c.group(groupID)
	if err != nil {
		return nil, err
	}

	rows, err := c.store.ListVMs(group.ID)
	if err != nil {
		return nil, err
	}

	instances := []Instance{}

	for _, row := range rows {
		if !lifecycle.Live(row.State) {
			continue
		}

		state := InstanceCreating
		if row.State == lifecycle.StateActive {
			state = InstanceRunning
		}

		instances = append(instances, Instance{
			ProviderID: apis.ProviderID(group.ID, row.VMID),
			State:      state,
		})
	}

	return instances, nil
}

// Refresh is a no-op: the reconciler is autonomous.
func (c *CloudProvider) Refresh() error {
	return nil
}

// Cleanup signals the reconciler to stop at the next tick boundary.
func (c *CloudProvider) Cleanup() error {
	c.logger.Info("Cleanup requested, stopping reconciler")

	if c.stop != nil {
		c.stop()
	}

	return nil
}

// resolveRow maps an external node to a store row of the given group:
// membership labels first, then the provider id, then the hostname index.
// Rows belonging to another group are ignored - a node that rejoined under
// a different group is not this group's to delete.
func (c *CloudProvider) resolveRow(ctx context.Context, groupID string, node ExternalNode) *store.VM {
	vmid := 0

	if member, err := c.kube.Resolve(ctx, node.Name); err == nil && member.GroupID == groupID {
		vmid = member.VMID
	}

	if vmid == 0 && node.ProviderID != "" {
		if pgroup, id, err := apis.ParseProviderID(node.ProviderID); err == nil && pgroup == groupID {
			vmid = id
		}
	}

	if vmid != 0 {
		if row, err := c.store.GetVM(vmid); err == nil && row.GroupID == groupID {
			return row
		}

		return nil
	}

	if row := c.rowForHostname(node.Name); row != nil && row.GroupID == groupID {
		return row
	}

	return nil
}

func (c *CloudProvider) rowForHostname(hostname string) *store.VM {
	if hostname == "" {
		return nil
	}

	rows, err := c.store.ListAllVMs()
	if err != nil {
		return nil
	}

	for i := range rows {
		if rows[i].Hostname == hostname {
			return &rows[i]
		}
	}

	return nil
}

func (c *CloudProvider) liveCount(groupID string) (int, error) {
	rows, err := c.store.ListVMs(groupID)
	if err != nil {
		return 0, err
	}

	live := 0

	for _, row := range rows {
		if lifecycle.Live(row.State) {
			live++
		}
	}

	return live, nil
}
