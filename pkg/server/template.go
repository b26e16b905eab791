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

package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/apis"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/cloudprovider"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/config"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/providers/kube"
)

// templatePodCapacity is the floor for the pods capacity of a template node.
const templatePodCapacity = 110

// TemplateBuilder constructs the hypothetical node the autoscaler simulates
// scheduling against when a group is scaled from zero.
type TemplateBuilder struct {
	cfg  *config.Config
	kube *kube.Adapter
}

// NewTemplateBuilder creates a template builder.
func NewTemplateBuilder(cfg *config.Config, kubeAdapter *kube.Adapter) *TemplateBuilder {
	return &TemplateBuilder{cfg: cfg, kube: kubeAdapter}
}

// TemplateNode renders a corev1.Node for the group: capacity from the group
// shape, topology labels sampled from a live node of the group when one
// exists (any non-control-plane node otherwise), plus the group's own
// labels and taints.
func (t *TemplateBuilder) TemplateNode(ctx context.Context, groupID string) (*corev1.Node, error) {
	group := t.cfg.Group(groupID)
	if group == nil {
		return nil, errors.Wrapf(cloudprovider.ErrNotFound, "unknown node group %q", groupID)
	}

	labels := map[string]string{
		apis.LabelNodeGroup: group.ID,
	}

	capacity := corev1.ResourceList{
		corev1.ResourceCPU:    *resource.NewQuantity(int64(group.Shape.Cores), resource.DecimalSI),
		corev1.ResourceMemory: resource.MustParse(fmt.Sprintf("%dMi", group.Shape.MemoryMB)),
		corev1.ResourcePods:   *resource.NewQuantity(templatePodCapacity, resource.DecimalSI),
	}

	if base := t.sampleNode(ctx, group.ID); base != nil {
		for _, key := range []string{
			corev1.LabelArchStable,
			corev1.LabelOSStable,
			corev1.LabelTopologyRegion,
			corev1.LabelTopologyZone,
		} {
			if value := base.Labels[key]; value != "" {
				labels[key] = value
			}
		}

		if pods := base.Status.Capacity.Pods(); pods != nil && pods.Value() > templatePodCapacity {
			capacity[corev1.ResourcePods] = *pods
		}
	}

	for _, raw := range group.Labels {
		if key, value, ok := parseLabel(raw); ok {
			labels[key] = value
		}
	}

	taints := []corev1.Taint{}

	for _, raw := range group.Taints {
		if taint, ok := parseTaint(raw); ok {
			taints = append(taints, taint)
		}
	}

	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name:   fmt.Sprintf("proxmox-ca-template-%s", group.ID),
			Labels: labels,
		},
		Spec: corev1.NodeSpec{
			Taints: taints,
		},
		Status: corev1.NodeStatus{
			Capacity:    capacity,
			Allocatable: capacity.DeepCopy(),
			Conditions: []corev1.NodeCondition{
				{Type: corev1.NodeReady, Status: corev1.ConditionTrue},
			},
		},
	}, nil
}

// sampleNode picks a representative live node: one of the group if present,
// otherwise any worker.
func (t *TemplateBuilder) sampleNode(ctx context.Context, groupID string) *corev1.Node {
	if nodes, err := t.kube.ListGroupNodes(ctx, groupID); err == nil && len(nodes) > 0 {
		return &nodes[0]
	}

	nodes, err := t.kube.ListNodes(ctx)
	if err != nil {
		return nil
	}

	for i := range nodes {
		labels := nodes[i].Labels

		_, controlPlane := labels["node-role.kubernetes.io/control-plane"]
		_, master := labels["node-role.kubernetes.io/master"]

		if !controlPlane && !master {
			return &nodes[i]
		}
	}

	if len(nodes) > 0 {
		return &nodes[0]
	}

	return nil
}

func parseLabel(raw string) (string, string, bool) {
	key, value, found := strings.Cut(strings.TrimSpace(raw), "=")
	if !found || key == "" {
		return "", "", false
	}

	return strings.TrimSpace(key), strings.TrimSpace(value), true
}

// parseTaint understands key=value:Effect and key:Effect, defaulting the
// effect to NoSchedule.
func parseTaint(raw string) (corev1.Taint, bool) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return corev1.Taint{}, false
	}

	effect := string(corev1.TaintEffectNoSchedule)

	if idx := strings.LastIndex(value, ":"); idx >= 0 {
		if e := strings.TrimSpace(value[idx+1:]); e != "" {
			effect = e
		}

		value = strings.TrimSpace(value[:idx])
	}

	if value == "" {
		return corev1.Taint{}, false
	}

	taint := corev1.Taint{Effect: corev1.TaintEffect(effect)}

	if key, tval, found := strings.Cut(value, "="); found {
		taint.Key = strings.TrimSpace(key)
		taint.Value = strings.TrimSpace(tval)
	} else {
		taint.Key = value
	}

	if taint.Key == "" {
		return corev1.Taint{}, false
	}

	return taint, true
}
