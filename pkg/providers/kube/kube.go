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

// Package kube is the read-mostly Kubernetes surface of the provider: node
// lookup by the join labels, node listing for promotion checks, and node
// object deletion during teardown.
package kube

import (
	"context"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/apis"
)

var (
	// ErrTransient marks Kubernetes API failures retried next tick.
	ErrTransient = errors.New("transient kubernetes error")
	// ErrNotFound is returned for nodes unknown to the cluster.
	ErrNotFound = errors.New("node not found")
)

// Membership is the (group, vmid) pair a node resolves to.
type Membership struct {
	GroupID string
	VMID    int
}

// Adapter wraps the Kubernetes client with a short TTL cache to tolerate
// lookup flapping during scale events.
type Adapter struct {
	client kubernetes.Interface

	nodes *cache.Cache
}

// resolveTTL bounds how stale a cached node lookup may be.
const resolveTTL = 15 * time.Second

// NewAdapter creates the Kubernetes adapter.
func NewAdapter(client kubernetes.Interface) *Adapter {
	return &Adapter{
		client: client,
		nodes:  cache.New(resolveTTL, time.Minute),
	}
}

// Resolve looks up a node by name and reads the membership labels stamped
// at join time.
func (a *Adapter) Resolve(ctx context.Context, nodeName string) (Membership, error) {
	if cached, found := a.nodes.Get(nodeName); found {
		return cached.(Membership), nil
	}

	node, err := a.client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return Membership{}, errors.Wrap(ErrNotFound, nodeName)
		}

		return Membership{}, errors.Wrap(ErrTransient, err.Error())
	}

	member, ok := membershipFromLabels(node.Labels)
	if !ok {
		return Membership{}, errors.Wrapf(ErrNotFound, "node %s carries no membership labels", nodeName)
	}

	a.nodes.SetDefault(nodeName, member)

	return member, nil
}

// ListNodes returns every node of the cluster.
func (a *Adapter) ListNodes(ctx context.Context) ([]corev1.Node, error) {
	list, err := a.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, errors.Wrap(ErrTransient, err.Error())
	}

	return list.Items, nil
}

// ListGroupNodes returns the nodes labeled for one node group.
func (a *Adapter) ListGroupNodes(ctx context.Context, groupID string) ([]corev1.Node, error) {
	list, err := a.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{
		LabelSelector: apis.LabelNodeGroup + "=" + groupID,
	})
	if err != nil {
		return nil, errors.Wrap(ErrTransient, err.Error())
	}

	return list.Items, nil
}

// DeleteNode removes a node object. An absent node counts as success.
func (a *Adapter) DeleteNode(ctx context.Context, nodeName string) error {
	err := a.client.CoreV1().Nodes().Delete(ctx, nodeName, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return errors.Wrap(ErrTransient, err.Error())
	}

	klog.V(4).InfoS("Deleted kubernetes node", "node", nodeName)
	a.nodes.Delete(nodeName)

	return nil
}

// NodeReady reports whether a node is registered for (group, vmid) and has
// a true Ready condition. Matching accepts either the vmid label or the
// hostname, the original join flow sets both.
func NodeReady(nodes []corev1.Node, groupID string, vmid int, hostname string) bool {
	want := strconv.Itoa(vmid)

	for i := range nodes {
		node := &nodes[i]

		if node.Labels[apis.LabelNodeGroup] != groupID {
			continue
		}

		if node.Labels[apis.LabelVMID] != want && node.Name != hostname {
			continue
		}

		for _, cond := range node.Status.Conditions {
			if cond.Type == corev1.NodeReady && cond.Status == corev1.ConditionTrue {
				return true
			}
		}
	}

	return false
}

func membershipFromLabels(labels map[string]string) (Membership, bool) {
	groupID := labels[apis.LabelNodeGroup]
	rawVMID := labels[apis.LabelVMID]

	if groupID == "" || rawVMID == "" {
		return Membership{}, false
	}

	vmid, err := strconv.Atoi(rawVMID)
	if err != nil {
		return Membership{}, false
	}

	return Membership{GroupID: groupID, VMID: vmid}, true
}
