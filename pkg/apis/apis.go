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

// Package apis holds the label, tag and provider-id conventions shared by
// every component of the provider.
package apis

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// Group is the label namespace stamped on every node joined by this provider.
	Group = "autoscaler.proxmox"

	// LabelNodeGroup holds the node group id a node belongs to.
	LabelNodeGroup = Group + "/group"
	// LabelVMID holds the Proxmox VMID backing a node.
	LabelVMID = Group + "/vmid"

	// TagManaged marks every VM created by the provider.
	TagManaged = "ca-managed"
	// TagGroupPrefix prefixes the per-group Proxmox VM tag.
	TagGroupPrefix = "ca-group-"

	// ProviderIDScheme is the URI scheme of node provider ids.
	ProviderIDScheme = "proxmox"
)

// GroupTag returns the Proxmox VM tag that binds a VM to a node group.
func GroupTag(groupID string) string {
	return TagGroupPrefix + groupID
}

// GroupFromTag extracts the group id from a managed VM tag, if it is one.
func GroupFromTag(tag string) (string, bool) {
	if !strings.HasPrefix(tag, TagGroupPrefix) {
		return "", false
	}

	return strings.TrimPrefix(tag, TagGroupPrefix), true
}

// ProviderID formats the provider id of a managed VM, proxmox://<group>/<vmid>.
func ProviderID(groupID string, vmid int) string {
	return fmt.Sprintf("%s://%s/%d", ProviderIDScheme, groupID, vmid)
}

// ParseProviderID splits a provider id back into its group id and vmid.
func ParseProviderID(providerID string) (groupID string, vmid int, err error) {
	rest, ok := strings.CutPrefix(providerID, ProviderIDScheme+"://")
	if !ok {
		return "", 0, fmt.Errorf("provider id %q does not use the %s scheme", providerID, ProviderIDScheme)
	}

	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", 0, fmt.Errorf("malformed provider id %q", providerID)
	}

	vmid, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("malformed vmid in provider id %q: %w", providerID, err)
	}

	return parts[0], vmid, nil
}

// ParseTags splits a Proxmox tag string (semicolon or comma separated) into a list.
func ParseTags(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ';' || r == ','
	})

	tags := make([]string, 0, len(fields))

	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			tags = append(tags, f)
		}
	}

	return tags
}
