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

// Package seed renders the per-VM cloud-init payload and materialises it as
// a cidata ISO on the configured Proxmox ISO storage. Rendering is a pure
// function of the group, vmid and cluster join settings, so re-running the
// builder for the same vmid is byte-identical.
package seed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/apis"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/config"
	goproxmox "github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/providers/proxmox"
)

// Input identifies the VM a seed is built for.
type Input struct {
	GroupID  string
	VMID     int
	Hostname string

	Labels []string
	Taints []string
}

// templateVars is what the user-data and meta-data templates see. Its hash
// is the seed content digest returned by Digest; Build does not use it.
type templateVars struct {
	Hostname string

	K3sVersion     string
	ServerURL      string
	ClusterToken   string
	SSHPublicKey   string
	RegistriesYAML string

	NodeLabels []string
	NodeTaints []string
}

// Builder renders seed payloads and uploads them as ISOs.
type Builder struct {
	k3s     config.K3s
	proxmox goproxmox.API
}

// NewBuilder constructs a seed builder on top of the Proxmox adapter.
func NewBuilder(k3s config.K3s, px goproxmox.API) *Builder {
	return &Builder{k3s: k3s, proxmox: px}
}

// ISOName is the deterministic seed volume name for a vmid.
func ISOName(vmid int) string {
	return fmt.Sprintf("seed-%d.iso", vmid)
}

func (b *Builder) vars(in Input) templateVars {
	labels := append([]string{}, in.Labels...)
	labels = append(labels,
		fmt.Sprintf("%s=%s", apis.LabelNodeGroup, in.GroupID),
		fmt.Sprintf("%s=%d", apis.LabelVMID, in.VMID),
	)

	return templateVars{
		Hostname:       in.Hostname,
		K3sVersion:     b.k3s.Version,
		ServerURL:      b.k3s.ServerURL,
		ClusterToken:   b.k3s.ClusterToken,
		SSHPublicKey:   b.k3s.SSHPublicKey,
		RegistriesYAML: b.k3s.RegistriesYAML,
		NodeLabels:     labels,
		NodeTaints:     append([]string{}, in.Taints...),
	}
}

// Render produces the meta-data and user-data documents for a VM.
func (b *Builder) Render(in Input) (metaData, userData []byte, err error) {
	vars := b.vars(in)

	meta, err := ExecuteTemplate(DefaultMetaData, vars)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to render meta-data for vmid %d: %w", in.VMID, err)
	}

	user, err := ExecuteTemplate(DefaultUserData, vars)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to render user-data for vmid %d: %w", in.VMID, err)
	}

	return []byte(meta), []byte(user), nil
}

// Digest hashes the template inputs of a VM's seed. Two VMs with the same
// digest would boot identically.
func (b *Builder) Digest(in Input) (string, error) {
	sum, err := hashstructure.Hash(b.vars(in), hashstructure.FormatV2, nil)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%016x", sum), nil
}

// Build ensures the seed ISO for a VM exists on the ISO storage and returns
// its volume name. The upload is skipped when the volume is already there.
func (b *Builder) Build(ctx context.Context, in Input) (string, error) {
	name := ISOName(in.VMID)

	exists, err := b.proxmox.ISOExists(ctx, name)
	if err != nil {
		return "", err
	}

	if exists {
		return name, nil
	}

	meta, user, err := b.Render(in)
	if err != nil {
		return "", err
	}

	dir, err := os.MkdirTemp("", "seed-")
	if err != nil {
		return "", fmt.Errorf("failed to create seed scratch dir: %w", err)
	}

	defer os.RemoveAll(dir) //nolint: errcheck

	localPath := filepath.Join(dir, name)
	if err := WriteISO(localPath, meta, user); err != nil {
		return "", err
	}

	if err := b.proxmox.UploadISO(ctx, name, localPath); err != nil {
		return "", err
	}

	return name, nil
}
