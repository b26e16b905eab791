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

// Package config loads the provider configuration document and applies the
// environment overlay. The resulting Config is immutable at runtime and is
// passed into each component at construction.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrConfig marks invalid or missing configuration. Fatal at startup.
var ErrConfig = errors.New("invalid configuration")

// Proxmox holds the Proxmox cluster connection and placement settings.
type Proxmox struct {
	APIURL        string `yaml:"api_url"`
	Node          string `yaml:"node"`
	TokenID       string `yaml:"token_id"`
	TokenSecret   string `yaml:"token_secret"`
	TLSInsecure   bool   `yaml:"tls_insecure"`
	ImportStorage string `yaml:"import_storage"`
	ISOStorage    string `yaml:"iso_storage"`
	VMStorage     string `yaml:"vm_storage"`
	Bridge        string `yaml:"bridge"`
	CloudImageURL string `yaml:"cloud_image_url"`
}

// K3s holds the cluster join settings rendered into every seed image.
type K3s struct {
	Version        string `yaml:"version"`
	ServerURL      string `yaml:"server_url"`
	ClusterToken   string `yaml:"cluster_token"`
	SSHPublicKey   string `yaml:"ssh_public_key"`
	RegistriesYAML string `yaml:"registries_yaml,omitempty"`
}

// Shape is the homogeneous instance shape of a node group.
type Shape struct {
	Cores    int `yaml:"cores"`
	MemoryMB int `yaml:"memory_mb"`
	DiskGB   int `yaml:"disk_gb"`
}

// NodeGroup is the static configuration of one autoscaled pool.
type NodeGroup struct {
	ID           string   `yaml:"id"`
	VMNamePrefix string   `yaml:"vm_name_prefix,omitempty"`
	MinSize      int      `yaml:"min_size"`
	MaxSize      int      `yaml:"max_size"`
	Shape        Shape    `yaml:"shape"`
	Labels       []string `yaml:"labels,omitempty"`
	Taints       []string `yaml:"taints,omitempty"`
}

// Config is the root configuration document.
type Config struct {
	Proxmox Proxmox `yaml:"proxmox"`
	K3s     K3s     `yaml:"k3s"`

	StateFile                string `yaml:"state_file"`
	PendingVMTimeoutSeconds  int    `yaml:"pending_vm_timeout_seconds"`
	ReconcileIntervalSeconds int    `yaml:"reconcile_interval_seconds"`

	NodeGroups []NodeGroup `yaml:"node_groups"`

	groups map[string]*NodeGroup
}

// Group returns the configuration of a node group, or nil if unknown.
func (c *Config) Group(id string) *NodeGroup {
	return c.groups[id]
}

// Groups returns all configured node groups in document order.
func (c *Config) Groups() []NodeGroup {
	return c.NodeGroups
}

func envOr(name, value string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}

	return value
}

func envOrBool(name string, value bool) bool {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}

	return value
}

func envOrInt(name string, value int) int {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}

	return value
}

// ReadConfig reads the yaml config file, applies the environment overlay and
// validates the result.
func ReadConfig(path string) (*Config, error) {
	cfg := Config{
		Proxmox: Proxmox{
			ImportStorage: "local",
			ISOStorage:    "local",
			VMStorage:     "local-lvm",
			Bridge:        "vmbr0",
		},
		K3s: K3s{
			Version: "v1.34.4+k3s1",
		},
		StateFile:                "/var/lib/autoscaler-provider-proxmox/state.db",
		PendingVMTimeoutSeconds:  900,
		ReconcileIntervalSeconds: 20,
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(ErrConfig, "error reading %s: %v", path, err)
		}

		if err = yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, errors.Wrapf(ErrConfig, "error parsing %s: %v", path, err)
		}
	}

	applyEnvOverlay(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnvOverlay(cfg *Config) {
	cfg.Proxmox.APIURL = envOr("PM_API_URL", cfg.Proxmox.APIURL)
	cfg.Proxmox.Node = envOr("PM_NODE", cfg.Proxmox.Node)
	cfg.Proxmox.TokenID = envOr("PM_SERVICE_TOKEN_ID", cfg.Proxmox.TokenID)
	cfg.Proxmox.TokenSecret = envOr("PM_SERVICE_TOKEN_SECRET", cfg.Proxmox.TokenSecret)
	cfg.Proxmox.TLSInsecure = envOrBool("PM_TLS_INSECURE", cfg.Proxmox.TLSInsecure)
	cfg.Proxmox.ImportStorage = envOr("IMPORT_STORAGE", cfg.Proxmox.ImportStorage)
	cfg.Proxmox.ISOStorage = envOr("ISO_STORAGE", cfg.Proxmox.ISOStorage)
	cfg.Proxmox.VMStorage = envOr("VM_STORAGE", cfg.Proxmox.VMStorage)
	cfg.Proxmox.Bridge = envOr("BRIDGE", cfg.Proxmox.Bridge)
	cfg.Proxmox.CloudImageURL = envOr("CLOUD_IMAGE_URL", cfg.Proxmox.CloudImageURL)

	cfg.K3s.Version = envOr("K3S_VERSION", cfg.K3s.Version)
	cfg.K3s.ServerURL = envOr("K3S_SERVER_URL", cfg.K3s.ServerURL)
	cfg.K3s.ClusterToken = envOr("K3S_CLUSTER_TOKEN", cfg.K3s.ClusterToken)
	cfg.K3s.SSHPublicKey = strings.TrimSpace(envOr("SSH_PUBLIC_KEY", cfg.K3s.SSHPublicKey))

	cfg.StateFile = envOr("PROVIDER_STATE_DB", cfg.StateFile)
	cfg.PendingVMTimeoutSeconds = envOrInt("PENDING_VM_TIMEOUT_SECONDS", cfg.PendingVMTimeoutSeconds)
	cfg.ReconcileIntervalSeconds = envOrInt("RECONCILE_INTERVAL_SECONDS", cfg.ReconcileIntervalSeconds)
}

func (c *Config) validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"PM_API_URL", c.Proxmox.APIURL},
		{"PM_NODE", c.Proxmox.Node},
		{"PM_SERVICE_TOKEN_ID", c.Proxmox.TokenID},
		{"PM_SERVICE_TOKEN_SECRET", c.Proxmox.TokenSecret},
		{"CLOUD_IMAGE_URL", c.Proxmox.CloudImageURL},
		{"K3S_SERVER_URL", c.K3s.ServerURL},
		{"K3S_CLUSTER_TOKEN", c.K3s.ClusterToken},
		{"SSH_PUBLIC_KEY", c.K3s.SSHPublicKey},
	}

	missing := []string{}

	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.key)
		}
	}

	if len(missing) > 0 {
		return errors.Wrapf(ErrConfig, "missing required settings: %s", strings.Join(missing, ", "))
	}

	if len(c.NodeGroups) == 0 {
		return errors.Wrap(ErrConfig, "no node_groups configured")
	}

	c.groups = make(map[string]*NodeGroup, len(c.NodeGroups))

	for i := range c.NodeGroups {
		group := &c.NodeGroups[i]

		if group.ID == "" {
			return errors.Wrap(ErrConfig, "node group without an id")
		}

		if _, dup := c.groups[group.ID]; dup {
			return errors.Wrapf(ErrConfig, "duplicate node group id %q", group.ID)
		}

		if group.MinSize < 0 || group.MaxSize < group.MinSize {
			return errors.Wrapf(ErrConfig, "node group %q: need 0 <= min_size <= max_size, got min=%d max=%d",
				group.ID, group.MinSize, group.MaxSize)
		}

		if group.VMNamePrefix == "" {
			group.VMNamePrefix = "ca-" + group.ID
		}

		if group.Shape.Cores <= 0 {
			group.Shape.Cores = 2
		}

		if group.Shape.MemoryMB <= 0 {
			group.Shape.MemoryMB = 2048
		}

		if group.Shape.DiskGB <= 0 {
			group.Shape.DiskGB = 20
		}

		c.groups[group.ID] = group
	}

	if c.PendingVMTimeoutSeconds < 120 {
		c.PendingVMTimeoutSeconds = 120
	}

	if c.ReconcileIntervalSeconds < 5 {
		c.ReconcileIntervalSeconds = 5
	}

	return nil
}

// VMName returns the hostname of a group member VM, <prefix>-<vmid>.
func (g *NodeGroup) VMName(vmid int) string {
	return fmt.Sprintf("%s-%d", g.VMNamePrefix, vmid)
}
