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

package seed

const (
	// DefaultMetaData is the cloud-init meta-data document.
	DefaultMetaData = `instance-id: {{ .Hostname }}
local-hostname: {{ .Hostname }}
`

	// DefaultUserData joins the node to the k3s cluster as an agent with the
	// group and vmid labels the provider resolves nodes by.
	DefaultUserData = `#cloud-config
hostname: {{ .Hostname }}
manage_etc_hosts: true
package_update: true
packages:
  - qemu-guest-agent
  - curl

users:
  - name: k3s
    gecos: Kubernetes User
    sudo: ALL=(ALL) NOPASSWD:ALL
    groups: [users]
    shell: /bin/bash
    ssh_authorized_keys:
      - {{ .SSHPublicKey | quote }}

{{- if .RegistriesYAML }}
write_files:
  - path: /etc/rancher/k3s/registries.yaml
    owner: root:root
    permissions: "0600"
    content: |
      {{- .RegistriesYAML | nindent 6 }}
{{- end }}

runcmd:
  - [ systemctl, enable, --now, qemu-guest-agent.service ]
  - >-
    curl -sfL https://get.k3s.io |
    INSTALL_K3S_VERSION={{ .K3sVersion | quote }}
    K3S_URL={{ .ServerURL | quote }}
    K3S_TOKEN={{ .ClusterToken | quote }}
    sh -s - agent
    {{- range .NodeLabels }}
    --node-label {{ . | quote }}
    {{- end }}
    {{- range .NodeTaints }}
    --node-taint {{ . | quote }}
    {{- end }}
`
)
