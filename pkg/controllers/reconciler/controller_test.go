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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/apis"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/config"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/groupcontext"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/lifecycle"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/providers/kube"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/providers/seed"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/store"
)

const testConfigYAML = `
proxmox:
  api_url: https://pve.example.com:8006
  node: pve1
  token_id: root@pam!ca
  token_secret: secret
  cloud_image_url: https://cloud.example.com/noble-server-cloudimg-amd64.img
k3s:
  server_url: https://k3s.example.com:6443
  cluster_token: join-token
  ssh_public_key: ssh-ed25519 AAAA test@host
state_file: %s
node_groups:
  - id: web
    min_size: 0
    max_size: 3
    shape:
      cores: 2
      memory_mb: 2048
      disk_gb: 20
`

type harness struct {
	cfg        *config.Config
	store      *store.Store
	proxmox    *fakeProxmox
	kube       *fake.Clientset
	controller *Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()

	configPath := filepath.Join(dir, "config.yaml")
	statePath := filepath.Join(dir, "state.db")

	require.NoError(t, os.WriteFile(configPath, []byte(fmt.Sprintf(testConfigYAML, statePath)), 0o600))

	cfg, err := config.ReadConfig(configPath)
	require.NoError(t, err)

	st, err := store.Open(cfg.StateFile)
	require.NoError(t, err)

	t.Cleanup(func() { st.Close() }) //nolint: errcheck

	px := newFakeProxmox()
	clientset := fake.NewSimpleClientset()
	kubeAdapter := kube.NewAdapter(clientset)
	gc := groupcontext.New(cfg, px, st)
	seedBuilder := seed.NewBuilder(cfg.K3s, px)

	return &harness{
		cfg:        cfg,
		store:      st,
		proxmox:    px,
		kube:       clientset,
		controller: New(cfg, gc, px, kubeAdapter, st, seedBuilder, logr.Discard()),
	}
}

func (h *harness) group(t *testing.T) config.NodeGroup {
	t.Helper()

	group := h.cfg.Group("web")
	require.NotNil(t, group)

	return *group
}

func (h *harness) addReadyNode(t *testing.T, vmid int, hostname string) {
	t.Helper()

	node := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name: hostname,
			Labels: map[string]string{
				apis.LabelNodeGroup: "web",
				apis.LabelVMID:      strconv.Itoa(vmid),
			},
		},
		Status: corev1.NodeStatus{
			Conditions: []corev1.NodeCondition{
				{Type: corev1.NodeReady, Status: corev1.ConditionTrue},
			},
		},
	}

	_, err := h.kube.CoreV1().Nodes().Create(context.Background(), node, metav1.CreateOptions{})
	require.NoError(t, err)
}

func (h *harness) liveVMIDs(t *testing.T) []int {
	t.Helper()

	rows, err := h.store.ListVMs("web")
	require.NoError(t, err)

	out := []int{}

	for _, row := range rows {
		if lifecycle.Live(row.State) {
			out = append(out, row.VMID)
		}
	}

	return out
}

// S1: cold start, IncreaseSize already bumped desired to 2; one reconcile
// creates two pending VMs with the group tag and seed ISOs attached.
func TestReconcileScaleUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.SetDesired("web", 2))
	require.NoError(t, h.controller.Tick(ctx))

	rows, err := h.store.ListVMs("web")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	for _, row := range rows {
		assert.Equal(t, lifecycle.StatePending, row.State)

		vm := h.proxmox.vm(row.VMID)
		assert.Contains(t, vm.Tags, apis.GroupTag("web"))
		assert.Contains(t, vm.Tags, apis.TagManaged)
		assert.Equal(t, seed.ISOName(row.VMID), vm.ISO)
		assert.True(t, vm.HasDisk)
		assert.Equal(t, "running", vm.Status)
	}

	assert.Equal(t, 2, h.proxmox.vmCount())
	assert.Len(t, h.proxmox.isoNames(), 2)
}

// S2: once the nodes register with matching labels, pending rows promote to
// active.
func TestReconcilePromotion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.SetDesired("web", 2))
	require.NoError(t, h.controller.Tick(ctx))

	rows, err := h.store.ListVMs("web")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	for _, row := range rows {
		h.addReadyNode(t, row.VMID, row.Hostname)
	}

	require.NoError(t, h.controller.Tick(ctx))

	rows, err = h.store.ListVMs("web")
	require.NoError(t, err)

	for _, row := range rows {
		assert.Equal(t, lifecycle.StateActive, row.State)
	}
}

// S3: a VM marked deleting_vm is destroyed, its ISO removed, the node
// object deleted and the row dropped over the teardown ticks.
func TestReconcileTeardownPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	group := h.group(t)

	require.NoError(t, h.store.SetDesired("web", 1))
	require.NoError(t, h.controller.Tick(ctx))

	rows, err := h.store.ListVMs("web")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	vmid := rows[0].VMID
	hostname := group.VMName(vmid)
	h.addReadyNode(t, vmid, hostname)
	require.NoError(t, h.controller.Tick(ctx))

	// Targeted deletion marked the row and lowered desired, as the scaling
	// controller would.
	_, err = h.store.TransitionVM(vmid, lifecycle.StateActive, lifecycle.EventRequestDelete, nil)
	require.NoError(t, err)
	require.NoError(t, h.store.SetDesired("web", 0))

	// deleting_vm -> deleting_iso
	require.NoError(t, h.controller.Tick(ctx))
	assert.Equal(t, 0, h.proxmox.vmCount())

	// deleting_iso -> deleting_node
	require.NoError(t, h.controller.Tick(ctx))
	assert.Empty(t, h.proxmox.isoNames())

	// deleting_node -> row removed
	require.NoError(t, h.controller.Tick(ctx))

	rows, err = h.store.ListVMs("web")
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = h.kube.CoreV1().Nodes().Get(ctx, hostname, metav1.GetOptions{})
	assert.Error(t, err)
}

// S4: a pending row older than the timeout fails, and the next ticks tear
// it down.
func TestReconcilePendingTimeout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	now := time.Now().UTC()

	h.proxmox.addVM(101, fakeVM{
		Name:   fakeHostname("ca-web", 101),
		Status: "stopped",
		Tags:   []string{apis.TagManaged, apis.GroupTag("web")},
	})

	require.NoError(t, h.store.InsertVM(store.VM{
		VMID:             101,
		GroupID:          "web",
		Hostname:         fakeHostname("ca-web", 101),
		State:            lifecycle.StatePending,
		CreatedAt:        now.Add(-time.Hour),
		LastTransitionAt: now.Add(-time.Hour),
	}))
	require.NoError(t, h.store.SetDesired("web", 0))

	require.NoError(t, h.controller.Tick(ctx))

	row, err := h.store.GetVM(101)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateFailed, row.State)
	assert.NotEmpty(t, row.LastError)

	// failed -> deleting_vm, then the teardown runs to completion.
	for range 4 {
		require.NoError(t, h.controller.Tick(ctx))
	}

	_, err = h.store.GetVM(101)
	assert.Error(t, err)
	assert.Equal(t, 0, h.proxmox.vmCount())
}

// S5: a running tagged VM without a row is adopted as active; a stopped one
// is torn down.
func TestReconcileOrphans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.proxmox.addVM(150, fakeVM{
		Name:   "ca-web-150",
		Status: "running",
		Tags:   []string{apis.TagManaged, apis.GroupTag("web")},
	})
	h.proxmox.addVM(151, fakeVM{
		Name:   "ca-web-151",
		Status: "stopped",
		Tags:   []string{apis.TagManaged, apis.GroupTag("web")},
		ISO:    seed.ISOName(151),
	})

	require.NoError(t, h.store.SetDesired("web", 1))
	require.NoError(t, h.controller.Tick(ctx))

	adopted, err := h.store.GetVM(150)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateActive, adopted.State)
	assert.Equal(t, "web", adopted.GroupID)

	// The unhealthy orphan entered the teardown path directly.
	if row, err := h.store.GetVM(151); err == nil {
		assert.True(t, lifecycle.Deleting(row.State))
	}

	for range 4 {
		require.NoError(t, h.controller.Tick(ctx))
	}

	_, err = h.store.GetVM(151)
	assert.Error(t, err)
	assert.Equal(t, fakeVM{}, h.proxmox.vm(151))
}

// Scale-down prefers pending victims over active, oldest first.
func TestReconcileScaleDownVictimSelection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	now := time.Now().UTC()

	for vmid, state := range map[int]lifecycle.State{
		200: lifecycle.StateActive,
		201: lifecycle.StatePending,
		202: lifecycle.StateActive,
	} {
		h.proxmox.addVM(vmid, fakeVM{
			Name:   fakeHostname("ca-web", vmid),
			Status: "running",
			Tags:   []string{apis.TagManaged, apis.GroupTag("web")},
		})
		require.NoError(t, h.store.InsertVM(store.VM{
			VMID:             vmid,
			GroupID:          "web",
			Hostname:         fakeHostname("ca-web", vmid),
			State:            state,
			CreatedAt:        now.Add(-time.Duration(vmid) * time.Second),
			LastTransitionAt: now,
		}))
	}

	require.NoError(t, h.store.SetDesired("web", 2))
	require.NoError(t, h.controller.Tick(ctx))

	row, err := h.store.GetVM(201)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateDeletingVM, row.State, "the pending VM is picked first")

	assert.ElementsMatch(t, []int{200, 202}, h.liveVMIDs(t))
}

// Property 5: re-entering the create pipeline must not duplicate VMs, disk
// volumes or ISOs.
func TestCreatePipelineIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.SetDesired("web", 1))
	require.NoError(t, h.controller.Tick(ctx))

	// The node never registers, so the pending row re-enters the pipeline
	// on every tick.
	for range 3 {
		require.NoError(t, h.controller.Tick(ctx))
	}

	assert.Equal(t, 1, h.proxmox.createCalls)
	assert.Equal(t, 1, h.proxmox.uploadCalls)
	assert.Equal(t, 1, h.proxmox.vmCount())
	assert.Len(t, h.proxmox.isoNames(), 1)
}

// A transient step failure leaves the row pending; the next tick finishes
// the pipeline.
func TestCreatePipelineTransientFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.proxmox.setFail("start", errFakeTransient)

	require.NoError(t, h.store.SetDesired("web", 1))
	require.NoError(t, h.controller.Tick(ctx))

	rows, err := h.store.ListVMs("web")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, lifecycle.StatePending, rows[0].State)
	assert.Equal(t, "stopped", h.proxmox.vm(rows[0].VMID).Status)

	h.proxmox.setFail("start", nil)
	require.NoError(t, h.controller.Tick(ctx))

	assert.Equal(t, "running", h.proxmox.vm(rows[0].VMID).Status)
}

// A permanent step failure moves the row to failed.
func TestCreatePipelinePermanentFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.proxmox.setFail("import", errFakePermanent)

	require.NoError(t, h.store.SetDesired("web", 1))
	require.NoError(t, h.controller.Tick(ctx))

	rows, err := h.store.ListVMs("web")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, lifecycle.StateFailed, rows[0].State)
	assert.Contains(t, rows[0].LastError, "import disk")
}

// Property 3: after a crash (store reopened against the same Proxmox
// state), reconcile converges to live == desired with no orphans.
func TestCrashConvergence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.SetDesired("web", 2))
	require.NoError(t, h.controller.Tick(ctx))
	require.Equal(t, 2, h.proxmox.vmCount())

	// Simulate a crash between adapter calls: close and reopen the store,
	// keep the fake Proxmox state.
	require.NoError(t, h.store.Close())

	st, err := store.Open(h.cfg.StateFile)
	require.NoError(t, err)

	t.Cleanup(func() { st.Close() }) //nolint: errcheck

	gc := groupcontext.New(h.cfg, h.proxmox, st)
	controller := New(h.cfg, gc, h.proxmox, kube.NewAdapter(h.kube), st, seed.NewBuilder(h.cfg.K3s, h.proxmox), logr.Discard())

	require.NoError(t, controller.Tick(ctx))

	rows, err := st.ListVMs("web")
	require.NoError(t, err)

	live := 0

	for _, row := range rows {
		if lifecycle.Live(row.State) {
			live++
		}
	}

	desired, err := st.GetDesired("web")
	require.NoError(t, err)
	assert.Equal(t, desired, live)
	assert.Equal(t, live, h.proxmox.vmCount())
}

// A tracked non-pending row whose VM vanished from Proxmox moves onto the
// teardown path and its row is eventually removed.
func TestTrackedMissingVM(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	now := time.Now().UTC()

	require.NoError(t, h.store.InsertVM(store.VM{
		VMID:             300,
		GroupID:          "web",
		Hostname:         "ca-web-300",
		State:            lifecycle.StateActive,
		CreatedAt:        now,
		LastTransitionAt: now,
	}))
	require.NoError(t, h.store.SetDesired("web", 0))

	require.NoError(t, h.controller.Tick(ctx))

	if row, err := h.store.GetVM(300); err == nil {
		assert.True(t, lifecycle.Deleting(row.State))
	}

	for range 3 {
		require.NoError(t, h.controller.Tick(ctx))
	}

	_, err := h.store.GetVM(300)
	assert.Error(t, err)
}
