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
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	goproxmox "github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/providers/proxmox"
)

// fakeVM is the in-memory Proxmox view of one VM.
type fakeVM struct {
	Name    string
	Status  string
	Tags    []string
	HasDisk bool
	ISO     string
}

// fakeProxmox is an API double backed by maps. Operations mirror the real
// adapter's idempotency contract.
type fakeProxmox struct {
	mu sync.Mutex

	nextID int
	vms    map[int]*fakeVM
	isos   map[string]int

	// fail injects an error for the named operation.
	fail map[string]error

	createCalls int
	uploadCalls int
}

func newFakeProxmox() *fakeProxmox {
	return &fakeProxmox{
		nextID: 100,
		vms:    map[int]*fakeVM{},
		isos:   map[string]int{},
		fail:   map[string]error{},
	}
}

var _ goproxmox.API = (*fakeProxmox)(nil)

var (
	errFakeTransient = errors.Wrap(goproxmox.ErrTransient, "injected transient failure")
	errFakePermanent = errors.Wrap(goproxmox.ErrPermanent, "injected permanent failure")
)

func (f *fakeProxmox) failFor(op string) error {
	if err, ok := f.fail[op]; ok {
		return err
	}

	return nil
}

func (f *fakeProxmox) ListVMsWithTag(_ context.Context, tag string) ([]goproxmox.VMInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failFor("list"); err != nil {
		return nil, err
	}

	out := []goproxmox.VMInfo{}

	for vmid, vm := range f.vms {
		if lo.Contains(vm.Tags, tag) {
			out = append(out, goproxmox.VMInfo{VMID: vmid, Name: vm.Name, Status: vm.Status, Tags: vm.Tags})
		}
	}

	return out, nil
}

func (f *fakeProxmox) NextVMID(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failFor("nextid"); err != nil {
		return 0, err
	}

	id := f.nextID
	f.nextID++

	return id, nil
}

func (f *fakeProxmox) CreateVM(_ context.Context, req goproxmox.VMCreateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failFor("create"); err != nil {
		return err
	}

	if _, exists := f.vms[req.VMID]; exists {
		return nil
	}

	f.createCalls++
	f.vms[req.VMID] = &fakeVM{Name: req.Name, Status: "stopped", Tags: req.Tags}

	return nil
}

func (f *fakeProxmox) ImportDisk(_ context.Context, vmid int, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failFor("import"); err != nil {
		return err
	}

	vm, ok := f.vms[vmid]
	if !ok {
		return errors.Wrapf(goproxmox.ErrPermanent, "vm %d does not exist", vmid)
	}

	vm.HasDisk = true

	return nil
}

func (f *fakeProxmox) UploadISO(_ context.Context, filename, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failFor("upload"); err != nil {
		return err
	}

	f.uploadCalls++
	f.isos[filename]++

	return nil
}

func (f *fakeProxmox) ISOExists(_ context.Context, filename string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.isos[filename]

	return ok, nil
}

func (f *fakeProxmox) AttachISO(_ context.Context, vmid int, filename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failFor("attach"); err != nil {
		return err
	}

	vm, ok := f.vms[vmid]
	if !ok {
		return errors.Wrapf(goproxmox.ErrPermanent, "vm %d does not exist", vmid)
	}

	vm.ISO = filename

	return nil
}

func (f *fakeProxmox) StartVM(_ context.Context, vmid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failFor("start"); err != nil {
		return err
	}

	vm, ok := f.vms[vmid]
	if !ok {
		return errors.Wrapf(goproxmox.ErrPermanent, "vm %d does not exist", vmid)
	}

	vm.Status = "running"

	return nil
}

func (f *fakeProxmox) StopVM(_ context.Context, vmid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if vm, ok := f.vms[vmid]; ok {
		vm.Status = "stopped"
	}

	return nil
}

func (f *fakeProxmox) DestroyVM(_ context.Context, vmid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failFor("destroy"); err != nil {
		return err
	}

	delete(f.vms, vmid)

	return nil
}

func (f *fakeProxmox) DestroyISO(_ context.Context, _, volume string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failFor("destroyiso"); err != nil {
		return err
	}

	for name := range f.isos {
		if volume == "iso/"+name {
			delete(f.isos, name)
		}
	}

	return nil
}

func (f *fakeProxmox) VMStatus(_ context.Context, vmid int) (goproxmox.VMStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	vm, ok := f.vms[vmid]
	if !ok {
		return goproxmox.VMStatus{}, nil
	}

	return goproxmox.VMStatus{Present: true, Running: vm.Status == "running", Tags: vm.Tags}, nil
}

func (f *fakeProxmox) AttachedSeedISO(_ context.Context, vmid int) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	vm, ok := f.vms[vmid]
	if !ok || vm.ISO == "" {
		return "", "", nil
	}

	return "local", "iso/" + vm.ISO, nil
}

func (f *fakeProxmox) vmCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.vms)
}

func (f *fakeProxmox) vm(vmid int) fakeVM {
	f.mu.Lock()
	defer f.mu.Unlock()

	if vm, ok := f.vms[vmid]; ok {
		return *vm
	}

	return fakeVM{}
}

func (f *fakeProxmox) isoNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return lo.Keys(f.isos)
}

func (f *fakeProxmox) addVM(vmid int, vm fakeVM) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.vms[vmid] = &vm

	if vm.ISO != "" {
		f.isos[vm.ISO]++
	}
}

func (f *fakeProxmox) setFail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err == nil {
		delete(f.fail, op)

		return
	}

	f.fail[op] = err
}

func fakeHostname(prefix string, vmid int) string {
	return fmt.Sprintf("%s-%d", prefix, vmid)
}
