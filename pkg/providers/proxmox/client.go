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

// Package goproxmox is the async facade over Proxmox VM operations used by
// the reconciler. Every method is idempotent and classifies failures as
// transient (retry next tick) or permanent (the VM goes to failed).
package goproxmox

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/luthermonson/go-proxmox"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/config"
)

const (
	callTimeout     = 30 * time.Second
	transferTimeout = 10 * time.Minute

	taskWaitSeconds = 5 * 60

	importContent = "import"
	isoContent    = "iso"
)

// API is the operation surface the reconciler and group context consume.
type API interface {
	ListVMsWithTag(ctx context.Context, tag string) ([]VMInfo, error)
	NextVMID(ctx context.Context) (int, error)
	CreateVM(ctx context.Context, req VMCreateRequest) error
	ImportDisk(ctx context.Context, vmid int, diskGB int) error
	UploadISO(ctx context.Context, filename, localPath string) error
	ISOExists(ctx context.Context, filename string) (bool, error)
	AttachISO(ctx context.Context, vmid int, filename string) error
	StartVM(ctx context.Context, vmid int) error
	StopVM(ctx context.Context, vmid int) error
	DestroyVM(ctx context.Context, vmid int) error
	DestroyISO(ctx context.Context, storage, volume string) error
	VMStatus(ctx context.Context, vmid int) (VMStatus, error)
	AttachedSeedISO(ctx context.Context, vmid int) (storage, volume string, err error)
}

// APIClient implements API over the Proxmox HTTP API.
type APIClient struct {
	*proxmox.Client

	cfg config.Proxmox

	lastVmID *cache.Cache
}

var _ API = (*APIClient)(nil)

// NewAPIClient initializes a GO-Proxmox API client for the configured node.
func NewAPIClient(ctx context.Context, cfg config.Proxmox) (*APIClient, error) {
	options := []proxmox.Option{
		proxmox.WithUserAgent("autoscaler-provider-proxmox v1.0"),
		proxmox.WithAPIToken(cfg.TokenID, cfg.TokenSecret),
	}

	if cfg.TLSInsecure {
		httpTr := &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint: gosec
		}

		options = append(options, proxmox.WithHTTPClient(&http.Client{Transport: httpTr}))
	}

	return &APIClient{
		Client:   proxmox.NewClient(strings.TrimSuffix(cfg.APIURL, "/"), options...),
		cfg:      cfg,
		lastVmID: cache.New(5*time.Minute, 10*time.Minute),
	}, nil
}

type vmListItem struct {
	VMID   int    `json:"vmid"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Tags   string `json:"tags"`
}

type vmConfigData struct {
	Name  string `json:"name"`
	Tags  string `json:"tags"`
	SCSI0 string `json:"scsi0"`
	IDE2  string `json:"ide2"`
}

type vmCurrentStatus struct {
	Status string `json:"status"`
	Tags   string `json:"tags"`
}

// ListVMsWithTag lists the node's VMs carrying the given tag.
func (c *APIClient) ListVMsWithTag(ctx context.Context, tag string) ([]VMInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	items := []vmListItem{}

	if err := c.retryGet(ctx, fmt.Sprintf("/nodes/%s/qemu", c.cfg.Node), &items); err != nil {
		return nil, classify(err)
	}

	vms := make([]VMInfo, 0, len(items))

	for _, item := range items {
		tags := parseTags(item.Tags)
		if len(tags) == 0 {
			// The listing omits tags on some Proxmox versions.
			cfg := vmConfigData{}
			if err := c.retryGet(ctx, fmt.Sprintf("/nodes/%s/qemu/%d/config", c.cfg.Node, item.VMID), &cfg); err == nil {
				tags = parseTags(cfg.Tags)
			}
		}

		if lo.Contains(tags, tag) {
			vms = append(vms, VMInfo{
				VMID:   item.VMID,
				Name:   item.Name,
				Status: item.Status,
				Tags:   tags,
			})
		}
	}

	return vms, nil
}

// NextVMID asks the cluster for a free vmid, skipping ids handed out within
// the cache window so that two creations in one tick cannot collide.
func (c *APIClient) NextVMID(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var ret string

	if err := c.GetWithParams(ctx, "/cluster/nextid", nil, &ret); err != nil {
		return 0, classify(err)
	}

	vmid, err := strconv.Atoi(ret)
	if err != nil {
		return 0, errors.Wrapf(ErrPermanent, "bad nextid %q", ret)
	}

	for {
		if _, found := c.lastVmID.Get(strconv.Itoa(vmid)); !found {
			break
		}

		vmid++
	}

	c.lastVmID.SetDefault(strconv.Itoa(vmid), struct{}{})

	return vmid, nil
}

// CreateVM creates the VM shell: shape, network, serial console and tags,
// no boot disk yet. A vmid collision counts as success.
func (c *APIClient) CreateVM(ctx context.Context, req VMCreateRequest) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	data := map[string]interface{}{
		"vmid":      strconv.Itoa(req.VMID),
		"name":      req.Name,
		"agent":     "1",
		"cores":     strconv.Itoa(req.Cores),
		"memory":    strconv.Itoa(req.MemoryMB),
		"net0":      fmt.Sprintf("virtio,bridge=%s", c.cfg.Bridge),
		"ipconfig0": "ip=dhcp",
		"scsihw":    "virtio-scsi-pci",
		"serial0":   "socket",
		"vga":       "serial0",
		"ostype":    "l26",
		"tags":      strings.Join(req.Tags, ";"),
	}

	var upid proxmox.UPID

	if err := c.Post(ctx, fmt.Sprintf("/nodes/%s/qemu", c.cfg.Node), &data, &upid); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}

		return classify(err)
	}

	return c.waitTask(ctx, upid)
}

// ImportDisk streams the configured cloud image into the VM storage and
// attaches it as the boot disk. A VM that already has a boot disk is left
// untouched.
func (c *APIClient) ImportDisk(ctx context.Context, vmid int, diskGB int) error {
	ctx, cancel := context.WithTimeout(ctx, transferTimeout)
	defer cancel()

	cfg := vmConfigData{}
	if err := c.retryGet(ctx, fmt.Sprintf("/nodes/%s/qemu/%d/config", c.cfg.Node, vmid), &cfg); err != nil {
		return classify(err)
	}

	if cfg.SCSI0 != "" {
		return nil
	}

	image, err := c.ensureCloudImage(ctx)
	if err != nil {
		return err
	}

	data := map[string]interface{}{
		"scsi0": fmt.Sprintf("%s:0,import-from=%s:%s/%s,discard=on", c.cfg.VMStorage, c.cfg.ImportStorage, importContent, image),
		"boot":  "order=scsi0",
	}

	var upid proxmox.UPID

	if err := c.Post(ctx, fmt.Sprintf("/nodes/%s/qemu/%d/config", c.cfg.Node, vmid), &data, &upid); err != nil {
		return classify(err)
	}

	if err := c.waitTask(ctx, upid); err != nil {
		return err
	}

	if diskGB > 0 {
		resize := map[string]interface{}{"disk": "scsi0", "size": fmt.Sprintf("%dG", diskGB)}

		var resizeUpid proxmox.UPID

		// Shrinking is rejected by Proxmox; a smaller-than-image size is fine to ignore.
		if err := c.Put(ctx, fmt.Sprintf("/nodes/%s/qemu/%d/resize", c.cfg.Node, vmid), &resize, &resizeUpid); err == nil {
			return c.waitTask(ctx, resizeUpid)
		}
	}

	return nil
}

// ensureCloudImage downloads the cloud image into the import storage once
// and returns its filename.
func (c *APIClient) ensureCloudImage(ctx context.Context) (string, error) {
	imageURL, err := url.Parse(c.cfg.CloudImageURL)
	if err != nil {
		return "", errors.Wrapf(ErrPermanent, "bad cloud image url %q", c.cfg.CloudImageURL)
	}

	filename := path.Base(imageURL.Path)
	if filename == "" || filename == "." || filename == "/" {
		return "", errors.Wrapf(ErrPermanent, "cloud image url %q has no filename", c.cfg.CloudImageURL)
	}

	if !strings.HasSuffix(filename, ".qcow2") {
		filename = strings.TrimSuffix(filename, path.Ext(filename)) + ".qcow2"
	}

	node, err := c.Node(ctx, c.cfg.Node)
	if err != nil {
		return "", classify(err)
	}

	st, err := node.Storage(ctx, c.cfg.ImportStorage)
	if err != nil {
		return "", classify(err)
	}

	content, err := st.GetContent(ctx)
	if err != nil {
		return "", classify(err)
	}

	want := fmt.Sprintf("%s:%s/%s", c.cfg.ImportStorage, importContent, filename)
	if _, found := lo.Find(content, func(item *proxmox.StorageContent) bool {
		return item.Volid == want
	}); found {
		return filename, nil
	}

	upid, err := node.StorageDownloadURL(ctx, &proxmox.StorageDownloadURLOptions{
		Node:     node.Name,
		Content:  importContent,
		Storage:  c.cfg.ImportStorage,
		URL:      c.cfg.CloudImageURL,
		Filename: filename,
	})
	if err != nil {
		return "", classify(err)
	}

	if err := c.waitTask(ctx, proxmox.UPID(upid)); err != nil {
		return "", err
	}

	return filename, nil
}

// UploadISO pushes a local ISO file into the ISO storage.
func (c *APIClient) UploadISO(ctx context.Context, filename, localPath string) error {
	ctx, cancel := context.WithTimeout(ctx, transferTimeout)
	defer cancel()

	node, err := c.Node(ctx, c.cfg.Node)
	if err != nil {
		return classify(err)
	}

	st, err := node.Storage(ctx, c.cfg.ISOStorage)
	if err != nil {
		return classify(err)
	}

	task, err := st.Upload(isoContent, localPath)
	if err != nil {
		return classify(errors.Wrapf(err, "upload iso %s", filename))
	}

	if err := task.WaitFor(ctx, taskWaitSeconds); err != nil {
		return classify(errors.Wrapf(err, "upload iso %s", filename))
	}

	return nil
}

// ISOExists reports whether the ISO storage already holds filename.
func (c *APIClient) ISOExists(ctx context.Context, filename string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	node, err := c.Node(ctx, c.cfg.Node)
	if err != nil {
		return false, classify(err)
	}

	st, err := node.Storage(ctx, c.cfg.ISOStorage)
	if err != nil {
		return false, classify(err)
	}

	content, err := st.GetContent(ctx)
	if err != nil {
		return false, classify(err)
	}

	want := fmt.Sprintf("%s:%s/%s", c.cfg.ISOStorage, isoContent, filename)
	_, found := lo.Find(content, func(item *proxmox.StorageContent) bool {
		return item.Volid == want
	})

	return found, nil
}

// AttachISO mounts the named seed ISO as the VM's cdrom.
func (c *APIClient) AttachISO(ctx context.Context, vmid int, filename string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	data := map[string]interface{}{
		"ide2": fmt.Sprintf("%s:%s/%s,media=cdrom", c.cfg.ISOStorage, isoContent, filename),
	}

	var upid proxmox.UPID

	if err := c.Post(ctx, fmt.Sprintf("/nodes/%s/qemu/%d/config", c.cfg.Node, vmid), &data, &upid); err != nil {
		return classify(err)
	}

	return c.waitTask(ctx, upid)
}

// StartVM starts the VM. Starting a running VM is a no-op on the API side.
func (c *APIClient) StartVM(ctx context.Context, vmid int) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var upid proxmox.UPID

	if err := c.Post(ctx, fmt.Sprintf("/nodes/%s/qemu/%d/status/start", c.cfg.Node, vmid), nil, &upid); err != nil {
		return classify(err)
	}

	return c.waitTask(ctx, upid)
}

// StopVM requests a graceful shutdown, falling back to a hard stop after
// the guest deadline expires.
func (c *APIClient) StopVM(ctx context.Context, vmid int) error {
	ctx, cancel := context.WithTimeout(ctx, 2*callTimeout)
	defer cancel()

	data := map[string]interface{}{
		"timeout":   "30",
		"forceStop": "1",
	}

	var upid proxmox.UPID

	if err := c.Post(ctx, fmt.Sprintf("/nodes/%s/qemu/%d/status/shutdown", c.cfg.Node, vmid), &data, &upid); err != nil {
		return classify(err)
	}

	return c.waitTask(ctx, upid)
}

// DestroyVM stops and purges the VM together with its unreferenced disks.
// An absent VM counts as success.
func (c *APIClient) DestroyVM(ctx context.Context, vmid int) error {
	ctx, cancel := context.WithTimeout(ctx, transferTimeout)
	defer cancel()

	status, err := c.VMStatus(ctx, vmid)
	if err != nil {
		return err
	}

	if !status.Present {
		return nil
	}

	if status.Running {
		if err := c.StopVM(ctx, vmid); err != nil && !IsPermanent(err) {
			return err
		}
	}

	var upid proxmox.UPID

	path := fmt.Sprintf("/nodes/%s/qemu/%d?purge=1&destroy-unreferenced-disks=1", c.cfg.Node, vmid)
	if err := c.Delete(ctx, path, &upid); err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil
		}

		return classify(err)
	}

	c.lastVmID.SetDefault(strconv.Itoa(vmid), struct{}{})

	return c.waitTask(ctx, upid)
}

// DestroyISO removes a seed ISO volume. An absent volume counts as success.
func (c *APIClient) DestroyISO(ctx context.Context, storage, volume string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var upid string

	if err := c.Delete(ctx, fmt.Sprintf("/nodes/%s/storage/%s/content/%s:%s", c.cfg.Node, storage, storage, volume), &upid); err != nil {
		msg := err.Error()
		if strings.Contains(msg, "does not exist") || strings.Contains(msg, "404") {
			return nil
		}

		return classify(err)
	}

	return c.waitTask(ctx, proxmox.UPID(upid))
}

// VMStatus reports presence, run state and tags of a VM.
func (c *APIClient) VMStatus(ctx context.Context, vmid int) (VMStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	current := vmCurrentStatus{}

	if err := c.retryGet(ctx, fmt.Sprintf("/nodes/%s/qemu/%d/status/current", c.cfg.Node, vmid), &current); err != nil {
		msg := err.Error()
		if strings.Contains(msg, "does not exist") || strings.Contains(msg, "500 Configuration file") {
			return VMStatus{Present: false}, nil
		}

		return VMStatus{}, classify(err)
	}

	tags := parseTags(current.Tags)
	if len(tags) == 0 {
		cfg := vmConfigData{}
		if err := c.retryGet(ctx, fmt.Sprintf("/nodes/%s/qemu/%d/config", c.cfg.Node, vmid), &cfg); err == nil {
			tags = parseTags(cfg.Tags)
		}
	}

	return VMStatus{
		Present: true,
		Running: current.Status == "running",
		Tags:    tags,
	}, nil
}

// AttachedSeedISO reads the VM config and returns the seed ISO volume
// mounted on ide2, if any.
func (c *APIClient) AttachedSeedISO(ctx context.Context, vmid int) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	cfg := vmConfigData{}
	if err := c.retryGet(ctx, fmt.Sprintf("/nodes/%s/qemu/%d/config", c.cfg.Node, vmid), &cfg); err != nil {
		return "", "", classify(err)
	}

	storage, volume, ok := ParseSeedVolume(cfg.IDE2)
	if !ok {
		return "", "", nil
	}

	return storage, volume, nil
}

// ParseSeedVolume extracts (storage, volume) from an ide2 drive string like
// "local:iso/seed-101.iso,media=cdrom". Only seed-*.iso volumes match.
func ParseSeedVolume(drive string) (storage, volume string, ok bool) {
	first := strings.TrimSpace(strings.SplitN(drive, ",", 2)[0])

	storage, volume, found := strings.Cut(first, ":")
	if !found || storage == "" || !strings.HasPrefix(volume, isoContent+"/") {
		return "", "", false
	}

	filename := strings.TrimPrefix(volume, isoContent+"/")
	if !strings.HasPrefix(filename, "seed-") || !strings.HasSuffix(filename, ".iso") {
		return "", "", false
	}

	return storage, volume, true
}

// retryGet performs a GET with a couple of quick retries to ride out
// momentary API hiccups inside the call deadline.
func (c *APIClient) retryGet(ctx context.Context, path string, out interface{}) error {
	return retry.Do(
		func() error { return c.Get(ctx, path, out) },
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !strings.Contains(err.Error(), "bad request: 4") && !strings.Contains(err.Error(), "does not exist")
		}),
	)
}

func (c *APIClient) waitTask(ctx context.Context, upid proxmox.UPID) error {
	if upid == "" {
		return nil
	}

	task := proxmox.NewTask(upid, c.Client)
	if err := task.WaitFor(ctx, taskWaitSeconds); err != nil {
		return classify(err)
	}

	if task.IsFailed {
		return classify(errors.Errorf("task %s failed: %s", string(upid), task.ExitStatus))
	}

	return nil
}

func parseTags(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ';' || r == ',' })

	tags := make([]string, 0, len(fields))

	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			tags = append(tags, f)
		}
	}

	return tags
}
