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

// Package store persists the provider state in a single bbolt file: one
// bucket for per-group desired sizes and one for VM records. Desired-size
// CAS, VM inserts and VM transitions are conditional; a losing writer
// observes ErrStaleState, ErrConcurrentUpdate or ErrExists and reloads.
// SetDesired is the one unconditional write. The file is single-process, crash-safe, and the only durable
// state the provider owns.
package store

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/lifecycle"
)

var (
	// ErrStaleState is returned when a VM transition's expected state no
	// longer matches the stored row. Callers reload and retry.
	ErrStaleState = errors.New("stale vm state")
	// ErrConcurrentUpdate is returned when a desired-size CAS loses.
	ErrConcurrentUpdate = errors.New("concurrent desired-size update")
	// ErrNotFound is returned for missing rows.
	ErrNotFound = errors.New("record not found")
	// ErrExists is returned when inserting a row whose vmid is taken.
	ErrExists = errors.New("record already exists")
)

var (
	bucketGroups = []byte("group_desired")
	bucketVMs    = []byte("vms")
)

// VM is one managed virtual machine row. The store is its only owner and the
// lifecycle transitions are the only writes after insert.
type VM struct {
	VMID             int             `json:"vmid"`
	GroupID          string          `json:"group_id"`
	Hostname         string          `json:"hostname"`
	State            lifecycle.State `json:"state"`
	CreatedAt        time.Time       `json:"created_at"`
	LastTransitionAt time.Time       `json:"last_transition_at"`
	LastError        string          `json:"last_error,omitempty"`

	// Seed ISO volume kept for the deleting_iso step, recorded while the VM
	// config is still readable.
	CleanupStorage string `json:"cleanup_storage,omitempty"`
	CleanupVolume  string `json:"cleanup_volume,omitempty"`
}

// Store is the durable state store.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the state file and its buckets.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, errors.Wrapf(err, "unable to create state directory %s", dir)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open state file %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketGroups); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(bucketVMs)

		return err
	})
	if err != nil {
		db.Close() //nolint: errcheck

		return nil, errors.Wrap(err, "unable to initialize state buckets")
	}

	return &Store{db: db}, nil
}

// Close flushes and closes the state file.
func (s *Store) Close() error {
	return s.db.Close()
}

func vmKey(vmid int) []byte {
	return []byte(strconv.Itoa(vmid))
}

// GetDesired returns the desired size of a group. ErrNotFound before the
// first Scaling Controller or Reconciler write.
func (s *Store) GetDesired(groupID string) (int, error) {
	var desired int

	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketGroups).Get([]byte(groupID))
		if raw == nil {
			return errors.Wrapf(ErrNotFound, "no desired size for group %s", groupID)
		}

		desired = int(binary.BigEndian.Uint64(raw))

		return nil
	})

	return desired, err
}

// InitDesired writes a desired size only if the group has none yet and
// returns the value stored afterwards.
func (s *Store) InitDesired(groupID string, desired int) (int, error) {
	stored := desired

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketGroups)

		if raw := bucket.Get([]byte(groupID)); raw != nil {
			stored = int(binary.BigEndian.Uint64(raw))

			return nil
		}

		return bucket.Put([]byte(groupID), encodeInt(desired))
	})

	return stored, err
}

// CASDesired sets the desired size of a group iff the stored value still
// equals expected. Fails with ErrConcurrentUpdate otherwise.
func (s *Store) CASDesired(groupID string, expected, desired int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketGroups)

		if raw := bucket.Get([]byte(groupID)); raw != nil {
			if cur := int(binary.BigEndian.Uint64(raw)); cur != expected {
				return errors.Wrapf(ErrConcurrentUpdate, "group %s: expected %d, stored %d", groupID, expected, cur)
			}
		} else if expected != 0 {
			return errors.Wrapf(ErrConcurrentUpdate, "group %s: expected %d, stored nothing", groupID, expected)
		}

		return bucket.Put([]byte(groupID), encodeInt(desired))
	})
}

// SetDesired overwrites the desired size unconditionally. Reserved for the
// reconciler's clamping into configured bounds.
func (s *Store) SetDesired(groupID string, desired int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGroups).Put([]byte(groupID), encodeInt(desired))
	})
}

// GetVM returns a single VM row.
func (s *Store) GetVM(vmid int) (*VM, error) {
	var vm *VM

	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketVMs).Get(vmKey(vmid))
		if raw == nil {
			return errors.Wrapf(ErrNotFound, "no row for vmid %d", vmid)
		}

		vm = &VM{}

		return json.Unmarshal(raw, vm)
	})

	return vm, err
}

// InsertVM creates a new row. The vmid must be unused.
func (s *Store) InsertVM(vm VM) error {
	if !lifecycle.Valid(vm.State) {
		return errors.Wrapf(lifecycle.ErrIllegalTransition, "insert with state %s", vm.State)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketVMs)

		if bucket.Get(vmKey(vm.VMID)) != nil {
			return errors.Wrapf(ErrExists, "vmid %d", vm.VMID)
		}

		raw, err := json.Marshal(&vm)
		if err != nil {
			return err
		}

		return bucket.Put(vmKey(vm.VMID), raw)
	})
}

// TransitionVM commits a lifecycle transition iff the stored state still
// matches from. Reaching lifecycle.StateGone removes the row. The optional
// mutate hook adjusts auxiliary fields (last error, cleanup volume) inside
// the same transaction.
func (s *Store) TransitionVM(vmid int, from lifecycle.State, event lifecycle.Event, mutate func(*VM)) (*VM, error) {
	next, err := lifecycle.Next(from, event)
	if err != nil {
		return nil, err
	}

	var out *VM

	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketVMs)

		raw := bucket.Get(vmKey(vmid))
		if raw == nil {
			return errors.Wrapf(ErrStaleState, "vmid %d: row removed", vmid)
		}

		vm := VM{}
		if err := json.Unmarshal(raw, &vm); err != nil {
			return err
		}

		if vm.State != from {
			return errors.Wrapf(ErrStaleState, "vmid %d: expected %s, stored %s", vmid, from, vm.State)
		}

		if next == lifecycle.StateGone {
			out = nil

			return bucket.Delete(vmKey(vmid))
		}

		vm.State = next
		vm.LastTransitionAt = time.Now().UTC()
		vm.LastError = ""

		if mutate != nil {
			mutate(&vm)
		}

		updated, err := json.Marshal(&vm)
		if err != nil {
			return err
		}

		out = &vm

		return bucket.Put(vmKey(vmid), updated)
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// ListVMs returns all rows of one group, ordered by vmid.
func (s *Store) ListVMs(groupID string) ([]VM, error) {
	all, err := s.ListAllVMs()
	if err != nil {
		return nil, err
	}

	vms := make([]VM, 0, len(all))

	for _, vm := range all {
		if vm.GroupID == groupID {
			vms = append(vms, vm)
		}
	}

	return vms, nil
}

// ListAllVMs returns every row, ordered by vmid.
func (s *Store) ListAllVMs() ([]VM, error) {
	vms := []VM{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVMs).ForEach(func(_, raw []byte) error {
			vm := VM{}
			if err := json.Unmarshal(raw, &vm); err != nil {
				return err
			}

			vms = append(vms, vm)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(vms, func(i, j int) bool { return vms[i].VMID < vms[j].VMID })

	return vms, nil
}

func encodeInt(v int) []byte {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, uint64(v)) //nolint: gosec

	return raw
}
