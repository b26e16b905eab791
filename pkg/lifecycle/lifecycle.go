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

// Package lifecycle defines the VM lifecycle states and the pure transition
// table that drives them. Transitions carry no side effects; the reconciler
// executes the effect matching the state it observed and commits the
// transition as a conditional write on the state store.
package lifecycle

import (
	"github.com/pkg/errors"
)

// State is the lifecycle state of a managed VM.
type State string

const (
	// StatePending - the VM is being created or has not yet registered in Kubernetes.
	StatePending State = "pending"
	// StateActive - the VM is running and its node is registered.
	StateActive State = "active"
	// StateFailed - a creation step permanently failed or pending timed out.
	StateFailed State = "failed"
	// StateDeletingVM - the Proxmox VM is being destroyed.
	StateDeletingVM State = "deleting_vm"
	// StateDeletingISO - the seed ISO is being destroyed.
	StateDeletingISO State = "deleting_iso"
	// StateDeletingNode - the Kubernetes node object is being deleted.
	StateDeletingNode State = "deleting_node"
	// StateGone - terminal pseudo-state; the row is removed when reached.
	StateGone State = "gone"
)

// Event names a cause for a lifecycle transition.
type Event string

const (
	// EventActivate - the VM is running and its node registered with matching labels.
	EventActivate Event = "activate"
	// EventFail - a permanent creation failure, pending timeout, or an active VM that stopped running.
	EventFail Event = "fail"
	// EventRequestDelete - scale-down or targeted deletion selected this VM.
	EventRequestDelete Event = "request_delete"
	// EventInfraMissing - the store tracks the VM but Proxmox no longer has it.
	EventInfraMissing Event = "infra_missing"
	// EventVMDestroyed - Proxmox confirmed the VM is gone.
	EventVMDestroyed Event = "vm_destroyed"
	// EventISODestroyed - the seed ISO is gone.
	EventISODestroyed Event = "iso_destroyed"
	// EventNodeDeleted - the Kubernetes node object is gone.
	EventNodeDeleted Event = "node_deleted"
)

// ErrIllegalTransition is returned for transitions outside the table.
// Programmer error: it is logged and never mutates the store.
var ErrIllegalTransition = errors.New("illegal lifecycle transition")

var transitions = map[State]map[Event]State{
	StatePending: {
		EventActivate:      StateActive,
		EventFail:          StateFailed,
		EventRequestDelete: StateDeletingVM,
		EventInfraMissing:  StateDeletingVM,
	},
	StateActive: {
		EventFail:          StateFailed,
		EventRequestDelete: StateDeletingVM,
		EventInfraMissing:  StateDeletingVM,
	},
	StateFailed: {
		EventRequestDelete: StateDeletingVM,
		EventInfraMissing:  StateDeletingVM,
	},
	StateDeletingVM: {
		EventVMDestroyed:  StateDeletingISO,
		EventInfraMissing: StateDeletingISO,
	},
	StateDeletingISO: {
		EventISODestroyed: StateDeletingNode,
	},
	StateDeletingNode: {
		EventNodeDeleted: StateGone,
	},
}

// Valid reports whether s is one of the six stored lifecycle states.
func Valid(s State) bool {
	switch s {
	case StatePending, StateActive, StateFailed, StateDeletingVM, StateDeletingISO, StateDeletingNode:
		return true
	default:
		return false
	}
}

// Deleting reports whether s is on the teardown path.
func Deleting(s State) bool {
	return s == StateDeletingVM || s == StateDeletingISO || s == StateDeletingNode
}

// Live reports whether s counts toward a group's live size.
func Live(s State) bool {
	return s == StatePending || s == StateActive
}

// Next resolves the transition table for (state, event).
func Next(s State, e Event) (State, error) {
	if row, ok := transitions[s]; ok {
		if next, ok := row[e]; ok {
			return next, nil
		}
	}

	return s, errors.Wrapf(ErrIllegalTransition, "%s on %s", e, s)
}
