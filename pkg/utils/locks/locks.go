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

// Package locks provides keyed in-process mutual exclusion. The scaling
// controller serialises desired-size mutations per node group with it; the
// store's conditional writes remain the authoritative barrier.
package locks

import "sync"

// GroupLocks is a set of named mutexes, one per node group.
type GroupLocks struct {
	locks sync.Map
}

// NewGroupLocks creates an empty lock set.
func NewGroupLocks() *GroupLocks {
	return &GroupLocks{}
}

// Lock acquires the mutex of a group, creating it on first use.
func (g *GroupLocks) Lock(groupID string) {
	actual, _ := g.locks.LoadOrStore(groupID, &sync.Mutex{})
	actual.(*sync.Mutex).Lock()
}

// Unlock releases the mutex of a group.
func (g *GroupLocks) Unlock(groupID string) {
	if actual, ok := g.locks.Load(groupID); ok {
		actual.(*sync.Mutex).Unlock()
	}
}
