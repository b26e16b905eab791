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

package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitions(t *testing.T) {
	tests := []struct {
		name  string
		state State
		event Event
		want  State
	}{
		{name: "promote", state: StatePending, event: EventActivate, want: StateActive},
		{name: "pending-timeout", state: StatePending, event: EventFail, want: StateFailed},
		{name: "scale-down-pending", state: StatePending, event: EventRequestDelete, want: StateDeletingVM},
		{name: "scale-down-active", state: StateActive, event: EventRequestDelete, want: StateDeletingVM},
		{name: "active-lost", state: StateActive, event: EventFail, want: StateFailed},
		{name: "failed-teardown", state: StateFailed, event: EventRequestDelete, want: StateDeletingVM},
		{name: "vm-destroyed", state: StateDeletingVM, event: EventVMDestroyed, want: StateDeletingISO},
		{name: "vm-already-gone", state: StateDeletingVM, event: EventInfraMissing, want: StateDeletingISO},
		{name: "iso-destroyed", state: StateDeletingISO, event: EventISODestroyed, want: StateDeletingNode},
		{name: "node-deleted", state: StateDeletingNode, event: EventNodeDeleted, want: StateGone},
		{name: "missing-pending", state: StatePending, event: EventInfraMissing, want: StateDeletingVM},
		{name: "missing-active", state: StateActive, event: EventInfraMissing, want: StateDeletingVM},
		{name: "missing-failed", state: StateFailed, event: EventInfraMissing, want: StateDeletingVM},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := Next(tt.state, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, next)
		})
	}
}

func TestIllegalTransitions(t *testing.T) {
	tests := []struct {
		name  string
		state State
		event Event
	}{
		{name: "activate-failed", state: StateFailed, event: EventActivate},
		{name: "activate-deleting", state: StateDeletingVM, event: EventActivate},
		{name: "fail-deleting", state: StateDeletingISO, event: EventFail},
		{name: "delete-mid-teardown", state: StateDeletingISO, event: EventRequestDelete},
		{name: "skip-iso-step", state: StateDeletingVM, event: EventISODestroyed},
		{name: "unknown-state", state: State("zombie"), event: EventActivate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := Next(tt.state, tt.event)
			assert.ErrorIs(t, err, ErrIllegalTransition)
			assert.Equal(t, tt.state, next, "an illegal transition leaves the state unchanged")
		})
	}
}

// The transition table is a DAG: no sequence of events brings a VM back to
// pending once it left.
func TestNoReturnToPending(t *testing.T) {
	events := []Event{
		EventActivate, EventFail, EventRequestDelete, EventInfraMissing,
		EventVMDestroyed, EventISODestroyed, EventNodeDeleted,
	}

	// Breadth-first over every state reachable from every non-pending start.
	starts := []State{StateActive, StateFailed, StateDeletingVM, StateDeletingISO, StateDeletingNode}

	for _, start := range starts {
		seen := map[State]bool{}
		frontier := []State{start}

		for len(frontier) > 0 {
			state := frontier[0]
			frontier = frontier[1:]

			if seen[state] {
				continue
			}

			seen[state] = true

			for _, event := range events {
				if next, err := Next(state, event); err == nil {
					assert.NotEqual(t, StatePending, next, "reached pending from %s via %s", state, event)

					frontier = append(frontier, next)
				}
			}
		}
	}
}

func TestPredicates(t *testing.T) {
	assert.True(t, Live(StatePending))
	assert.True(t, Live(StateActive))
	assert.False(t, Live(StateFailed))

	assert.True(t, Deleting(StateDeletingVM))
	assert.True(t, Deleting(StateDeletingISO))
	assert.True(t, Deleting(StateDeletingNode))
	assert.False(t, Deleting(StateFailed))

	for _, state := range []State{StatePending, StateActive, StateFailed, StateDeletingVM, StateDeletingISO, StateDeletingNode} {
		assert.True(t, Valid(state))
	}

	assert.False(t, Valid(StateGone))
	assert.False(t, Valid(State("zombie")))
}
