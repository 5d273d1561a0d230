// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package state

import (
	"github.com/tombee/ratchet/pkg/errors"
)

// transitions maps each execution status to the set of statuses it may move to.
//
//	pending  → running, cancelled
//	running  → completed, failed, cancelled
//	failed   → retrying, cancelled
//	retrying → running, failed, cancelled
//
// completed and cancelled are terminal.
var transitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionPending:   {ExecutionRunning, ExecutionCancelled},
	ExecutionRunning:   {ExecutionCompleted, ExecutionFailed, ExecutionCancelled},
	ExecutionFailed:    {ExecutionRetrying, ExecutionCancelled},
	ExecutionRetrying:  {ExecutionRunning, ExecutionFailed, ExecutionCancelled},
	ExecutionCompleted: {},
	ExecutionCancelled: {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to ExecutionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate returns an InvalidTransitionError when the move is not permitted.
func Validate(from, to ExecutionStatus) error {
	if !CanTransition(from, to) {
		return &errors.InvalidTransitionError{From: string(from), To: string(to)}
	}
	return nil
}

// IsTerminal reports whether an execution in this status can never transition
// again. failed is not terminal here: it remains retryable until the
// execution's retry budget is spent, which the execution service enforces.
func IsTerminal(s ExecutionStatus) bool {
	return s == ExecutionCompleted || s == ExecutionCancelled
}

// IsFinished reports whether the status represents a settled outcome for
// routing purposes: completed, cancelled, or failed.
func IsFinished(s ExecutionStatus) bool {
	return IsTerminal(s) || s == ExecutionFailed
}

// CanRetry reports whether an execution in this status may be retried.
func CanRetry(s ExecutionStatus) bool {
	return s == ExecutionFailed
}

// Next returns the statuses reachable from s in a single transition.
func Next(s ExecutionStatus) []ExecutionStatus {
	next := transitions[s]
	out := make([]ExecutionStatus, len(next))
	copy(out, next)
	return out
}

// Path finds a shortest sequence of legal transitions from one status to
// another using breadth-first search. Returns nil when the target is
// unreachable. Diagnostics only; nothing in the engine routes through it.
func Path(from, to ExecutionStatus) []ExecutionStatus {
	if from == to {
		return []ExecutionStatus{from}
	}

	type node struct {
		status ExecutionStatus
		path   []ExecutionStatus
	}

	queue := []node{{status: from, path: []ExecutionStatus{from}}}
	visited := map[ExecutionStatus]bool{from: true}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, next := range transitions[current.status] {
			if next == to {
				return append(append([]ExecutionStatus{}, current.path...), next)
			}
			if !visited[next] {
				visited[next] = true
				path := append(append([]ExecutionStatus{}, current.path...), next)
				queue = append(queue, node{status: next, path: path})
			}
		}
	}

	return nil
}
