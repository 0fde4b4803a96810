// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package streamsort

import (
	"cmp"
	"context"
)

// State is the lifecycle state of a Sorter.
type State int

const (
	// StateWrite accepts elements. Freshly constructed and freshly reset
	// sorters are always in this state.
	StateWrite State = iota

	// StateRead drains sorted elements. Entered by a non-empty Sort, left
	// automatically when the final element has been read.
	StateRead
)

func (s State) String() string {
	switch s {
	case StateWrite:
		return "write"
	case StateRead:
		return "read"
	default:
		return "unknown"
	}
}

// Sorter is the uniform stream-sorter state machine implemented by every
// node of a sorter tree. Implementations are not safe for concurrent use;
// each node is owned by exactly one operation at a time.
type Sorter[E cmp.Ordered] interface {
	// State returns the current lifecycle state.
	State() State

	// Write adds an element to the pending content. Legal only in the
	// write state.
	Write(ctx context.Context, element E) error

	// Sort orders the pending content and transitions to the read state
	// iff at least one element is pending; sorting an empty node is a
	// no-op that stays in the write state. Legal only in the write state.
	Sort(ctx context.Context) error

	// Read returns the next element in ascending order. The read that
	// returns the final element transitions the sorter back to the write
	// state; there is no end-of-stream sentinel, callers track the element
	// count. Legal only in the read state.
	Read(ctx context.Context) (E, error)

	// Reset discards all content and forces the write state from any
	// state. Resource release is best effort; secondary close failures
	// are swallowed.
	Reset() error
}
