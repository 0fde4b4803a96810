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

// Package streamsort implements composable stream sorters: a uniform
// write/sort/read/reset state machine with in-memory, disk-spilling,
// concurrent-merge, and network-proxy implementations that assemble into
// arbitrary trees.
//
// # Overview
//
// Every sorter node implements the same two-state contract. In the write
// state it accepts elements; Sort orders them and, when at least one
// element is pending, moves the node to the read state; reads drain the
// elements in ascending order and the final read returns the node to the
// write state. Reset discards everything from any state. Because all four
// implementations share the contract, a caller cannot tell a single
// in-memory sorter from a tree fanning out across machines.
//
// # Implementations
//
//   - LocalSorter: in-memory slice plus cursor, the deterministic
//     baseline.
//   - SpillSorter: buffers to a threshold, spills sorted CBOR runs to
//     disk, merges runs on read; for datasets beyond RAM.
//   - MergeSorter: owns two children of any kind, alternates writes
//     left/right, sorts both concurrently, merges on read with a
//     deterministic right-biased tie-break.
//   - ProxySorter: delegates to a sort worker over a lazily opened TCP
//     connection speaking the csp line protocol.
//
// # Building Trees
//
// Trees assemble pairwise, front to back, into a balanced shape:
//
//	root, err := streamsort.NewTree(runtime.GOMAXPROCS(0), func() (streamsort.Sorter[string], error) {
//	    return streamsort.NewLocalSorter[string](), nil
//	})
//
// NewWorkerTree does the same over remote workers:
//
//	root, err := streamsort.NewWorkerTree([]string{"10.0.0.1:9999", "10.0.0.2:9999"})
//
// Merge nodes compose recursively, so a leaf may itself be a proxy whose
// worker runs another tree.
//
// # Driving a Sort
//
// The caller tracks the element count; no end-of-stream sentinel exists:
//
//	n := 0
//	for _, element := range input {
//	    if err := root.Write(ctx, element); err != nil {
//	        return err
//	    }
//	    n++
//	}
//	if err := root.Sort(ctx); err != nil {
//	    return err
//	}
//	for range n {
//	    element, err := root.Read(ctx)
//	    if err != nil {
//	        return err
//	    }
//	    // elements arrive in ascending order
//	}
//
// # Error Handling
//
// ErrInvalidState guards the lifecycle, ErrInvalidElement rejects
// malformed input, and the csp package contributes ErrProtocol and
// ErrTransport for the wire. A worker-reported failure surfaces as a
// RemoteError, which matches ErrInvalidState so local and remote trees
// are handled alike. Transport faults always reset the affected proxy
// before surfacing; nothing in this package retries.
//
// # Concurrency
//
// Sorter nodes are not safe for concurrent use. The one internal use of
// concurrency is MergeSorter.Sort, which runs both children's
// sort-and-prime as separate goroutines and joins them before returning;
// child results travel over channels, so no goroutine touches a node
// after Sort returns. Proxy I/O honors context cancellation.
package streamsort
