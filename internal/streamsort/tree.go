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
	"fmt"
)

// LeafFactory produces a fresh leaf sorter during tree assembly.
type LeafFactory[E cmp.Ordered] func() (Sorter[E], error)

// combine pairs sorters front to back with merge nodes until one root
// remains, yielding a balanced tree.
func combine[E cmp.Ordered](queue []Sorter[E]) (Sorter[E], error) {
	for len(queue) > 1 {
		node, err := NewMergeSorter(queue[0], queue[1])
		if err != nil {
			return nil, err
		}
		queue = append(queue[2:], node)
	}
	return queue[0], nil
}

// NewTree builds a sorter tree with the given number of leaves. A single
// leaf stands alone with no merge node above it. Parallelism is an
// explicit argument; callers derive it from configuration, not from a
// process-wide default, so tests stay deterministic.
func NewTree[E cmp.Ordered](leaves int, newLeaf LeafFactory[E]) (Sorter[E], error) {
	if leaves < 1 {
		return nil, fmt.Errorf("%w: tree needs at least one leaf, got %d", ErrInvalidElement, leaves)
	}
	queue := make([]Sorter[E], 0, leaves)
	for range leaves {
		leaf, err := newLeaf()
		if err != nil {
			return nil, err
		}
		queue = append(queue, leaf)
	}
	return combine(queue)
}

// NewWorkerTree builds a tree of remote proxy leaves over the given
// worker addresses, one proxy per address, combined like NewTree.
func NewWorkerTree(addrs []string) (Sorter[string], error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: no worker addresses", ErrInvalidElement)
	}
	queue := make([]Sorter[string], 0, len(addrs))
	for _, addr := range addrs {
		proxy, err := NewProxySorter(addr)
		if err != nil {
			return nil, err
		}
		queue = append(queue, proxy)
	}
	return combine(queue)
}
