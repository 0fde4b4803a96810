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
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// LocalSorter is the in-memory leaf sorter: elements buffer in a slice and
// a cursor drains them after sorting. Deterministic and single-threaded,
// it is the behavioral baseline the merge and proxy sorters must be
// indistinguishable from.
type LocalSorter[E cmp.Ordered] struct {
	elements []E
	cursor   int
}

var _ Sorter[string] = (*LocalSorter[string])(nil)

// NewLocalSorter returns an empty in-memory sorter in the write state.
func NewLocalSorter[E cmp.Ordered]() *LocalSorter[E] {
	return &LocalSorter[E]{cursor: -1}
}

// State implements Sorter. A cursor of -1 means no drain is in progress.
func (s *LocalSorter[E]) State() State {
	if s.cursor < 0 {
		return StateWrite
	}
	return StateRead
}

// Write implements Sorter.
func (s *LocalSorter[E]) Write(ctx context.Context, element E) error {
	if s.cursor >= 0 {
		return fmt.Errorf("%w: write while reading", ErrInvalidState)
	}
	s.elements = append(s.elements, element)
	elementsInCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("sorter", "local"),
	))
	return nil
}

// Sort implements Sorter. The sort is stable, so duplicates drain in
// insertion order.
func (s *LocalSorter[E]) Sort(ctx context.Context) error {
	if s.cursor >= 0 {
		return fmt.Errorf("%w: sort while reading", ErrInvalidState)
	}
	if len(s.elements) == 0 {
		return nil
	}
	slices.SortStableFunc(s.elements, cmp.Compare)
	s.cursor = 0
	sortsCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("sorter", "local"),
	))
	return nil
}

// Read implements Sorter. Buffered elements survive a full drain; only
// Reset discards them.
func (s *LocalSorter[E]) Read(ctx context.Context) (E, error) {
	if s.cursor < 0 {
		var zero E
		return zero, fmt.Errorf("%w: read while writing", ErrInvalidState)
	}
	element := s.elements[s.cursor]
	s.cursor++
	if s.cursor == len(s.elements) {
		s.cursor = -1
	}
	elementsOutCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("sorter", "local"),
	))
	return element, nil
}

// Reset implements Sorter.
func (s *LocalSorter[E]) Reset() error {
	s.elements = s.elements[:0]
	s.cursor = -1
	return nil
}
