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

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// mergePhase tracks which child receives the next write, or that a drain
// is in progress.
type mergePhase int

const (
	phaseWriteLeft mergePhase = iota
	phaseWriteRight
	phaseRead
)

// MergeSorter is the binary composition node: it owns exactly two child
// sorters of any kind, alternates writes between them starting with the
// left, sorts both concurrently, and merges their sorted output on read.
// Children may themselves be merge sorters, so the pattern scales through
// arbitrarily deep balanced trees.
type MergeSorter[E cmp.Ordered] struct {
	left  Sorter[E]
	right Sorter[E]

	phase      mergePhase
	leftCache  E
	rightCache E
	leftOK     bool
	rightOK    bool
}

var _ Sorter[string] = (*MergeSorter[string])(nil)

// NewMergeSorter returns a merge node over the two children, in the write
// state with the next write routed left.
func NewMergeSorter[E cmp.Ordered](left, right Sorter[E]) (*MergeSorter[E], error) {
	if left == nil || right == nil {
		return nil, fmt.Errorf("%w: merge sorter requires two child sorters", ErrInvalidElement)
	}
	return &MergeSorter[E]{left: left, right: right}, nil
}

// State implements Sorter.
func (s *MergeSorter[E]) State() State {
	if s.phase == phaseRead {
		return StateRead
	}
	return StateWrite
}

// Write implements Sorter. Writes alternate strictly left, right, left
// for near-even load regardless of write order; the alternation advances
// only when the child accepted the element.
func (s *MergeSorter[E]) Write(ctx context.Context, element E) error {
	switch s.phase {
	case phaseWriteLeft:
		if err := s.left.Write(ctx, element); err != nil {
			return err
		}
		s.phase = phaseWriteRight
	case phaseWriteRight:
		if err := s.right.Write(ctx, element); err != nil {
			return err
		}
		s.phase = phaseWriteLeft
	default:
		return fmt.Errorf("%w: write while reading", ErrInvalidState)
	}
	elementsInCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("sorter", "merge"),
	))
	return nil
}

// primeResult is what one child's sort-and-prime unit deposits: the
// child's first sorted element, a miss for an empty child, or the fault
// that stopped it.
type primeResult[E cmp.Ordered] struct {
	element E
	ok      bool
	err     error
}

// sortAndPrime sorts one child and reads its first element into a cache
// entry. A child still in the write state after sorting had nothing
// pending; that is a miss, not a fault.
func sortAndPrime[E cmp.Ordered](ctx context.Context, child Sorter[E]) primeResult[E] {
	if err := child.Sort(ctx); err != nil {
		return primeResult[E]{err: err}
	}
	if child.State() != StateRead {
		return primeResult[E]{}
	}
	element, err := child.Read(ctx)
	if err != nil {
		return primeResult[E]{err: err}
	}
	return primeResult[E]{element: element, ok: true}
}

// Sort implements Sorter. Both children are sorted and primed
// concurrently, one unit each, and the call blocks until both units have
// deposited a result, so sorting a two-way split costs no more than
// sorting either half. Child faults surface unwrapped, the left unit's
// fault first when both fail. If the caller's context ends while waiting,
// both units are cancelled, the node resets itself, and the cancellation
// propagates.
func (s *MergeSorter[E]) Sort(ctx context.Context) error {
	if s.phase == phaseRead {
		return fmt.Errorf("%w: sort while reading", ErrInvalidState)
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	leftCh := make(chan primeResult[E], 1)
	rightCh := make(chan primeResult[E], 1)
	go func() { leftCh <- sortAndPrime(sctx, s.left) }()
	go func() { rightCh <- sortAndPrime(sctx, s.right) }()

	// Join both units. A fault or caller cancellation cancels the peer
	// unit, but the join still drains both channels so no unit outlives
	// this call while holding a child.
	var left, right primeResult[E]
	var ctxErr error
	done := ctx.Done()
	for leftCh != nil || rightCh != nil {
		select {
		case r := <-leftCh:
			left, leftCh = r, nil
			if r.err != nil {
				cancel()
			}
		case r := <-rightCh:
			right, rightCh = r, nil
			if r.err != nil {
				cancel()
			}
		case <-done:
			ctxErr, done = ctx.Err(), nil
			cancel()
		}
	}

	if ctxErr != nil {
		// Fail safe: discard the half-built merge state before
		// propagating the cancellation.
		_ = s.Reset()
		return fmt.Errorf("sort interrupted: %w", ctxErr)
	}
	if left.err != nil {
		return left.err
	}
	if right.err != nil {
		return right.err
	}

	s.leftCache, s.leftOK = left.element, left.ok
	s.rightCache, s.rightOK = right.element, right.ok
	if s.leftOK || s.rightOK {
		s.phase = phaseRead
	}
	sortsCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("sorter", "merge"),
	))
	return nil
}

// takeLeft returns the left cache entry and replenishes it from the left
// child. A replenish fault leaves the entry in place and surfaces the
// fault instead, so no element is lost.
func (s *MergeSorter[E]) takeLeft(ctx context.Context) (E, error) {
	element := s.leftCache
	if s.left.State() == StateRead {
		next, err := s.left.Read(ctx)
		if err != nil {
			var zero E
			return zero, err
		}
		s.leftCache = next
	} else {
		var zero E
		s.leftCache, s.leftOK = zero, false
	}
	return element, nil
}

// takeRight is the right-hand twin of takeLeft.
func (s *MergeSorter[E]) takeRight(ctx context.Context) (E, error) {
	element := s.rightCache
	if s.right.State() == StateRead {
		next, err := s.right.Read(ctx)
		if err != nil {
			var zero E
			return zero, err
		}
		s.rightCache = next
	} else {
		var zero E
		s.rightCache, s.rightOK = zero, false
	}
	return element, nil
}

// Read implements Sorter. The merge step compares the two cached heads:
// an exhausted side yields to the other, otherwise the left head is
// emitted iff strictly less, equal heads drain from the right first. The
// tie-break is deliberate and must stay deterministic so equal keys
// reproduce the same order on every run. When both caches empty out, the
// node returns to the write state with the alternation restarted at left.
func (s *MergeSorter[E]) Read(ctx context.Context) (E, error) {
	if s.phase != phaseRead {
		var zero E
		return zero, fmt.Errorf("%w: read while writing", ErrInvalidState)
	}

	var element E
	var err error
	switch {
	case !s.rightOK:
		element, err = s.takeLeft(ctx)
	case !s.leftOK:
		element, err = s.takeRight(ctx)
	case cmp.Less(s.leftCache, s.rightCache):
		element, err = s.takeLeft(ctx)
	default:
		element, err = s.takeRight(ctx)
	}
	if err != nil {
		var zero E
		return zero, err
	}

	if !s.leftOK && !s.rightOK {
		s.phase = phaseWriteLeft
	}

	elementsOutCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("sorter", "merge"),
	))
	return element, nil
}

// Reset implements Sorter. Both children reset regardless of individual
// failures; failures are aggregated.
func (s *MergeSorter[E]) Reset() error {
	var errs *multierror.Error
	if err := s.left.Reset(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := s.right.Reset(); err != nil {
		errs = multierror.Append(errs, err)
	}
	var zero E
	s.leftCache, s.leftOK = zero, false
	s.rightCache, s.rightOK = zero, false
	s.phase = phaseWriteLeft
	return errs.ErrorOrNil()
}
