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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/sortrunner/internal/idgen"
)

// DefaultSpillThreshold is the in-memory element count at which a spill
// sorter writes a sorted run to disk.
const DefaultSpillThreshold = 100_000

// SpillConfig configures a SpillSorter.
type SpillConfig struct {
	// Threshold is the number of buffered elements that triggers a spill.
	// Zero selects DefaultSpillThreshold.
	Threshold int

	// Dir is where run files live. Empty selects the process temp dir.
	Dir string
}

// spillRun is one sorted run on disk plus its current head element.
type spillRun[E cmp.Ordered] struct {
	file *os.File
	dec  *cbor.Decoder
	path string
	head E
	ok   bool
}

// next replenishes the run's head. An exhausted run clears it.
func (r *spillRun[E]) next() error {
	var element E
	if err := r.dec.Decode(&element); err != nil {
		if errors.Is(err, io.EOF) {
			var zero E
			r.head, r.ok = zero, false
			return nil
		}
		return err
	}
	r.head, r.ok = element, true
	return nil
}

// SpillSorter is a disk-backed leaf for datasets beyond RAM: elements
// buffer in memory up to a threshold, full buffers spill to disk as
// sorted CBOR-encoded runs, and the drain merges all runs with the final
// in-memory buffer. Same state machine as LocalSorter, but a completed
// drain consumes the spilled runs, so a fresh cycle starts empty.
type SpillSorter[E cmp.Ordered] struct {
	threshold int
	dir       string
	ids       *idgen.ULIDGenerator

	buffer  []E
	runs    []*spillRun[E]
	cursor  int
	reading bool
}

var _ Sorter[string] = (*SpillSorter[string])(nil)

// NewSpillSorter returns an empty spill sorter in the write state.
func NewSpillSorter[E cmp.Ordered](cfg SpillConfig) (*SpillSorter[E], error) {
	if cfg.Threshold < 0 {
		return nil, fmt.Errorf("%w: spill threshold %d", ErrInvalidElement, cfg.Threshold)
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultSpillThreshold
	}
	if cfg.Dir == "" {
		cfg.Dir = os.TempDir()
	}
	return &SpillSorter[E]{
		threshold: cfg.Threshold,
		dir:       cfg.Dir,
		ids:       idgen.NewULIDGenerator(),
	}, nil
}

// State implements Sorter.
func (s *SpillSorter[E]) State() State {
	if s.reading {
		return StateRead
	}
	return StateWrite
}

// Write implements Sorter. Reaching the threshold spills the buffer as a
// sorted run; a spill failure surfaces and leaves the buffer intact.
func (s *SpillSorter[E]) Write(ctx context.Context, element E) error {
	if s.reading {
		return fmt.Errorf("%w: write while reading", ErrInvalidState)
	}
	s.buffer = append(s.buffer, element)
	if len(s.buffer) >= s.threshold {
		if err := s.spill(ctx); err != nil {
			return err
		}
	}
	elementsInCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("sorter", "spill"),
	))
	return nil
}

// spill sorts the buffer and writes it to a fresh run file. Runs are
// created in write order; the drain relies on that order for stability.
func (s *SpillSorter[E]) spill(ctx context.Context) error {
	slices.SortStableFunc(s.buffer, cmp.Compare)

	path := filepath.Join(s.dir, fmt.Sprintf("sortrunner-spill-%s.cbor", s.ids.Make(time.Now())))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create spill run: %w", err)
	}

	enc := cbor.NewEncoder(f)
	for _, element := range s.buffer {
		if err := enc.Encode(element); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return fmt.Errorf("failed to encode spill run: %w", err)
		}
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("failed to rewind spill run: %w", err)
	}

	s.runs = append(s.runs, &spillRun[E]{
		file: f,
		dec:  cbor.NewDecoder(f),
		path: path,
	})
	s.buffer = s.buffer[:0]
	spillRunsCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("sorter", "spill"),
	))
	return nil
}

// Sort implements Sorter. The remaining buffer sorts in memory and every
// run primes its head.
func (s *SpillSorter[E]) Sort(ctx context.Context) error {
	if s.reading {
		return fmt.Errorf("%w: sort while reading", ErrInvalidState)
	}
	if len(s.buffer) == 0 && len(s.runs) == 0 {
		return nil
	}

	slices.SortStableFunc(s.buffer, cmp.Compare)
	for _, run := range s.runs {
		if err := run.next(); err != nil {
			return fmt.Errorf("failed to prime spill run: %w", err)
		}
	}
	s.cursor = 0
	s.reading = true
	sortsCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("sorter", "spill"),
	))
	return nil
}

// Read implements Sorter. The drain takes the smallest head across all
// runs and the buffer; equal heads drain earliest run first with the
// buffer last, which preserves write-order stability for duplicates.
func (s *SpillSorter[E]) Read(ctx context.Context) (E, error) {
	if !s.reading {
		var zero E
		return zero, fmt.Errorf("%w: read while writing", ErrInvalidState)
	}

	best := -1
	var element E
	var found bool
	for i, run := range s.runs {
		if !run.ok {
			continue
		}
		if !found || cmp.Less(run.head, element) {
			best, element, found = i, run.head, true
		}
	}
	if s.cursor < len(s.buffer) {
		if !found || cmp.Less(s.buffer[s.cursor], element) {
			best, element = -1, s.buffer[s.cursor]
		}
	}

	if best >= 0 {
		if err := s.runs[best].next(); err != nil {
			var zero E
			return zero, fmt.Errorf("failed to advance spill run: %w", err)
		}
	} else {
		s.cursor++
	}

	if s.exhausted() {
		_ = s.discardRuns()
		s.buffer = s.buffer[:0]
		s.cursor = 0
		s.reading = false
	}

	elementsOutCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("sorter", "spill"),
	))
	return element, nil
}

func (s *SpillSorter[E]) exhausted() bool {
	if s.cursor < len(s.buffer) {
		return false
	}
	for _, run := range s.runs {
		if run.ok {
			return false
		}
	}
	return true
}

// discardRuns closes and removes all run files. Close failures are
// swallowed; remove failures aggregate.
func (s *SpillSorter[E]) discardRuns() error {
	var errs *multierror.Error
	for _, run := range s.runs {
		_ = run.file.Close()
		if err := os.Remove(run.path); err != nil && !os.IsNotExist(err) {
			errs = multierror.Append(errs, err)
		}
	}
	s.runs = nil
	return errs.ErrorOrNil()
}

// Reset implements Sorter.
func (s *SpillSorter[E]) Reset() error {
	err := s.discardRuns()
	s.buffer = s.buffer[:0]
	s.cursor = 0
	s.reading = false
	return err
}
