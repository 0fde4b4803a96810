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

// Package filesort drives a sorter tree over files: it streams
// whitespace-separated tokens from an input file through any
// streamsort.Sorter and writes the sorted drain to an output file, one
// element per line.
package filesort

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/cardinalhq/sortrunner/internal/idgen"
	"github.com/cardinalhq/sortrunner/internal/logctx"
	"github.com/cardinalhq/sortrunner/internal/streamsort"
)

type Options struct {
	// Verify sums a 64-bit digest per element on the way in and on the
	// way out and fails the run when the sums differ. The sum is
	// order-independent, so it checks element conservation, not order.
	Verify bool
}

type Result struct {
	Elements      int64
	ReadDuration  time.Duration
	SortDuration  time.Duration
	WriteDuration time.Duration
}

// SortFile runs one full write/sort/read cycle over the given sorter. The
// element count from the input side bounds the read side exactly: a
// sorter that runs dry early or keeps producing past the count is a
// faulty stream and fails the run. The sorter is reset on every exit
// path.
func SortFile(ctx context.Context, sorter streamsort.Sorter[string], inputPath, outputPath string, opts Options) (*Result, error) {
	ctx = logctx.With(ctx, slog.String("sortID", idgen.GenerateShortBase32ID()))
	ll := logctx.FromContext(ctx)
	defer func() {
		if err := sorter.Reset(); err != nil {
			ll.Warn("Failed to reset sorter", slog.Any("error", err))
		}
	}()

	res := &Result{}
	var sumIn, sumOut uint64

	readStart := time.Now()
	in, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer func() { _ = in.Close() }()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // 1MB max token size
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		element := scanner.Text()
		if err := sorter.Write(ctx, element); err != nil {
			return nil, fmt.Errorf("failed to buffer element %d: %w", res.Elements+1, err)
		}
		res.Elements++
		if opts.Verify {
			sumIn += xxhash.Sum64String(element)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan input: %w", err)
	}
	res.ReadDuration = time.Since(readStart)
	ll.Info("Input buffered",
		slog.Int64("elements", res.Elements),
		slog.Duration("elapsed", res.ReadDuration))

	sortStart := time.Now()
	if err := sorter.Sort(ctx); err != nil {
		return nil, fmt.Errorf("failed to sort: %w", err)
	}
	res.SortDuration = time.Since(sortStart)
	ll.Info("Sort finished", slog.Duration("elapsed", res.SortDuration))

	writeStart := time.Now()
	out, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output: %w", err)
	}
	w := bufio.NewWriter(out)
	for i := int64(0); i < res.Elements; i++ {
		element, err := sorter.Read(ctx)
		if err != nil {
			_ = out.Close()
			return nil, fmt.Errorf("failed to read element %d of %d: %w", i+1, res.Elements, err)
		}
		if _, err := w.WriteString(element + "\n"); err != nil {
			_ = out.Close()
			return nil, fmt.Errorf("failed to write output: %w", err)
		}
		if opts.Verify {
			sumOut += xxhash.Sum64String(element)
		}
	}
	if sorter.State() == streamsort.StateRead {
		_ = out.Close()
		return nil, fmt.Errorf("sorter still readable after %d elements, counts diverged", res.Elements)
	}
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("failed to flush output: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("failed to close output: %w", err)
	}
	res.WriteDuration = time.Since(writeStart)
	ll.Info("Output written",
		slog.Int64("elements", res.Elements),
		slog.Duration("elapsed", res.WriteDuration))

	if opts.Verify && sumIn != sumOut {
		return nil, fmt.Errorf("integrity check failed: output element set differs from input")
	}
	return res, nil
}
