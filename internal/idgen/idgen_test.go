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

package idgen

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestULIDGenerator_SortsByTime(t *testing.T) {
	gen := NewULIDGenerator()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var prev string
	for i := range 5 {
		id := gen.Make(base.Add(time.Duration(i) * time.Second))
		require.Len(t, id, 26)
		if prev != "" {
			assert.Greater(t, id, prev, "ULIDs should sort in creation order")
		}
		prev = id
	}
}

func TestULIDGenerator_MonotonicWithinMillisecond(t *testing.T) {
	gen := NewULIDGenerator()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a := gen.Make(at)
	b := gen.Make(at)
	assert.Greater(t, b, a, "same-millisecond ULIDs should still sort in creation order")
}

func TestULIDGenerator_Concurrent(t *testing.T) {
	gen := NewULIDGenerator()

	const workers, perWorker = 8, 200
	results := make([][]string, workers)
	var wg sync.WaitGroup
	for w := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := make([]string, 0, perWorker)
			for range perWorker {
				ids = append(ids, gen.Make(time.Now()))
			}
			results[w] = ids
		}()
	}
	wg.Wait()

	seen := make(map[string]struct{}, workers*perWorker)
	for _, ids := range results {
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}
	assert.Len(t, seen, workers*perWorker, "concurrent ULIDs should be unique")
}

func TestGenerateShortBase32ID(t *testing.T) {
	id := GenerateShortBase32ID()
	assert.Len(t, id, 8)
	assert.Equal(t, strings.ToLower(id), id)
	assert.NotEqual(t, id, GenerateShortBase32ID())
}

func TestSonyFlakeGenerator_NextID(t *testing.T) {
	gen, err := newFlakeGenerator()
	require.NoError(t, err)

	id := gen.NextID()
	id2 := gen.NextID()
	assert.Greater(t, id2, id, "flake IDs should increase over time")
}

func TestSonyFlakeGenerator_NextBase32ID(t *testing.T) {
	gen, err := newFlakeGenerator()
	require.NoError(t, err)

	id := gen.NextBase32ID()
	assert.NotEmpty(t, id)
	assert.NotContains(t, id, "=")
	assert.Equal(t, strings.ToLower(id), id)

	id2 := NextBase32ID()
	assert.NotEmpty(t, id2)
	assert.NotContains(t, id2, "=")
}
