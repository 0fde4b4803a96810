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
	"fmt"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	elementsInCounter  otelmetric.Int64Counter
	elementsOutCounter otelmetric.Int64Counter
	sortsCounter       otelmetric.Int64Counter
	spillRunsCounter   otelmetric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/sortrunner/internal/streamsort")

	var err error
	elementsInCounter, err = meter.Int64Counter(
		"sortrunner.sorter.elements.in",
		otelmetric.WithDescription("Number of elements written into sorter nodes"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create elements.in counter: %w", err))
	}

	elementsOutCounter, err = meter.Int64Counter(
		"sortrunner.sorter.elements.out",
		otelmetric.WithDescription("Number of elements read out of sorter nodes"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create elements.out counter: %w", err))
	}

	sortsCounter, err = meter.Int64Counter(
		"sortrunner.sorter.sorts",
		otelmetric.WithDescription("Number of sort transitions performed by sorter nodes"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create sorts counter: %w", err))
	}

	spillRunsCounter, err = meter.Int64Counter(
		"sortrunner.sorter.spill.runs",
		otelmetric.WithDescription("Number of sorted runs spilled to disk by spill sorters"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create spill.runs counter: %w", err))
	}
}
