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

package sortserver

import (
	"fmt"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	sessionsAcceptedCounter  otelmetric.Int64Counter
	sessionsCompletedCounter otelmetric.Int64Counter
	sessionsFailedCounter    otelmetric.Int64Counter
	sessionDurationHistogram otelmetric.Float64Histogram
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/sortrunner/internal/sortserver")

	var err error
	sessionsAcceptedCounter, err = meter.Int64Counter(
		"sortrunner.server.sessions.accepted",
		otelmetric.WithDescription("Number of sort sessions accepted"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create sessions.accepted counter: %w", err))
	}

	sessionsCompletedCounter, err = meter.Int64Counter(
		"sortrunner.server.sessions.completed",
		otelmetric.WithDescription("Number of sort sessions completed successfully"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create sessions.completed counter: %w", err))
	}

	sessionsFailedCounter, err = meter.Int64Counter(
		"sortrunner.server.sessions.failed",
		otelmetric.WithDescription("Number of sort sessions that ended in a fault"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create sessions.failed counter: %w", err))
	}

	sessionDurationHistogram, err = meter.Float64Histogram(
		"sortrunner.server.session.duration",
		otelmetric.WithUnit("s"),
		otelmetric.WithDescription("Wall time from session accept to connection close"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create session.duration histogram: %w", err))
	}
}
