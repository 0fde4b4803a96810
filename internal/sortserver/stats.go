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
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const sessionRetention = 10 * time.Minute

// SessionStats is one session's accounting, retained for a short window
// after the session ends so operators can inspect recent activity.
type SessionStats struct {
	ID               string    `json:"id"`
	RemoteAddr       string    `json:"remote_addr"`
	Outcome          string    `json:"outcome"`
	ElementsIn       int64     `json:"elements_in"`
	ElementsOut      int64     `json:"elements_out"`
	DistinctEstimate uint64    `json:"distinct_estimate"`
	StartedAt        time.Time `json:"started_at"`
	DurationSeconds  float64   `json:"duration_seconds,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// Session outcomes as reported by the stats endpoint.
const (
	OutcomeRunning   = "running"
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

var sessionRegistry = ttlcache.New(
	ttlcache.WithTTL[string, SessionStats](sessionRetention),
	ttlcache.WithDisableTouchOnHit[string, SessionStats](),
	ttlcache.WithCapacity[string, SessionStats](10_000),
)

func init() {
	go sessionRegistry.Start()
}

func recordSession(stats SessionStats) {
	sessionRegistry.Set(stats.ID, stats, ttlcache.DefaultTTL)
}

// SessionsHandler serves the retained session statistics as a JSON array,
// oldest session first.
func SessionsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		sessions := make([]SessionStats, 0, sessionRegistry.Len())
		for _, item := range sessionRegistry.Items() {
			sessions = append(sessions, item.Value())
		}
		slices.SortFunc(sessions, func(a, b SessionStats) int {
			return a.StartedAt.Compare(b.StartedAt)
		})

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(sessions); err != nil {
			slog.Error("Failed to encode sessions response", slog.Any("error", err))
		}
	})
}
