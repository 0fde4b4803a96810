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

// Package debugging exposes the net/http/pprof handlers on a side
// listener for live profiling.
package debugging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strconv"
	"time"
)

// DefaultPprofPort is used when PPROF_PORT is unset. Setting PPROF_PORT
// to 0, "false", or "off" disables the listener.
const DefaultPprofPort = 6060

// RunPprof serves the pprof handlers until ctx is cancelled. It blocks,
// so callers run it on its own goroutine.
func RunPprof(ctx context.Context) {
	port := pprofPort()
	if port <= 0 {
		return
	}

	server := &http.Server{Addr: fmt.Sprintf(":%d", port)}

	go func() {
		<-ctx.Done()
		slog.Info("Shutting down pprof server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Error shutting down pprof server", slog.Any("error", err))
		}
	}()

	slog.Info("Starting pprof server", slog.String("address", server.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Pprof server error", slog.Any("error", err))
	}
}

func pprofPort() int {
	v := os.Getenv("PPROF_PORT")
	switch v {
	case "":
		return DefaultPprofPort
	case "0", "false", "off":
		return 0
	}

	port, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Invalid PPROF_PORT value, using default", slog.String("value", v), slog.Int("default", DefaultPprofPort))
		return DefaultPprofPort
	}
	return port
}
