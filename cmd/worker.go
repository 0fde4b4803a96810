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

package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cardinalhq/sortrunner/config"
	"github.com/cardinalhq/sortrunner/internal/debugging"
	"github.com/cardinalhq/sortrunner/internal/healthcheck"
	"github.com/cardinalhq/sortrunner/internal/sortserver"
	"github.com/cardinalhq/sortrunner/internal/streamsort"
)

func init() {
	var (
		listenAddr  string
		parallelism int
		spill       bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "start a sort worker",
		Long: `Accept sort sessions over TCP. Each session gets a fresh sorter tree
sized by the configured parallelism, with in-memory or disk-backed leaves.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			servicename := "sort-worker"
			addlAttrs := attribute.NewSet()
			ctx, doneFx, err := setupTelemetry(servicename, &addlAttrs)
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}

			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()

			// Start pprof server
			go debugging.RunPprof(ctx)

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if listenAddr != "" {
				cfg.Worker.ListenAddr = listenAddr
			}
			if parallelism > 0 {
				cfg.Worker.Parallelism = parallelism
			}
			if spill {
				cfg.Spill.Enabled = true
			}

			// Start health check server, with session stats riding along
			healthServer := healthcheck.NewServer(healthcheck.Config{Port: cfg.Worker.HealthPort})
			healthServer.Handle("/sessions", sortserver.SessionsHandler())

			go func() {
				if err := healthServer.Start(ctx); err != nil {
					slog.Error("Health check server stopped", slog.Any("error", err))
				}
			}()

			healthServer.SetStatus(healthcheck.StatusHealthy)

			leaf := cfg.Spill.LeafFactory()
			leaves := cfg.Worker.Parallelism
			srv, err := sortserver.NewServer(sortserver.Config{
				Addr: cfg.Worker.ListenAddr,
				NewTree: func() (streamsort.Sorter[string], error) {
					return streamsort.NewTree(leaves, leaf)
				},
			})
			if err != nil {
				return fmt.Errorf("failed to create sort worker: %w", err)
			}

			// Ready once the listener is bound
			healthServer.SetReady(true)
			slog.Info("Sort worker ready",
				slog.String("addr", srv.Addr().String()),
				slog.Int("parallelism", leaves),
				slog.Bool("spill", cfg.Spill.Enabled))

			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "TCP address to accept sort sessions on (overrides config)")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "Leaf sorters per session tree (overrides config)")
	cmd.Flags().BoolVar(&spill, "spill", false, "Use disk-backed leaf sorters")

	rootCmd.AddCommand(cmd)
}
