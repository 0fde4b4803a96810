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
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/sortrunner/config"
	"github.com/cardinalhq/sortrunner/internal/filesort"
	"github.com/cardinalhq/sortrunner/internal/streamsort"
)

func init() {
	var (
		inputPath    string
		outputPath   string
		workersCSV   string
		topologyPath string
		parallelism  int
		spill        bool
		verify       bool
	)

	cmd := &cobra.Command{
		Use:   "sort",
		Short: "sort a file of elements",
		Long: `Read whitespace-separated elements from the input file, sort them through
a sorter tree, and write one element per line to the output file.

The tree comes from --topology when given, otherwise from --workers, and
otherwise runs locally with --parallelism leaves.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			servicename := "sort"
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

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if workersCSV != "" {
				cfg.Sort.Workers = strings.Split(workersCSV, ",")
			}
			if parallelism > 0 {
				cfg.Sort.Parallelism = parallelism
			}
			if spill {
				cfg.Spill.Enabled = true
			}
			if verify {
				cfg.Sort.Verify = true
			}

			return runSort(ctx, cfg, inputPath, outputPath, topologyPath)
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "Input file path")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path")
	cmd.Flags().StringVar(&workersCSV, "workers", "", "Comma-separated worker addresses (host:port)")
	cmd.Flags().StringVar(&topologyPath, "topology", "", "YAML sorter tree description (path or env:VAR)")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "Local leaf sorter count (overrides config)")
	cmd.Flags().BoolVar(&spill, "spill", false, "Use disk-backed leaf sorters")
	cmd.Flags().BoolVar(&verify, "verify", false, "Check that output elements match input elements")

	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")

	rootCmd.AddCommand(cmd)
}

// buildTree picks the sorter for this run: an explicit topology wins, then
// a worker list, then a local tree.
func buildTree(cfg *config.Config, topologyPath string) (streamsort.Sorter[string], error) {
	if topologyPath != "" {
		return config.LoadTopology(topologyPath)
	}
	if len(cfg.Sort.Workers) > 0 {
		return streamsort.NewWorkerTree(cfg.Sort.Workers)
	}
	return streamsort.NewTree(cfg.Sort.Parallelism, cfg.Spill.LeafFactory())
}

func runSort(ctx context.Context, cfg *config.Config, inputPath, outputPath, topologyPath string) error {
	ctx, span := tracer.Start(ctx, "sortrunner.sort", trace.WithAttributes(
		attribute.String("input", inputPath),
		attribute.String("output", outputPath),
	))
	defer span.End()

	tree, err := buildTree(cfg, topologyPath)
	if err != nil {
		return fmt.Errorf("failed to build sorter tree: %w", err)
	}

	started := time.Now()
	result, err := filesort.SortFile(ctx, tree, inputPath, outputPath, filesort.Options{
		Verify: cfg.Sort.Verify,
	})
	if err != nil {
		return err
	}
	fileSortDuration.Record(ctx, time.Since(started).Seconds(), metric.WithAttributeSet(commonAttributes))

	slog.Info("Sort complete",
		slog.Int64("elements", result.Elements),
		slog.Duration("readDuration", result.ReadDuration),
		slog.Duration("sortDuration", result.SortDuration),
		slog.Duration("writeDuration", result.WriteDuration))
	return nil
}
