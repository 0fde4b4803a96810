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

// Package sortserver runs the sort worker: a TCP server that answers the
// sort protocol. Every connection is one single-shot session served by a
// fresh sorter tree, so sessions never share state and any number of them
// can run at once.
package sortserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/axiomhq/hyperloglog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/sortrunner/internal/csp"
	"github.com/cardinalhq/sortrunner/internal/idgen"
	"github.com/cardinalhq/sortrunner/internal/logctx"
	"github.com/cardinalhq/sortrunner/internal/streamsort"
)

// DefaultAddr is where the worker listens when no address is configured.
const DefaultAddr = ":9077"

// TreeFactory builds the sorter tree for one session. It is called once
// per accepted connection; the tree it returns is owned by that session
// alone.
type TreeFactory func() (streamsort.Sorter[string], error)

type Config struct {
	// Addr is the listen address. Empty selects DefaultAddr.
	Addr string

	// NewTree builds each session's sorter tree.
	NewTree TreeFactory
}

type Server struct {
	listener net.Listener
	newTree  TreeFactory
	tracer   trace.Tracer
	ids      *idgen.ULIDGenerator
	wg       sync.WaitGroup
}

// NewServer binds the listener. The returned server does not accept until
// Run is called.
func NewServer(cfg Config) (*Server, error) {
	if cfg.NewTree == nil {
		return nil, errors.New("sort server requires a tree factory")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}

	return &Server{
		listener: listener,
		newTree:  cfg.NewTree,
		tracer:   otel.Tracer("github.com/cardinalhq/sortrunner/internal/sortserver"),
		ids:      idgen.NewULIDGenerator(),
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Run accepts sessions until the context ends or the listener fails.
// Cancellation is a clean shutdown: the listener closes and in-flight
// sessions are cancelled and awaited before Run returns.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("Starting sort worker", slog.String("addr", s.listener.Addr().String()))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		for {
			nc, err := s.listener.Accept()
			if err != nil {
				errChan <- err
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serve(ctx, nc)
			}()
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutting down sort worker")
	case err := <-errChan:
		runErr = fmt.Errorf("accept failed: %w", err)
	}

	_ = s.listener.Close()
	cancel()
	s.wg.Wait()
	return runErr
}

// serve wraps one session with its identity, accounting, and span. The
// connection always closes on the way out; for a completed session that
// close is what tells the client the stream is finished.
func (s *Server) serve(ctx context.Context, nc net.Conn) {
	id := s.ids.Make(time.Now())
	client := nc.RemoteAddr().String()
	ctx = logctx.With(ctx, slog.String("session", id), slog.String("client", client))
	ll := logctx.FromContext(ctx)

	ctx, span := s.tracer.Start(ctx, "SortServer.Session", trace.WithAttributes(
		attribute.String("session", id),
		attribute.String("client", client),
	))
	defer span.End()

	c := csp.NewConn(nc)
	defer func() { _ = c.Close() }()

	sessionsAcceptedCounter.Add(ctx, 1)
	start := time.Now()
	stats := SessionStats{
		ID:         id,
		RemoteAddr: client,
		Outcome:    OutcomeRunning,
		StartedAt:  start,
	}
	recordSession(stats)
	ll.Debug("Session started")

	err := s.session(ctx, c, &stats)
	stats.DurationSeconds = time.Since(start).Seconds()
	sessionDurationHistogram.Record(ctx, stats.DurationSeconds)

	if err != nil {
		stats.Outcome, stats.Error = OutcomeFailed, err.Error()
		sessionsFailedCounter.Add(ctx, 1)
		ll.Error("Session failed",
			slog.Any("error", err),
			slog.Int64("elementsIn", stats.ElementsIn),
			slog.Int64("elementsOut", stats.ElementsOut),
			slog.Float64("durationSeconds", stats.DurationSeconds))
	} else {
		stats.Outcome = OutcomeCompleted
		sessionsCompletedCounter.Add(ctx, 1)
		ll.Info("Session completed",
			slog.Int64("elementsIn", stats.ElementsIn),
			slog.Int64("elementsOut", stats.ElementsOut),
			slog.Uint64("distinctEstimate", stats.DistinctEstimate),
			slog.Float64("durationSeconds", stats.DurationSeconds))
	}
	recordSession(stats)
}

// session speaks one protocol exchange: greet, buffer the write phase,
// sort on the trigger line, stream the drain. Sorter faults go back to the
// client as protocol error responses before the session terminates; faults
// after result streaming began cannot be signaled and only close the
// connection early.
func (s *Server) session(ctx context.Context, c *csp.Conn, stats *SessionStats) error {
	tree, err := s.newTree()
	if err != nil {
		s.refuse(ctx, c, err)
		return fmt.Errorf("failed to build sorter tree: %w", err)
	}
	defer func() { _ = tree.Reset() }()

	if err := c.SendLine(ctx, csp.HeaderOK); err != nil {
		return err
	}

	distinct := hyperloglog.New14()
	for {
		line, err := c.ReadLine(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: client closed during write phase", csp.ErrTransport)
			}
			return err
		}
		if line == "" {
			break
		}
		if err := tree.Write(ctx, line); err != nil {
			s.refuse(ctx, c, err)
			return fmt.Errorf("failed to buffer element: %w", err)
		}
		stats.ElementsIn++
		distinct.Insert([]byte(line))
	}
	stats.DistinctEstimate = distinct.Estimate()

	if err := tree.Sort(ctx); err != nil {
		_ = c.SendError(ctx, err.Error())
		return fmt.Errorf("failed to sort: %w", err)
	}

	for tree.State() == streamsort.StateRead {
		element, err := tree.Read(ctx)
		if err != nil {
			_ = c.SendError(ctx, err.Error())
			return fmt.Errorf("failed to drain sorter: %w", err)
		}
		if err := c.WriteLine(ctx, element); err != nil {
			return err
		}
		stats.ElementsOut++
	}
	return c.Flush(ctx)
}

// refuse answers a pre-trigger fault with the protocol error response,
// then keeps consuming the client's write phase until its trigger or
// disconnect. Closing with unread inbound data risks a reset that could
// destroy the response before the client reads it.
func (s *Server) refuse(ctx context.Context, c *csp.Conn, cause error) {
	if err := c.SendError(ctx, cause.Error()); err != nil {
		return
	}
	for {
		line, err := c.ReadLine(ctx)
		if err != nil || line == "" {
			return
		}
	}
}
