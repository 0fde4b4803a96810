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
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/sortrunner/internal/csp"
)

// ProxySorter is the network-delegating leaf: it forwards every operation
// to a sort worker over a single reused protocol connection, opened lazily
// on the first write. From the tree's perspective it behaves like any
// other leaf.
//
// The worker's greeting doubles as the sort acknowledgement: the proxy
// never reads from the connection before Sort, so the greeting line is
// the one response Sort consumes. Connection closure by the worker during
// the read phase is the implicit end of stream; there is no end marker on
// the wire.
type ProxySorter struct {
	addr  string
	state State
	conn  *csp.Conn
}

var _ Sorter[string] = (*ProxySorter)(nil)

// NewProxySorter returns a proxy over the worker at addr in host:port
// form. No connection is opened yet.
func NewProxySorter(addr string) (*ProxySorter, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("%w: worker address %q: %w", ErrInvalidElement, addr, err)
	}
	return &ProxySorter{addr: addr}, nil
}

// Addr returns the worker address this proxy delegates to.
func (s *ProxySorter) Addr() string {
	return s.addr
}

// State implements Sorter.
func (s *ProxySorter) State() State {
	return s.state
}

// Write implements Sorter. The element travels as one protocol line, so
// it must be non-empty and free of line breaks. Element lines batch in
// the connection's write buffer until the sort trigger flushes them. A
// transport fault resets the proxy before surfacing.
func (s *ProxySorter) Write(ctx context.Context, element string) error {
	if s.state != StateWrite {
		return fmt.Errorf("%w: write while reading", ErrInvalidState)
	}
	if element == "" || strings.ContainsAny(element, "\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidElement, element)
	}

	if s.conn == nil {
		conn, err := csp.Dial(ctx, s.addr)
		if err != nil {
			return err
		}
		s.conn = conn
	}

	if err := s.conn.WriteLine(ctx, element); err != nil {
		_ = s.Reset()
		return err
	}
	elementsInCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("sorter", "proxy"),
	))
	return nil
}

// Sort implements Sorter. With no connection open nothing was ever
// written and the empty sort is a no-op. Otherwise the sort trigger goes
// out and exactly one response line comes back: "ok" moves to the read
// state unless the worker already ended the session (no results), the
// error header carries a worker-reported failure on the next line, and
// anything else is a protocol violation. The call blocks until the worker
// has sorted and produced its first element or closed the session.
func (s *ProxySorter) Sort(ctx context.Context) error {
	if s.state != StateWrite {
		return fmt.Errorf("%w: sort while reading", ErrInvalidState)
	}
	if s.conn == nil {
		return nil
	}

	if err := s.conn.SendLine(ctx, ""); err != nil {
		_ = s.Reset()
		return err
	}

	header, err := s.conn.ReadLine(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("%w: worker closed before responding", csp.ErrTransport)
		}
		_ = s.Reset()
		return err
	}

	switch header {
	case csp.HeaderOK:
	case csp.HeaderError:
		msg, rerr := s.conn.ReadLine(ctx)
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				rerr = fmt.Errorf("%w: error header without message", csp.ErrProtocol)
			}
			_ = s.Reset()
			return rerr
		}
		_ = s.Reset()
		return &RemoteError{Message: msg}
	default:
		_ = s.Reset()
		return fmt.Errorf("%w: unexpected response header %q", csp.ErrProtocol, header)
	}

	eof, err := s.conn.AtEOF(ctx)
	if err != nil {
		_ = s.Reset()
		return err
	}
	if eof {
		// The worker acknowledged and ended the session without
		// elements; the sort stays a no-op.
		_ = s.Reset()
		return nil
	}

	s.state = StateRead
	sortsCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("sorter", "proxy"),
	))
	return nil
}

// Read implements Sorter. One line is one element. After each line the
// proxy waits for the next byte or for the worker to close; closure is
// the implicit last-element signal and flips the proxy back to the write
// state. Transport faults reset the proxy before surfacing.
func (s *ProxySorter) Read(ctx context.Context) (string, error) {
	if s.state != StateRead {
		return "", fmt.Errorf("%w: read while writing", ErrInvalidState)
	}

	element, err := s.conn.ReadLine(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("%w: worker closed mid-stream", csp.ErrTransport)
		}
		_ = s.Reset()
		return "", err
	}
	if element == "" {
		_ = s.Reset()
		return "", fmt.Errorf("%w: empty element line", csp.ErrProtocol)
	}

	eof, err := s.conn.AtEOF(ctx)
	if err != nil {
		_ = s.Reset()
		return "", err
	}
	if eof {
		_ = s.Reset()
	}

	elementsOutCounter.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("sorter", "proxy"),
	))
	return element, nil
}

// Reset implements Sorter. Closing the connection is best effort; a close
// failure never fails the reset.
func (s *ProxySorter) Reset() error {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.state = StateWrite
	return nil
}
