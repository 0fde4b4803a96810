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

// Package csp implements the line framing for the custom sort protocol
// spoken between remote proxy sorters and sort workers.
//
// The grammar is line oriented, one token per line:
//
//	session      := greeting, { request }
//	greeting     := "ok" CRLF
//	request      := writePhase, sortTrigger, readPhase
//	writePhase   := { element CRLF }
//	sortTrigger  := CRLF
//	readPhase    := ("error" CRLF message CRLF) | { element CRLF }
//	element      := non-empty text containing no CR or LF
//
// Lines are written CRLF-terminated; the reader also accepts bare LF.
// Connection closure during the read phase is the normal end of stream,
// not a fault.
package csp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Response headers defined by the protocol.
const (
	HeaderOK    = "ok"
	HeaderError = "error"
)

var (
	// ErrProtocol indicates the peer sent bytes that violate the protocol
	// grammar.
	ErrProtocol = errors.New("sort protocol violation")

	// ErrTransport indicates the underlying connection failed mid-exchange.
	// The affected sorter node resets itself before surfacing it.
	ErrTransport = errors.New("sort transport fault")
)

// Conn wraps a net.Conn with the protocol's line framing. Reads and writes
// honor context cancellation by expiring the connection deadline, so a
// blocked exchange unwinds promptly when the caller gives up.
type Conn struct {
	nc net.Conn
	r  *bufio.Reader
	w  *bufio.Writer
}

// Dial opens a protocol connection to the given worker address.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, addr, err)
	}
	return NewConn(nc), nil
}

// NewConn wraps an established connection.
func NewConn(nc net.Conn) *Conn {
	return &Conn{
		nc: nc,
		r:  bufio.NewReader(nc),
		w:  bufio.NewWriter(nc),
	}
}

// guard arms a context watcher that unblocks in-flight I/O by expiring the
// connection deadline. The returned release func must be deferred around
// the guarded operation.
func (c *Conn) guard(ctx context.Context) (release func()) {
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(done)
		_ = c.nc.SetDeadline(time.Now())
	})
	return func() {
		if !stop() {
			<-done
			_ = c.nc.SetDeadline(time.Time{})
		}
	}
}

// ioErr normalizes an I/O failure into a transport fault. Deadline
// expirations caused by a cancelled context surface as the context's error.
func (c *Conn) ioErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			err = ctx.Err()
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}

// ReadLine reads one line, stripping the trailing LF and optional CR.
// A clean end of stream before any byte of a line returns io.EOF
// unwrapped; callers treat that as end-of-stream where the grammar allows
// it. A final unterminated line is delivered as-is, with the EOF observed
// on the next read.
func (c *Conn) ReadLine(ctx context.Context) (string, error) {
	defer c.guard(ctx)()
	line, err := c.r.ReadString('\n')
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return "", c.ioErr(ctx, "read line", err)
		}
		if line == "" {
			return "", io.EOF
		}
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

// WriteLine appends one CRLF-terminated line to the write buffer without
// flushing it. Element lines of the write phase are batched this way and
// pushed out by the sort trigger.
func (c *Conn) WriteLine(ctx context.Context, line string) error {
	defer c.guard(ctx)()
	if _, err := c.w.WriteString(line); err != nil {
		return c.ioErr(ctx, "write line", err)
	}
	if _, err := c.w.WriteString("\r\n"); err != nil {
		return c.ioErr(ctx, "write line", err)
	}
	return nil
}

// Flush pushes any buffered lines to the peer.
func (c *Conn) Flush(ctx context.Context) error {
	defer c.guard(ctx)()
	if err := c.w.Flush(); err != nil {
		return c.ioErr(ctx, "flush", err)
	}
	return nil
}

// SendLine writes one line and flushes it immediately.
func (c *Conn) SendLine(ctx context.Context, line string) error {
	if err := c.WriteLine(ctx, line); err != nil {
		return err
	}
	return c.Flush(ctx)
}

// SendError emits the protocol's error response: the error header followed
// by a single sanitized message line.
func (c *Conn) SendError(ctx context.Context, msg string) error {
	if err := c.WriteLine(ctx, HeaderError); err != nil {
		return err
	}
	if err := c.WriteLine(ctx, SanitizeMessage(msg)); err != nil {
		return err
	}
	return c.Flush(ctx)
}

// AtEOF reports whether the peer has closed the stream. It blocks until at
// least one more byte is readable or end of stream is observed, which is
// how the protocol distinguishes "more elements follow" from "the peer is
// done".
func (c *Conn) AtEOF(ctx context.Context) (bool, error) {
	defer c.guard(ctx)()
	_, err := c.r.Peek(1)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, io.EOF):
		return true, nil
	default:
		return false, c.ioErr(ctx, "peek", err)
	}
}

// RemoteAddr returns the peer's address for logging.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Close closes the underlying connection. Buffered unflushed data is
// discarded.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// SanitizeMessage flattens a failure description into a single non-empty
// protocol line.
func SanitizeMessage(msg string) string {
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.ReplaceAll(msg, "\n", " ")
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "internal error"
	}
	return msg
}
