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

package csp

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConns returns a connected client/server pair over loopback TCP. The
// raw server side is returned as well so tests can inspect wire bytes.
func testConns(t *testing.T) (client *Conn, server *Conn, serverRaw net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	type accepted struct {
		nc  net.Conn
		err error
	}
	ch := make(chan accepted, 1)
	go func() {
		nc, aerr := ln.Accept()
		ch <- accepted{nc: nc, err: aerr}
	}()

	cc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })

	a := <-ch
	require.NoError(t, a.err)
	t.Cleanup(func() { _ = a.nc.Close() })

	return NewConn(cc), NewConn(a.nc), a.nc
}

func TestSendLine_RoundTrip(t *testing.T) {
	ctx := context.Background()
	client, server, _ := testConns(t)

	require.NoError(t, client.SendLine(ctx, "hello"))

	line, err := server.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", line)
}

func TestSendLine_WritesCRLF(t *testing.T) {
	ctx := context.Background()
	client, _, serverRaw := testConns(t)

	require.NoError(t, client.SendLine(ctx, "abc"))

	buf := make([]byte, 5)
	_, err := io.ReadFull(serverRaw, buf)
	require.NoError(t, err)
	assert.Equal(t, "abc\r\n", string(buf))
}

func TestReadLine_AcceptsBareLF(t *testing.T) {
	ctx := context.Background()
	client, server, _ := testConns(t)

	_, err := client.nc.Write([]byte("x\ny\r\n"))
	require.NoError(t, err)

	line, err := server.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "x", line)

	line, err = server.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "y", line)
}

func TestReadLine_EOF(t *testing.T) {
	ctx := context.Background()
	client, server, _ := testConns(t)

	require.NoError(t, client.Close())

	_, err := server.ReadLine(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadLine_UnterminatedFinalLine(t *testing.T) {
	ctx := context.Background()
	client, server, _ := testConns(t)

	_, err := client.nc.Write([]byte("tail"))
	require.NoError(t, err)
	require.NoError(t, client.Close())

	line, err := server.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tail", line)

	_, err = server.ReadLine(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadLine_ContextCancel(t *testing.T) {
	_, server, _ := testConns(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := server.ReadLine(ctx)
	require.ErrorIs(t, err, ErrTransport)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWriteLine_BatchesUntilFlush(t *testing.T) {
	ctx := context.Background()
	client, server, _ := testConns(t)

	require.NoError(t, client.WriteLine(ctx, "a"))
	require.NoError(t, client.WriteLine(ctx, "b"))
	require.NoError(t, client.Flush(ctx))

	line, err := server.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", line)

	line, err = server.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", line)
}

func TestAtEOF(t *testing.T) {
	ctx := context.Background()
	client, server, _ := testConns(t)

	require.NoError(t, client.SendLine(ctx, "one"))

	eof, err := server.AtEOF(ctx)
	require.NoError(t, err)
	assert.False(t, eof)

	_, err = server.ReadLine(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Close())

	eof, err = server.AtEOF(ctx)
	require.NoError(t, err)
	assert.True(t, eof)
}

func TestSendError(t *testing.T) {
	ctx := context.Background()
	client, server, _ := testConns(t)

	require.NoError(t, server.SendError(ctx, "sorter went\nsideways"))

	line, err := client.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, HeaderError, line)

	line, err = client.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sorter went sideways", line)
}

func TestDial_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), addr)
	require.ErrorIs(t, err, ErrTransport)
}

func TestSanitizeMessage(t *testing.T) {
	assert.Equal(t, "internal error", SanitizeMessage(""))
	assert.Equal(t, "internal error", SanitizeMessage(" \r\n "))
	assert.Equal(t, "plain", SanitizeMessage("plain"))
	assert.Equal(t, "two  lines", SanitizeMessage("two\r\nlines"))
}
