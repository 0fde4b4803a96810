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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/sortrunner/internal/csp"
	"github.com/cardinalhq/sortrunner/internal/streamsort"
)

func localTree(leaves int) TreeFactory {
	return func() (streamsort.Sorter[string], error) {
		return streamsort.NewTree(leaves, func() (streamsort.Sorter[string], error) {
			return streamsort.NewLocalSorter[string](), nil
		})
	}
}

func startServer(t *testing.T, newTree TreeFactory) *Server {
	t.Helper()
	srv, err := NewServer(Config{Addr: "127.0.0.1:0", NewTree: newTree})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return srv
}

func newClient(t *testing.T, addr string) *streamsort.ProxySorter {
	t.Helper()
	p, err := streamsort.NewProxySorter(addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Reset() })
	return p
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Config{Addr: "127.0.0.1:0"})
	require.Error(t, err)

	_, err = NewServer(Config{Addr: "definitely not an address", NewTree: localTree(1)})
	require.Error(t, err)
}

func TestServer_ServesProxyClient(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t, localTree(2))
	p := newClient(t, srv.Addr().String())

	require.NoError(t, p.Write(ctx, "foo"))
	require.NoError(t, p.Write(ctx, "bar"))
	require.NoError(t, p.Sort(ctx))
	require.Equal(t, streamsort.StateRead, p.State())

	element, err := p.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bar", element)

	element, err = p.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "foo", element)
	assert.Equal(t, streamsort.StateWrite, p.State())
}

func TestServer_RawProtocolExchange(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t, localTree(4))

	c, err := csp.Dial(ctx, srv.Addr().String())
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	greeting, err := c.ReadLine(ctx)
	require.NoError(t, err)
	require.Equal(t, csp.HeaderOK, greeting)

	require.NoError(t, c.WriteLine(ctx, "cherry"))
	require.NoError(t, c.WriteLine(ctx, "apple"))
	require.NoError(t, c.WriteLine(ctx, "banana"))
	require.NoError(t, c.SendLine(ctx, ""))

	for _, want := range []string{"apple", "banana", "cherry"} {
		line, err := c.ReadLine(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, line)
	}

	// Session is single-shot: after the last element the worker closes.
	_, err = c.ReadLine(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestServer_EmptySession(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t, localTree(2))

	c, err := csp.Dial(ctx, srv.Addr().String())
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	require.NoError(t, c.SendLine(ctx, ""))

	greeting, err := c.ReadLine(ctx)
	require.NoError(t, err)
	require.Equal(t, csp.HeaderOK, greeting)

	_, err = c.ReadLine(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestServer_TreeFactoryFailureRefusesSession(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t, func() (streamsort.Sorter[string], error) {
		return nil, errors.New("no tree today")
	})
	p := newClient(t, srv.Addr().String())

	require.NoError(t, p.Write(ctx, "x"))
	err := p.Sort(ctx)
	require.ErrorIs(t, err, streamsort.ErrInvalidState)

	var remote *streamsort.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "no tree today")
	assert.Equal(t, streamsort.StateWrite, p.State())
}

// faultyTree sorts never.
type faultyTree struct {
	streamsort.Sorter[string]
}

func (f *faultyTree) Sort(context.Context) error {
	return errors.New("sort exploded")
}

func TestServer_SortFaultAnswersErrorResponse(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t, func() (streamsort.Sorter[string], error) {
		return &faultyTree{Sorter: streamsort.NewLocalSorter[string]()}, nil
	})

	c, err := csp.Dial(ctx, srv.Addr().String())
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	greeting, err := c.ReadLine(ctx)
	require.NoError(t, err)
	require.Equal(t, csp.HeaderOK, greeting)

	require.NoError(t, c.WriteLine(ctx, "b"))
	require.NoError(t, c.WriteLine(ctx, "a"))
	require.NoError(t, c.SendLine(ctx, ""))

	header, err := c.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, csp.HeaderError, header)

	msg, err := c.ReadLine(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg, "sort exploded")

	_, err = c.ReadLine(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestServer_ConcurrentSessions(t *testing.T) {
	srv := startServer(t, localTree(3))
	addr := srv.Addr().String()

	g, ctx := errgroup.WithContext(context.Background())
	for i := range 8 {
		g.Go(func() error {
			p, err := streamsort.NewProxySorter(addr)
			if err != nil {
				return err
			}
			defer func() { _ = p.Reset() }()

			rng := rand.New(rand.NewPCG(uint64(i), 99))
			input := make([]string, 100)
			for j := range input {
				input[j] = fmt.Sprintf("client%d-%03d", i, rng.IntN(500))
			}
			for _, element := range input {
				if err := p.Write(ctx, element); err != nil {
					return err
				}
			}
			if err := p.Sort(ctx); err != nil {
				return err
			}

			var got []string
			for p.State() == streamsort.StateRead {
				element, err := p.Read(ctx)
				if err != nil {
					return err
				}
				got = append(got, element)
			}

			want := slices.Clone(input)
			slices.Sort(want)
			if !slices.Equal(want, got) {
				return fmt.Errorf("client %d: got %d elements, order or content wrong", i, len(got))
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestServer_SurvivesAbandonedSession(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t, localTree(2))

	// Abandon a session mid write phase.
	c, err := csp.Dial(ctx, srv.Addr().String())
	require.NoError(t, err)
	require.NoError(t, c.SendLine(ctx, "orphan"))
	require.NoError(t, c.Close())

	// The worker must keep serving new sessions.
	p := newClient(t, srv.Addr().String())
	writeAndSort := func(elements ...string) []string {
		for _, element := range elements {
			require.NoError(t, p.Write(ctx, element))
		}
		require.NoError(t, p.Sort(ctx))
		var got []string
		for p.State() == streamsort.StateRead {
			element, err := p.Read(ctx)
			require.NoError(t, err)
			got = append(got, element)
		}
		return got
	}
	assert.Equal(t, []string{"x", "y"}, writeAndSort("y", "x"))
}

func TestServer_ShutdownUnblocksSessions(t *testing.T) {
	srv, err := NewServer(Config{Addr: "127.0.0.1:0", NewTree: localTree(2)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	// Park a session in its write phase.
	c, err := csp.Dial(context.Background(), srv.Addr().String())
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	greeting, err := c.ReadLine(context.Background())
	require.NoError(t, err)
	require.Equal(t, csp.HeaderOK, greeting)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not unblock the parked session")
	}
}

func TestSessionsHandler_ReportsRecentSessions(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t, localTree(2))
	p := newClient(t, srv.Addr().String())

	// A distinctive element count to find this session in the registry.
	elements := []string{"s1", "s2", "s3", "s4", "s5", "s6", "s7"}
	for _, element := range elements {
		require.NoError(t, p.Write(ctx, element))
	}
	require.NoError(t, p.Sort(ctx))
	for p.State() == streamsort.StateRead {
		_, err := p.Read(ctx)
		require.NoError(t, err)
	}

	// The session record lands after the handler goroutine finishes.
	var found *SessionStats
	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		SessionsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/sessions", nil))
		var sessions []SessionStats
		if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
			return false
		}
		for i := range sessions {
			if sessions[i].ElementsIn == 7 && sessions[i].Outcome == OutcomeCompleted {
				found = &sessions[i]
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(7), found.ElementsOut)
	assert.InDelta(t, 7, float64(found.DistinctEstimate), 1)
	assert.NotEmpty(t, found.ID)
}
