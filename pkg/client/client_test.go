package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pzhenzhou/pipekv/pkg/backend"
	"github.com/pzhenzhou/pipekv/pkg/common"
	"github.com/pzhenzhou/pipekv/pkg/metrics"
	"github.com/pzhenzhou/pipekv/pkg/respio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *common.ClientConfig {
	cfg := common.DefaultClientConfig()
	cfg.ConnectTimeout = time.Second
	cfg.BackoffBase = 5 * time.Millisecond
	cfg.BackoffCap = 20 * time.Millisecond
	cfg.ReconnectAttempts = 3
	return cfg
}

func openClient(t *testing.T, addr string, cfg *common.ClientConfig, opts ...Option) *Client {
	t.Helper()
	c, err := Open(context.Background(), addr, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
	})
	return c
}

func TestClient_Call(t *testing.T) {
	srv := startTestServer(t, serveKV)
	c := openClient(t, srv.Addr(), testConfig())
	ctx := context.Background()

	reply, err := c.Call(ctx, "SET", "abc", "XXX")
	require.NoError(t, err)
	assert.Equal(t, "OK", reply.Text())

	reply, err = c.Call(ctx, "GET", "abc")
	require.NoError(t, err)
	assert.Equal(t, "XXX", reply.Text())

	reply, err = c.Call(ctx, "GET", "missing")
	require.NoError(t, err)
	assert.True(t, reply.IsNull())

	reply, err = c.Call(ctx, "NOPE")
	require.NoError(t, err)
	var replyErr *respio.ReplyError
	require.True(t, errors.As(reply.Err(), &replyErr))
	assert.Equal(t, "ERR unknown command 'NOPE'", replyErr.Message)

	_, err = c.Do(ctx)
	assert.ErrorIs(t, err, backend.ErrEmptyCommand)
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, srv.Addr(), c.Addr())
}

func TestClient_ConcurrentCallsKeepOrder(t *testing.T) {
	srv := startTestServer(t, serveKV)
	c := openClient(t, srv.Addr(), testConfig())

	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				want := fmt.Sprintf("%d:%d", w, i)
				reply, err := c.Call(context.Background(), "ECHO", want)
				if err != nil {
					errCh <- err
					return
				}
				if reply.Text() != want {
					errCh <- fmt.Errorf("got %q, want %q", reply.Text(), want)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}
}

func TestClient_GoPipelines(t *testing.T) {
	srv := startTestServer(t, serveKV)
	c := openClient(t, srv.Addr(), testConfig())
	ctx := context.Background()

	reqs := make([]*backend.PendingRequest, 100)
	for i := range reqs {
		var err error
		reqs[i], err = c.Go(ctx, "ECHO", fmt.Sprint(i))
		require.NoError(t, err)
	}
	for i, req := range reqs {
		reply, err := req.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), reply.Text())
	}
	assert.Equal(t, int64(100), c.Stats().Dispatcher.Replied)
}

func TestClient_ReconnectAndRetry(t *testing.T) {
	srv := startTestServer(t, dropFirstCommand)
	c := openClient(t, srv.Addr(), testConfig())
	ctx := context.Background()

	reply, err := c.Call(ctx, "SET", "k", "v")
	require.NoError(t, err)
	assert.Equal(t, "OK", reply.Text())

	reply, err = c.Call(ctx, "GET", "k")
	require.NoError(t, err)
	assert.Equal(t, "v", reply.Text())

	stats := c.Stats()
	assert.Equal(t, StateReady, stats.State)
	assert.Equal(t, int64(1), stats.Reconnects)
	assert.Equal(t, int64(1), stats.Retries)
	assert.Equal(t, int32(2), srv.accepted.Load())
}

func TestClient_ConcurrentCallersRetryOnNewConnection(t *testing.T) {
	const clients, callers = 10, 100
	cfg := testConfig()
	cfg.MaxRetries = 1

	var wg sync.WaitGroup
	errCh := make(chan error, clients*callers)
	opened := make([]*Client, 0, clients)
	for i := 0; i < clients; i++ {
		srv := startTestServer(t, dropFirstCommand)
		c := openClient(t, srv.Addr(), cfg)
		opened = append(opened, c)
		for j := 0; j < callers; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				want := fmt.Sprint(j)
				reply, err := c.Call(context.Background(), "ECHO", want)
				if err != nil {
					errCh <- err
					return
				}
				if reply.Text() != want {
					errCh <- fmt.Errorf("reply %q, want %q", reply.Text(), want)
				}
			}(j)
		}
	}
	wg.Wait()
	close(errCh)
	failed := 0
	for err := range errCh {
		if failed == 0 {
			t.Errorf("first failure: %v", err)
		}
		failed++
	}
	assert.Zero(t, failed, "calls failed out of %d", clients*callers)
	for _, c := range opened {
		assert.Equal(t, int64(1), c.Stats().Reconnects)
		assert.Equal(t, StateReady, c.State())
	}
}

func TestClient_NoRetrySurfacesConnectionLost(t *testing.T) {
	srv := startTestServer(t, dropFirstCommand)
	cfg := testConfig()
	cfg.MaxRetries = 0
	c := openClient(t, srv.Addr(), cfg)
	ctx := context.Background()

	_, err := c.Call(ctx, "SET", "k", "v")
	assert.ErrorIs(t, err, backend.ErrConnectionLost)

	// the next call waits for the reconnect and runs on the new connection
	reply, err := c.Call(ctx, "GET", "k")
	require.NoError(t, err)
	assert.True(t, reply.IsNull())
	assert.Equal(t, int64(0), c.Stats().Retries)
}

func TestClient_GivesUp(t *testing.T) {
	srv := startTestServer(t, serveKV)
	cfg := testConfig()
	cfg.ReconnectAttempts = 2
	c := openClient(t, srv.Addr(), cfg)

	_, err := c.Call(context.Background(), "ECHO", "hi")
	require.NoError(t, err)

	srv.kill()
	assert.Eventually(t, func() bool {
		return c.State() == StateGivenUp
	}, 5*time.Second, 5*time.Millisecond)

	start := time.Now()
	_, err = c.Call(context.Background(), "ECHO", "hi")
	assert.ErrorIs(t, err, ErrGivenUp)
	var connErr *backend.ConnectError
	assert.True(t, errors.As(err, &connErr))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	_, err = c.Go(context.Background(), "ECHO", "hi")
	assert.ErrorIs(t, err, ErrGivenUp)

	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
}

func TestClient_CallTimeout(t *testing.T) {
	srv := startTestServer(t, neverReply)
	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	c := openClient(t, srv.Addr(), cfg)

	_, err := c.Call(context.Background(), "GET", "k")
	assert.ErrorIs(t, err, backend.ErrCallTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, 1, c.Stats().Dispatcher.InFlight)
}

func TestClient_CloseFailsPending(t *testing.T) {
	srv := startTestServer(t, neverReply)
	c, err := Open(context.Background(), srv.Addr(), testConfig())
	require.NoError(t, err)

	req, err := c.Go(context.Background(), "GET", "k")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = req.Result()
	assert.ErrorIs(t, err, backend.ErrConnectionLost)
	assert.ErrorIs(t, err, backend.ErrClosed)

	_, err = c.Call(context.Background(), "GET", "k")
	assert.ErrorIs(t, err, backend.ErrClosed)
	assert.Equal(t, StateClosed, c.State())
	assert.NoError(t, c.Close())
}

func TestOpen_Errors(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Open(context.Background(), addr, testConfig())
	var connErr *backend.ConnectError
	require.True(t, errors.As(err, &connErr))

	cfg := testConfig()
	cfg.QueueSize = 0
	_, err = Open(context.Background(), addr, cfg)
	assert.Error(t, err)
	assert.False(t, errors.As(err, &connErr))
}

type countingCollector struct {
	mu       sync.Mutex
	commands map[string]int
	errors   map[string]int
	events   map[string]int
}

func newCountingCollector() *countingCollector {
	return &countingCollector{commands: map[string]int{}, errors: map[string]int{}, events: map[string]int{}}
}

func (c *countingCollector) RecordCommandLatency(string, time.Duration) {}
func (c *countingCollector) RecordOverallLatency(time.Duration)         {}
func (c *countingCollector) IncrementActiveConnections()                {}
func (c *countingCollector) DecrementActiveConnections()                {}
func (c *countingCollector) SetGauge(string, float32)                   {}
func (c *countingCollector) Shutdown()                                  {}
func (c *countingCollector) Handler() gin.HandlerFunc                   { return nil }

func (c *countingCollector) IncrementCommandCounter(command string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands[command]++
}

func (c *countingCollector) IncrementCounter(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[label]++
}

func (c *countingCollector) IncrementErrorCounter(errorType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors[errorType]++
}

func (c *countingCollector) count(m map[string]int, key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return m[key]
}

func TestClient_Metrics(t *testing.T) {
	srv := startTestServer(t, dropFirstCommand)
	collector := newCountingCollector()
	mw := metrics.NewMetricsMiddlewareWithOptions(collector, true, ErrorKind)
	cfg := testConfig()
	cfg.MaxRetries = 0
	c := openClient(t, srv.Addr(), cfg, WithMetrics(mw))

	_, err := c.Call(context.Background(), "SET", "k", "v")
	require.Error(t, err)
	_, err = c.Call(context.Background(), "SET", "k", "v")
	require.NoError(t, err)

	assert.Equal(t, 2, collector.count(collector.commands, "SET"))
	assert.Equal(t, 1, collector.count(collector.errors, "connection_lost"))
	assert.Equal(t, 1, collector.count(collector.events, "reconnect"))
}

func TestErrorKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("%w: %w", ErrGivenUp, errors.New("refused")), "given_up"},
		{fmt.Errorf("%w: GET: %w", backend.ErrCallTimeout, context.DeadlineExceeded), "timeout"},
		{fmt.Errorf("%w: %w", backend.ErrConnectionLost, backend.ErrClosed), "closed"},
		{fmt.Errorf("%w: %w", backend.ErrConnectionLost, &respio.ProtocolError{Reason: "bad"}), "protocol"},
		{fmt.Errorf("%w: %w", backend.ErrConnectionLost, backend.ErrUnsolicitedReply), "protocol"},
		{backend.ErrConnectionLost, "connection_lost"},
		{context.Canceled, "canceled"},
		{errors.New("other"), "other"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ErrorKind(tc.err), "%v", tc.err)
	}
}
