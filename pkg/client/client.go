package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/pzhenzhou/pipekv/pkg/backend"
	"github.com/pzhenzhou/pipekv/pkg/common"
	"github.com/pzhenzhou/pipekv/pkg/metrics"
	"github.com/pzhenzhou/pipekv/pkg/respio"
	"github.com/samber/lo"
)

var (
	logger = common.InitLogger().WithName("client")

	// ErrGivenUp fails every call once the reconnect attempts are exhausted.
	ErrGivenUp = errors.New("pipekv: client gave up reconnecting")
)

type State int32

const (
	StateReady State = iota
	StateReconnecting
	StateGivenUp
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateGivenUp:
		return "given-up"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Option func(c *Client)

// WithMetrics records every call through mw.
func WithMetrics(mw *metrics.MetricsMiddleWare) Option {
	return func(c *Client) {
		c.metrics = mw
	}
}

type Stats struct {
	State      State
	Reconnects int64
	Retries    int64
	// Dispatcher covers the current connection only.
	Dispatcher backend.DispatcherStats
}

// Client owns one pipelined connection at a time. When it faults the client reconnects with
// bounded exponential backoff; calls issued meanwhile wait for the outcome.
type Client struct {
	addr string
	cfg  common.ClientConfig
	opts backend.Options

	mu      sync.Mutex
	state   State
	current *backend.Dispatcher
	// ready is closed when a reconnect round ends, whatever the outcome.
	ready   chan struct{}
	lastErr error

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	metrics *metrics.MetricsMiddleWare

	reconnects *xsync.Counter
	retries    *xsync.Counter
}

// Open connects to addr. A failure to connect is returned as a *backend.ConnectError and is
// not retried. A nil cfg selects the defaults; an empty addr falls back to cfg.Addr.
func Open(ctx context.Context, addr string, cfg *common.ClientConfig, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = common.DefaultClientConfig()
	}
	conf := *cfg
	if addr != "" {
		conf.Addr = addr
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		addr:       conf.Addr,
		cfg:        conf,
		opts:       backend.OptionsFromConfig(&conf),
		reconnects: xsync.NewCounter(),
		retries:    xsync.NewCounter(),
	}
	for _, opt := range opts {
		opt(c)
	}
	d, err := backend.Open(ctx, c.addr, c.opts)
	if err != nil {
		return nil, err
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.current = d
	c.state = StateReady
	c.watch(d)
	logger.Info("Client connected", "Addr", c.addr, "connId", d.ConnId())
	return c, nil
}

// Call issues one command built from name and args and waits for its reply. A call failed by a
// lost connection is reissued up to MaxRetries times, each time on a freshly reconnected
// connection. Server error replies are returned as replies; use RespPacket.Err to convert them.
func (c *Client) Call(ctx context.Context, name string, args ...string) (*respio.RespPacket, error) {
	return c.Do(ctx, buildCommand(name, args)...)
}

func buildCommand(name string, args []string) [][]byte {
	cmd := make([][]byte, 0, len(args)+1)
	cmd = append(cmd, []byte(name))
	return append(cmd, lo.Map(args, func(arg string, _ int) []byte {
		return []byte(arg)
	})...)
}

// Do is Call for binary arguments; cmd[0] is the command name.
func (c *Client) Do(ctx context.Context, cmd ...[]byte) (*respio.RespPacket, error) {
	if len(cmd) == 0 {
		return nil, backend.ErrEmptyCommand
	}
	if c.metrics == nil {
		return c.do(ctx, cmd)
	}
	var reply *respio.RespPacket
	err := c.metrics.WrapCall(string(cmd[0]), func() error {
		var callErr error
		reply, callErr = c.do(ctx, cmd)
		return callErr
	})
	return reply, err
}

func (c *Client) do(ctx context.Context, cmd [][]byte) (*respio.RespPacket, error) {
	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}
	name := string(cmd[0])
	for attempt := 0; ; attempt++ {
		d, err := c.acquire(ctx, name)
		if err != nil {
			return nil, err
		}
		req, err := d.Submit(cmd...)
		if err == nil {
			if c.metrics != nil {
				c.metrics.TrackInFlight(d.InFlight())
			}
			var reply *respio.RespPacket
			if reply, err = req.Wait(ctx); err == nil {
				return reply, nil
			}
		}
		if !errors.Is(err, backend.ErrConnectionLost) || errors.Is(err, backend.ErrClosed) ||
			attempt >= c.cfg.MaxRetries {
			return nil, err
		}
		c.retries.Inc()
		logger.V(1).Info("Reissuing call after connection loss", "command", name, "attempt", attempt+1,
			"cause", err.Error())
	}
}

// Go submits a command and returns its future without waiting for the reply. It waits only
// while a reconnect is in progress. Futures are not reissued after a connection loss.
func (c *Client) Go(ctx context.Context, name string, args ...string) (*backend.PendingRequest, error) {
	d, err := c.acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	return d.Submit(buildCommand(name, args)...)
}

// acquire returns the current dispatcher, waiting out a reconnect round.
func (c *Client) acquire(ctx context.Context, name string) (*backend.Dispatcher, error) {
	for {
		c.mu.Lock()
		switch c.state {
		case StateReady:
			d := c.current
			if faulted(d) {
				// the fault is observed before the watcher got to it
				c.beginReconnectLocked(d)
				c.mu.Unlock()
				continue
			}
			c.mu.Unlock()
			return d, nil
		case StateReconnecting:
			ready := c.ready
			c.mu.Unlock()
			select {
			case <-ready:
			case <-ctx.Done():
				return nil, contextErr(ctx, name)
			}
		case StateGivenUp:
			err := c.lastErr
			c.mu.Unlock()
			return nil, err
		default:
			c.mu.Unlock()
			return nil, backend.ErrClosed
		}
	}
}

func faulted(d *backend.Dispatcher) bool {
	select {
	case <-d.Done():
		return true
	default:
		return d.Err() != nil
	}
}

func contextErr(ctx context.Context, name string) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", backend.ErrCallTimeout, name, err)
	}
	return err
}

func (c *Client) watch(d *backend.Dispatcher) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-d.Done()
		c.mu.Lock()
		c.beginReconnectLocked(d)
		c.mu.Unlock()
	}()
}

// beginReconnectLocked moves Ready to Reconnecting when d is still the current connection.
// c.mu must be held.
func (c *Client) beginReconnectLocked(d *backend.Dispatcher) {
	if c.state != StateReady || c.current != d {
		return
	}
	c.state = StateReconnecting
	c.ready = make(chan struct{})
	logger.Info("Connection lost, reconnecting", "Addr", c.addr, "connId", d.ConnId(),
		"cause", fmt.Sprint(d.Err()))
	c.wg.Add(1)
	go c.reconnect(d)
}

func (c *Client) reconnect(old *backend.Dispatcher) {
	defer c.wg.Done()
	_ = old.Close()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BackoffBase
	b.MaxInterval = c.cfg.BackoffCap
	attempt := 0
	d, err := backoff.Retry[*backend.Dispatcher](c.ctx, func() (*backend.Dispatcher, error) {
		attempt++
		return backend.Open(c.ctx, c.addr, c.opts)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.cfg.ReconnectAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Info("Reconnect attempt failed", "Addr", c.addr, "attempt", attempt, "next", next.String(),
				"error", err.Error())
		}))

	c.mu.Lock()
	if c.state != StateReconnecting {
		// closed meanwhile
		c.mu.Unlock()
		if d != nil {
			_ = d.Close()
		}
		return
	}
	if err != nil {
		c.state = StateGivenUp
		c.lastErr = fmt.Errorf("%w: %w", ErrGivenUp, err)
		if c.metrics != nil {
			c.metrics.TrackEvent("given_up")
		}
		close(c.ready)
		c.mu.Unlock()
		logger.Error(err, "Client gave up reconnecting", "Addr", c.addr, "attempts", attempt)
		return
	}
	c.current = d
	c.state = StateReady
	c.reconnects.Inc()
	if c.metrics != nil {
		c.metrics.TrackEvent("reconnect")
	}
	close(c.ready)
	c.watch(d)
	c.mu.Unlock()
	logger.Info("Client reconnected", "Addr", c.addr, "connId", d.ConnId(), "attempts", attempt)
}

// Close releases the connection. Requests still in flight fail with an error matching both
// backend.ErrConnectionLost and backend.ErrClosed; later calls fail with backend.ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateReconnecting {
		close(c.ready)
	}
	c.state = StateClosed
	d := c.current
	c.mu.Unlock()

	c.cancel()
	err := d.Close()
	c.wg.Wait()
	logger.Info("Client closed", "Addr", c.addr)
	return err
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	state, d := c.state, c.current
	c.mu.Unlock()
	return Stats{
		State:      state,
		Reconnects: c.reconnects.Value(),
		Retries:    c.retries.Value(),
		Dispatcher: d.Stats(),
	}
}

// ErrorKind classifies a call error for the errors metric.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrGivenUp):
		return "given_up"
	case errors.Is(err, backend.ErrCallTimeout):
		return "timeout"
	case errors.Is(err, backend.ErrClosed):
		return "closed"
	case errors.Is(err, respio.ErrInvalidSyntax), errors.Is(err, backend.ErrUnsolicitedReply):
		return "protocol"
	case errors.Is(err, backend.ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "other"
	}
}
