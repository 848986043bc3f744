package backend

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/edwingeng/deque/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/pzhenzhou/pipekv/pkg/common"
	"github.com/pzhenzhou/pipekv/pkg/respio"
)

type Options struct {
	ConnectTimeout time.Duration
	QueueSize      int
}

func OptionsFromConfig(cfg *common.ClientConfig) Options {
	return Options{
		ConnectTimeout: cfg.ConnectTimeout,
		QueueSize:      cfg.QueueSize,
	}
}

type DispatcherStats struct {
	Submitted int64
	Replied   int64
	// Discarded counts replies consumed for requests that were already cancelled or timed out.
	Discarded int64
	Failed    int64
	InFlight  int
}

// Dispatcher pipelines commands from any number of goroutines over one BackendConn and pairs
// each reply with the oldest request still in flight. The server answers in submission order,
// so the pairing never looks at reply content.
type Dispatcher struct {
	conn *BackendConn
	// sendMu serializes sequence assignment, enqueue and frame hand-off so the in-flight order
	// is exactly the order bytes reach the transport.
	sendMu sync.Mutex
	seq    uint64
	// mu guards inflight, closed and lostErr. The read loop only ever takes mu.
	mu sync.Mutex
	// inflight: PushFront on submit, PopBack on reply.
	inflight *deque.Deque[*PendingRequest]
	closed   bool
	lostErr  error
	done     chan struct{}

	submitted *xsync.Counter
	replied   *xsync.Counter
	discarded *xsync.Counter
	failed    *xsync.Counter
}

func newDispatcher() *Dispatcher {
	return &Dispatcher{
		inflight:  deque.NewDeque[*PendingRequest](),
		done:      make(chan struct{}),
		submitted: xsync.NewCounter(),
		replied:   xsync.NewCounter(),
		discarded: xsync.NewCounter(),
		failed:    xsync.NewCounter(),
	}
}

// Open dials addr and returns a Dispatcher bound to the new connection.
func Open(ctx context.Context, addr string, opts Options) (*Dispatcher, error) {
	d := newDispatcher()
	d.conn = newBackendConn(addr, opts, d)
	if err := d.conn.dial(ctx, opts); err != nil {
		return nil, err
	}
	d.conn.start()
	return d, nil
}

// NewDispatcher binds a Dispatcher to an already established stream.
func NewDispatcher(conn net.Conn, opts Options) *Dispatcher {
	d := newDispatcher()
	d.conn = newBackendConn(conn.RemoteAddr().String(), opts, d)
	d.conn.attach(conn)
	d.conn.start()
	return d
}

// Submit pipelines one command and returns its future without waiting for the reply. Once the
// connection is gone it fails immediately with an error matching ErrConnectionLost.
func (d *Dispatcher) Submit(cmd ...[]byte) (*PendingRequest, error) {
	if len(cmd) == 0 {
		return nil, ErrEmptyCommand
	}
	req := newPendingRequest(cmd)
	frame := respio.AcquireCommandFrame(cmd...)

	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	d.mu.Lock()
	if d.closed {
		lostErr := d.lostErr
		d.mu.Unlock()
		respio.ReleaseFrame(frame)
		return nil, lostErr
	}
	d.seq++
	req.Seq = d.seq
	d.inflight.PushFront(req)
	d.mu.Unlock()
	d.submitted.Inc()

	if err := d.conn.Send(frame); err != nil {
		// the connection is shutting down; OnConnectionFault fails req with the rest of the queue
		respio.ReleaseFrame(frame)
	}
	return req, nil
}

// Do submits cmd and waits for its reply.
func (d *Dispatcher) Do(ctx context.Context, cmd ...[]byte) (*respio.RespPacket, error) {
	req, err := d.Submit(cmd...)
	if err != nil {
		return nil, err
	}
	return req.Wait(ctx)
}

// OnReply settles the oldest in-flight request with reply. A reply with nothing in flight is
// a protocol violation and faults the connection.
func (d *Dispatcher) OnReply(reply *respio.RespPacket) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	if d.inflight.Len() == 0 {
		d.mu.Unlock()
		return ErrUnsolicitedReply
	}
	req := d.inflight.PopBack()
	d.mu.Unlock()

	d.replied.Inc()
	if !req.resolve(reply, nil) {
		d.discarded.Inc()
	}
	return nil
}

// OnConnectionFault fails every request still in flight, oldest first.
func (d *Dispatcher) OnConnectionFault(err error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.lostErr = connectionLost(err)
	failed := make([]*PendingRequest, 0, d.inflight.Len())
	for d.inflight.Len() > 0 {
		failed = append(failed, d.inflight.PopBack())
	}
	d.mu.Unlock()
	// done closes before any waiter wakes, so a woken caller never picks this dispatcher again
	close(d.done)

	for _, req := range failed {
		if req.resolve(nil, d.lostErr) {
			d.failed.Inc()
		}
	}
	if len(failed) > 0 {
		logger.Info("Dispatcher failed in-flight requests", "connId", d.conn.Id, "count", len(failed),
			"cause", err.Error())
	}
}

// Close shuts the connection down; requests still in flight fail with ErrConnectionLost.
func (d *Dispatcher) Close() error {
	return d.conn.Close()
}

// Done is closed once the connection is gone, before the in-flight requests are failed.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Err returns the error in-flight requests were failed with, nil while the connection is usable.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lostErr
}

func (d *Dispatcher) State() ConnState {
	return d.conn.State()
}

func (d *Dispatcher) ConnId() string {
	return d.conn.Id
}

func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight.Len()
}

func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Submitted: d.submitted.Value(),
		Replied:   d.replied.Value(),
		Discarded: d.discarded.Value(),
		Failed:    d.failed.Value(),
		InFlight:  d.InFlight(),
	}
}
