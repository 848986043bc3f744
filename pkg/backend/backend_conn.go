package backend

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pzhenzhou/pipekv/pkg/common"
	"github.com/pzhenzhou/pipekv/pkg/respio"
)

type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateReady
	StateFaulted
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

var (
	logger          = common.InitLogger().WithName("backend")
	shutdownTimeout = 1 * time.Second
)

// ReplyHandler receives the decoded reply stream of a BackendConn. OnReply is only ever called
// from the read loop. Returning an error faults the connection. OnConnectionFault is called
// exactly once, after the transport is released.
type ReplyHandler interface {
	OnReply(reply *respio.RespPacket) error
	OnConnectionFault(err error)
}

// BackendConn owns one transport stream, its decode buffer and the ordered outbound frame queue.
type BackendConn struct {
	Id      string
	addr    string
	conn    net.Conn
	reader  *respio.RespReader
	writer  *respio.RespWriter
	handler ReplyHandler
	// writeQ: encoded commands waiting for the write loop, in submission order.
	writeQ  chan *respio.Frame
	quit    chan struct{}
	state   atomic.Int32
	closed  atomic.Bool
	errMu   sync.Mutex
	err     error
	created time.Time
	wg      sync.WaitGroup
}

func newBackendConn(addr string, opts Options, handler ReplyHandler) *BackendConn {
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = common.DefaultQueueSize
	}
	return &BackendConn{
		Id:      shortuuid.New(),
		addr:    addr,
		handler: handler,
		writeQ:  make(chan *respio.Frame, queueSize),
		quit:    make(chan struct{}),
	}
}

// dial establishes the transport. The connection is Connecting while the dial is in progress
// and Ready once it returns; the loops start with start.
func (bc *BackendConn) dial(ctx context.Context, opts Options) error {
	bc.state.Store(int32(StateConnecting))
	dialer := &net.Dialer{
		Timeout: opts.ConnectTimeout,
		Control: dialControl,
	}
	conn, err := dialer.DialContext(ctx, "tcp", bc.addr)
	if err != nil {
		bc.state.Store(int32(StateDisconnected))
		logger.Error(err, "Failed to dial backend", "Addr", bc.addr)
		return &ConnectError{Addr: bc.addr, Err: err}
	}
	bc.attach(conn)
	logger.Info("BackendConn connected", "connId", bc.Id, "Addr", bc.addr)
	return nil
}

func (bc *BackendConn) attach(conn net.Conn) {
	bc.conn = conn
	bc.created = time.Now()
	bc.reader = respio.NewRespReader(conn)
	bc.writer = respio.NewRespWriter(conn)
	bc.state.Store(int32(StateReady))
}

func (bc *BackendConn) start() {
	bc.wg.Add(2)
	go bc.writeLoop()
	go bc.readLoop()
}

// Send queues one encoded command. Frames reach the transport in the order Send is called and
// are never interleaved. After a fault or Close, Send fails with ErrClosed.
func (bc *BackendConn) Send(frame *respio.Frame) error {
	select {
	case <-bc.quit:
		return ErrClosed
	default:
	}
	select {
	case bc.writeQ <- frame:
		return nil
	case <-bc.quit:
		return ErrClosed
	}
}

func (bc *BackendConn) writeLoop() {
	defer func() {
		bc.wg.Done()
		logger.V(1).Info("BackendConn writeLoop done", "connId", bc.Id)
	}()
	for {
		select {
		case <-bc.quit:
			return
		case frame := <-bc.writeQ:
			if err := bc.writeBatch(frame); err != nil {
				if !bc.closed.Load() {
					logger.Error(err, "BackendConn Failed to write", "connId", bc.Id)
				}
				bc.fault(err)
				return
			}
		}
	}
}

// writeBatch writes frame plus every frame already queued behind it, then flushes once.
func (bc *BackendConn) writeBatch(frame *respio.Frame) error {
	for {
		err := bc.writer.WriteRaw(frame.B)
		respio.ReleaseFrame(frame)
		if err != nil {
			return err
		}
		select {
		case frame = <-bc.writeQ:
		default:
			return bc.writer.Flush()
		}
	}
}

func (bc *BackendConn) readLoop() {
	defer func() {
		bc.reader.Discard()
		bc.wg.Done()
		logger.V(1).Info("BackendConn readLoop done", "connId", bc.Id)
	}()
	for {
		reply, err := bc.reader.Read()
		if err != nil {
			if !bc.closed.Load() {
				if common.IsConnectionClosed(err) {
					logger.Info("BackendConn connection closed by peer", "connId", bc.Id, "error", err.Error())
				} else {
					logger.Error(err, "BackendConn read failed", "connId", bc.Id)
				}
			}
			bc.fault(err)
			return
		}
		if err := bc.handler.OnReply(reply); err != nil {
			logger.Error(err, "BackendConn reply rejected", "connId", bc.Id)
			bc.fault(err)
			return
		}
	}
}

func (bc *BackendConn) fault(err error) {
	bc.shutdown(err, StateFaulted)
}

// shutdown releases the transport exactly once and then notifies the handler.
func (bc *BackendConn) shutdown(cause error, next ConnState) {
	if !bc.closed.CompareAndSwap(false, true) {
		return
	}
	bc.errMu.Lock()
	bc.err = cause
	bc.errMu.Unlock()
	bc.state.Store(int32(next))
	close(bc.quit)
	closeErr := bc.conn.Close()
	logger.Info("BackendConn connection released", "connId", bc.Id, "state", next.String(),
		"cause", cause.Error(), "closeErr", closeErr)
	bc.handler.OnConnectionFault(cause)
}

// Close releases the transport and waits for both loops to exit.
func (bc *BackendConn) Close() error {
	bc.shutdown(ErrClosed, StateDisconnected)
	done := make(chan struct{})
	go func() {
		bc.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.V(1).Info("BackendConn shutdown completed", "connId", bc.Id)
	case <-time.After(shutdownTimeout):
		logger.Info("BackendConn shutdown timed out", "connId", bc.Id)
	}
	return nil
}

func (bc *BackendConn) State() ConnState {
	return ConnState(bc.state.Load())
}

// Err returns the cause of the fault or ErrClosed, nil while the connection is usable.
func (bc *BackendConn) Err() error {
	bc.errMu.Lock()
	defer bc.errMu.Unlock()
	return bc.err
}

// Done is closed when the connection stops accepting frames.
func (bc *BackendConn) Done() <-chan struct{} {
	return bc.quit
}

func (bc *BackendConn) Addr() string {
	return bc.addr
}

func (bc *BackendConn) RemoteAddr() net.Addr {
	if bc.conn != nil {
		return bc.conn.RemoteAddr()
	}
	return nil
}
