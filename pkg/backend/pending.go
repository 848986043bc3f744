package backend

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pzhenzhou/pipekv/pkg/respio"
)

const (
	requestPending int32 = iota
	requestResolved
	requestCancelled
)

// PendingRequest correlates one submitted command with its reply. It is a single-assignment
// future: exactly one of the reply, a connection failure or a local cancellation wins.
type PendingRequest struct {
	Seq     uint64
	Command [][]byte
	Created time.Time

	state atomic.Int32
	done  chan struct{}
	reply *respio.RespPacket
	err   error
}

func newPendingRequest(cmd [][]byte) *PendingRequest {
	return &PendingRequest{
		Command: cmd,
		Created: time.Now(),
		done:    make(chan struct{}),
	}
}

// Name returns the command name, used for metrics and logs.
func (p *PendingRequest) Name() string {
	if len(p.Command) == 0 {
		return ""
	}
	return string(p.Command[0])
}

// resolve never blocks; it reports false when the request was already settled.
func (p *PendingRequest) resolve(reply *respio.RespPacket, err error) bool {
	if !p.state.CompareAndSwap(requestPending, requestResolved) {
		return false
	}
	p.reply = reply
	p.err = err
	close(p.done)
	return true
}

// Cancel settles the request locally with cause. The request keeps its place in the in-flight
// queue and the reply the server still sends for it is consumed and dropped.
func (p *PendingRequest) Cancel(cause error) bool {
	if cause == nil {
		cause = context.Canceled
	}
	if !p.state.CompareAndSwap(requestPending, requestCancelled) {
		return false
	}
	p.err = cause
	close(p.done)
	return true
}

func (p *PendingRequest) Cancelled() bool {
	return p.state.Load() == requestCancelled
}

// Done is closed once the request is settled.
func (p *PendingRequest) Done() <-chan struct{} {
	return p.done
}

// Result blocks until the request is settled.
func (p *PendingRequest) Result() (*respio.RespPacket, error) {
	<-p.done
	return p.reply, p.err
}

// Wait blocks until the request is settled or ctx ends. An expired deadline cancels the request
// with an error matching both ErrCallTimeout and context.DeadlineExceeded.
func (p *PendingRequest) Wait(ctx context.Context) (*respio.RespPacket, error) {
	select {
	case <-p.done:
		return p.reply, p.err
	case <-ctx.Done():
	}
	cause := ctx.Err()
	if errors.Is(cause, context.DeadlineExceeded) {
		cause = fmt.Errorf("%w: %s: %w", ErrCallTimeout, p.Name(), cause)
	}
	if p.Cancel(cause) {
		return nil, cause
	}
	// settled concurrently, the settled value wins
	<-p.done
	return p.reply, p.err
}
