package respio

import (
	"github.com/valyala/bytebufferpool"
)

// Frame is one encoded command waiting to be written.
type Frame = bytebufferpool.ByteBuffer

var framePool bytebufferpool.Pool

// AcquireCommandFrame encodes args into a pooled frame. The frame must be handed back with
// ReleaseFrame once its bytes have been written.
func AcquireCommandFrame(args ...[]byte) *Frame {
	f := framePool.Get()
	f.B = AppendCommand(f.B[:0], args...)
	return f
}

func ReleaseFrame(f *Frame) {
	if f == nil {
		return
	}
	framePool.Put(f)
}

// AcquireFrame returns an empty pooled frame.
func AcquireFrame() *Frame {
	f := framePool.Get()
	f.B = f.B[:0]
	return f
}
