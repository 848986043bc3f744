package respio

import (
	"bytes"
	"errors"
	"io"

	"github.com/pzhenzhou/pipekv/pkg/common"
)

const (
	DefaultBufferSize = 8 * common.KB // 8KB
)

var (
	logger = common.InitLogger().WithName("resp")
)

// RespReader owns the decode buffer of one stream. Read blocks on the underlying reader only
// when the buffer holds no complete reply.
type RespReader struct {
	reader  io.Reader
	decoder *Decoder
}

func NewRespReader(r io.Reader) *RespReader {
	return NewRespReaderSize(r, DefaultBufferSize)
}

func NewRespReaderSize(r io.Reader, size int) *RespReader {
	return &RespReader{
		reader:  r,
		decoder: NewDecoder(size),
	}
}

func NewRespReaderFromBytes(data []byte) *RespReader {
	return NewRespReader(bytes.NewReader(data))
}

// Read returns the next complete reply. Bytes that arrived together with an earlier reply are
// decoded without touching the reader again.
func (r *RespReader) Read() (*RespPacket, error) {
	for {
		pkt, err := r.decoder.Next()
		if err == nil {
			return pkt, nil
		}
		if !errors.Is(err, ErrIncomplete) {
			logger.Info("RespReader invalid reply", "error", err.Error())
			return nil, err
		}
		n, readErr := r.decoder.ReadFrom(r.reader)
		if readErr != nil {
			if n > 0 {
				// decode what arrived before surfacing the error
				continue
			}
			if errors.Is(readErr, io.EOF) && r.decoder.Buffered() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, readErr
		}
	}
}

// Buffered returns the number of received bytes not yet decoded.
func (r *RespReader) Buffered() int {
	return r.decoder.Buffered()
}

// Discard drops every undecoded byte.
func (r *RespReader) Discard() {
	r.decoder.Reset()
}
