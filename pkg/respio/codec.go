package respio

import (
	"bytes"
	"io"
	"strconv"

	"github.com/pzhenzhou/pipekv/pkg/common"
)

const (
	MaxBulkSize  = 512 * common.MB
	MaxArrayLen  = 16 * common.MB
	MaxLineSize  = 64 * common.KB
	MaxNesting   = 512
	minReadSpace = 4 * common.KB
)

// CommandSize returns the exact encoded size of a command.
func CommandSize(args ...[]byte) int {
	n := 1 + decimalLen(len(args)) + 2
	for _, arg := range args {
		n += 1 + decimalLen(len(arg)) + 2 + len(arg) + 2
	}
	return n
}

// AppendCommand appends the array-of-bulk-strings framing of args to dst.
func AppendCommand(dst []byte, args ...[]byte) []byte {
	dst = append(dst, RespArray)
	dst = strconv.AppendInt(dst, int64(len(args)), 10)
	dst = append(dst, CRLF...)
	for _, arg := range args {
		dst = append(dst, RespString)
		dst = strconv.AppendInt(dst, int64(len(arg)), 10)
		dst = append(dst, CRLF...)
		dst = append(dst, arg...)
		dst = append(dst, CRLF...)
	}
	return dst
}

func EncodeCommand(args ...[]byte) []byte {
	return AppendCommand(make([]byte, 0, CommandSize(args...)), args...)
}

// AppendPacket appends the RESP2 encoding of p to dst. Null bulk strings and null arrays encode
// as $-1 and *-1.
func AppendPacket(dst []byte, p *RespPacket) ([]byte, error) {
	switch p.Type {
	case RespStatus, RespError, RespInt:
		dst = append(dst, p.Type)
		dst = append(dst, p.Data...)
		return append(dst, CRLF...), nil
	case RespString:
		if p.Data == nil {
			return append(dst, Nil...), nil
		}
		dst = append(dst, RespString)
		dst = strconv.AppendInt(dst, int64(len(p.Data)), 10)
		dst = append(dst, CRLF...)
		dst = append(dst, p.Data...)
		return append(dst, CRLF...), nil
	case RespArray:
		if p.Array == nil {
			return append(dst, NilArray...), nil
		}
		dst = append(dst, RespArray)
		dst = strconv.AppendInt(dst, int64(len(p.Array)), 10)
		dst = append(dst, CRLF...)
		var err error
		for _, item := range p.Array {
			if dst, err = AppendPacket(dst, item); err != nil {
				return dst, err
			}
		}
		return dst, nil
	default:
		return dst, ErrInvalidSyntax
	}
}

// Decode parses one reply from the front of buf and returns it with the number of bytes it spans.
// When buf holds only part of a value it returns ErrIncomplete and consumes nothing. Malformed
// input yields a *ProtocolError.
func Decode(buf []byte) (*RespPacket, int, error) {
	var sc scanner
	return sc.decode(buf)
}

// scanner validates one value element by element and remembers how far it got, so a value that
// arrives over many reads is walked once in total. Offsets are relative to the start of the value.
type scanner struct {
	off int
	// pending holds the number of elements still expected by each open array, innermost last.
	pending []int
	steps   int
}

// decode validates buf from where the previous call stopped and, once the value is complete,
// builds it and resets the scanner.
func (sc *scanner) decode(buf []byte) (*RespPacket, int, error) {
	n, err := sc.scan(buf)
	if err != nil {
		return nil, 0, err
	}
	var pkt *RespPacket
	_, _ = parseValue(buf, 0, 0, &pkt)
	sc.reset()
	return pkt, n, nil
}

func (sc *scanner) scan(buf []byte) (int, error) {
	for {
		sc.steps++
		next, count, err := scanElement(buf, sc.off, len(sc.pending))
		if err != nil {
			return 0, err
		}
		sc.off = next
		if count > 0 {
			sc.pending = append(sc.pending, count)
			continue
		}
		// one element done; close every array it completes
		for {
			top := len(sc.pending) - 1
			if top < 0 {
				return sc.off, nil
			}
			sc.pending[top]--
			if sc.pending[top] > 0 {
				break
			}
			sc.pending = sc.pending[:top]
		}
	}
}

func (sc *scanner) reset() {
	sc.off = 0
	sc.pending = sc.pending[:0]
}

// scanElement validates the element at pos. For a non-empty array it checks only the header and
// returns the element count; everything else is validated whole.
func scanElement(buf []byte, pos, depth int) (int, int, error) {
	if pos < len(buf) && buf[pos] == RespArray {
		if depth > MaxNesting {
			return 0, 0, newProtocolError(pos, "nesting too deep")
		}
		count, next, err := readLength(buf, pos+1, MaxArrayLen)
		if err != nil {
			return 0, 0, err
		}
		return next, max(count, 0), nil
	}
	next, err := parseValue(buf, pos, depth, nil)
	return next, 0, err
}

// parseValue walks one value starting at pos and returns the offset just past it. out is nil
// during the validation pass; otherwise the value is built into *out.
func parseValue(buf []byte, pos, depth int, out **RespPacket) (int, error) {
	if pos >= len(buf) {
		return 0, ErrIncomplete
	}
	if depth > MaxNesting {
		return 0, newProtocolError(pos, "nesting too deep")
	}
	marker := buf[pos]
	switch marker {
	case RespStatus, RespError:
		line, next, err := readLine(buf, pos+1)
		if err != nil {
			return 0, err
		}
		if out != nil {
			*out = &RespPacket{Type: marker, Data: clone(line)}
		}
		return next, nil

	case RespInt:
		line, next, err := readLine(buf, pos+1)
		if err != nil {
			return 0, err
		}
		if _, perr := parseInt(line); perr != nil {
			return 0, newProtocolError(pos+1, "invalid integer "+strconv.Quote(string(line)))
		}
		if out != nil {
			*out = &RespPacket{Type: RespInt, Data: clone(line)}
		}
		return next, nil

	case RespString:
		length, next, err := readLength(buf, pos+1, MaxBulkSize)
		if err != nil {
			return 0, err
		}
		if length < 0 {
			if out != nil {
				*out = NullBulk()
			}
			return next, nil
		}
		end := next + length
		if len(buf) < end+2 {
			return 0, ErrIncomplete
		}
		if buf[end] != '\r' || buf[end+1] != '\n' {
			return 0, newProtocolError(end, "bulk string not terminated by CRLF")
		}
		if out != nil {
			data := make([]byte, length)
			copy(data, buf[next:end])
			*out = &RespPacket{Type: RespString, Data: data}
		}
		return end + 2, nil

	case RespArray:
		count, next, err := readLength(buf, pos+1, MaxArrayLen)
		if err != nil {
			return 0, err
		}
		if count < 0 {
			if out != nil {
				*out = NullArray()
			}
			return next, nil
		}
		var items []*RespPacket
		if out != nil {
			items = make([]*RespPacket, count)
		}
		for i := 0; i < count; i++ {
			var slot **RespPacket
			if out != nil {
				slot = &items[i]
			}
			if next, err = parseValue(buf, next, depth+1, slot); err != nil {
				return 0, err
			}
		}
		if out != nil {
			*out = &RespPacket{Type: RespArray, Array: items}
		}
		return next, nil

	default:
		return 0, newProtocolError(pos, "unexpected leading byte "+strconv.QuoteRune(rune(marker)))
	}
}

// readLine returns the bytes between start and the next CRLF, and the offset after the CRLF.
func readLine(buf []byte, start int) ([]byte, int, error) {
	idx := bytes.IndexByte(buf[start:], '\n')
	if idx < 0 {
		if len(buf)-start > MaxLineSize {
			return nil, 0, &ProtocolError{Offset: start, Reason: "line too long", Err: ErrTooLarge}
		}
		return nil, 0, ErrIncomplete
	}
	end := start + idx
	if idx == 0 || buf[end-1] != '\r' {
		return nil, 0, newProtocolError(end, "line not terminated by CRLF")
	}
	return buf[start : end-1], end + 1, nil
}

// readLength parses a bulk or array header. -1 is returned for the null marker.
func readLength(buf []byte, start int, limit int) (int, int, error) {
	line, next, err := readLine(buf, start)
	if err != nil {
		return 0, 0, err
	}
	n, perr := parseInt(line)
	if perr != nil {
		return 0, 0, newProtocolError(start, "invalid length "+strconv.Quote(string(line)))
	}
	switch {
	case n == -1:
		return -1, next, nil
	case n < -1:
		return 0, 0, newProtocolError(start, "negative length "+strconv.FormatInt(n, 10))
	case n > int64(limit):
		return 0, 0, &ProtocolError{Offset: start, Reason: "length " + strconv.FormatInt(n, 10) + " exceeds limit", Err: ErrTooLarge}
	}
	return int(n), next, nil
}

// Helper function for parsing integers
func parseInt(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, ErrInvalidSyntax
	}
	if len(b) < 10 { // Fast path for small numbers
		var neg, i = false, 0
		switch b[0] {
		case '-':
			neg = true
			fallthrough
		case '+':
			i++
		}
		if len(b) != i {
			var n int64
			for ; i < len(b) && b[i] >= '0' && b[i] <= '9'; i++ {
				n = int64(b[i]-'0') + n*10
			}
			if len(b) == i {
				if neg {
					n = -n
				}
				return n, nil
			}
		}
	}
	return strconv.ParseInt(string(b), 10, 64)
}

func decimalLen(n int) int {
	l := 1
	for n >= 10 {
		n /= 10
		l++
	}
	return l
}

func clone(b []byte) []byte {
	return append(make([]byte, 0, len(b)), b...)
}

// Decoder is an append-only byte buffer with a read cursor. Bytes go in through Feed or ReadFrom
// and complete replies come out of Next in stream order.
type Decoder struct {
	buf []byte
	pos int
	sc  scanner
}

func NewDecoder(size int) *Decoder {
	return &Decoder{buf: make([]byte, 0, size)}
}

func (d *Decoder) Feed(p []byte) {
	d.compact()
	d.buf = append(d.buf, p...)
}

// ReadFrom performs a single Read from r into the free tail of the buffer.
func (d *Decoder) ReadFrom(r io.Reader) (int, error) {
	d.compact()
	if cap(d.buf)-len(d.buf) < minReadSpace {
		grown := make([]byte, len(d.buf), 2*cap(d.buf)+minReadSpace)
		copy(grown, d.buf)
		d.buf = grown
	}
	n, err := r.Read(d.buf[len(d.buf):cap(d.buf)])
	d.buf = d.buf[:len(d.buf)+n]
	return n, err
}

// Next decodes the oldest complete reply. It returns ErrIncomplete, leaving the buffer untouched,
// when more bytes are needed.
func (d *Decoder) Next() (*RespPacket, error) {
	if d.pos == len(d.buf) {
		return nil, ErrIncomplete
	}
	pkt, n, err := d.sc.decode(d.buf[d.pos:])
	if err != nil {
		return nil, err
	}
	d.pos += n
	if d.pos == len(d.buf) {
		d.buf = d.buf[:0]
		d.pos = 0
	}
	return pkt, nil
}

func (d *Decoder) Buffered() int {
	return len(d.buf) - d.pos
}

// Reset discards every undecoded byte.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.pos = 0
	d.sc.reset()
}

func (d *Decoder) compact() {
	if d.pos == 0 {
		return
	}
	n := copy(d.buf, d.buf[d.pos:])
	d.buf = d.buf[:n]
	d.pos = 0
}
