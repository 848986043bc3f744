package respio

import (
	"bufio"
	"io"
	"strconv"
)

type RespWriter struct {
	writer *bufio.Writer
}

func NewRespWriter(w io.Writer) *RespWriter {
	return &RespWriter{
		writer: bufio.NewWriterSize(w, DefaultBufferSize),
	}
}

// WriteCommand writes args with the request framing.
func (w *RespWriter) WriteCommand(args ...[]byte) error {
	if err := w.writeHeader(RespArray, len(args)); err != nil {
		return err
	}
	for _, arg := range args {
		if err := w.WriteBulkString(arg); err != nil {
			return err
		}
	}
	return nil
}

// WriteRaw writes bytes that are already framed, such as a pooled command frame.
func (w *RespWriter) WriteRaw(frame []byte) error {
	_, err := w.writer.Write(frame)
	return err
}

// Write writes a complete RESP packet to the underlying bufio.Writer.
func (w *RespWriter) Write(p *RespPacket) error {
	switch p.Type {
	case RespStatus:
		// +<string>\r\n
		return w.WriteStatus(string(p.Data))

	case RespError:
		// -<string>\r\n
		return w.WriteError(string(p.Data))

	case RespInt:
		// :<int>\r\n
		val, err := parseInt(p.Data)
		if err != nil {
			return err
		}
		return w.WriteInt64(val)

	case RespString:
		// $<len>\r\n<bytes>\r\n
		return w.WriteBulkString(p.Data)

	case RespArray:
		// *<len>\r\n<element-1>...<element-n>
		return w.WriteArray(p.Array)

	default:
		logger.Info("RespWriter Unknown packet type", "type", p.Type)
		return ErrInvalidSyntax
	}
}

// WriteStatus writes a status response (e.g., "OK")
func (w *RespWriter) WriteStatus(status string) error {
	return w.writeLine(RespStatus, status)
}

// WriteError writes an error response
func (w *RespWriter) WriteError(msg string) error {
	return w.writeLine(RespError, msg)
}

func (w *RespWriter) WriteInt64(n int64) error {
	return w.writeLine(RespInt, strconv.FormatInt(n, 10))
}

// WriteBulkString writes a bulk string, nil writes the null bulk string.
func (w *RespWriter) WriteBulkString(b []byte) error {
	if b == nil {
		_, err := w.writer.WriteString(Nil)
		return err
	}
	if err := w.writeHeader(RespString, len(b)); err != nil {
		return err
	}
	if _, err := w.writer.Write(b); err != nil {
		return err
	}
	return w.writeCRLF()
}

// WriteArray writes an array of RESP packets, nil writes the null array.
func (w *RespWriter) WriteArray(array []*RespPacket) error {
	if array == nil {
		_, err := w.writer.WriteString(NilArray)
		return err
	}
	if err := w.writeHeader(RespArray, len(array)); err != nil {
		logger.Error(err, "RespWriter WriteArray error", "Pkt", array)
		return err
	}
	for _, packet := range array {
		if err := w.Write(packet); err != nil {
			return err
		}
	}
	return nil
}

// Buffered returns the number of bytes waiting for Flush.
func (w *RespWriter) Buffered() int {
	return w.writer.Buffered()
}

// Flush writes any buffered data to the underlying io.Writer
func (w *RespWriter) Flush() error {
	return w.writer.Flush()
}

func (w *RespWriter) writeLine(marker byte, line string) error {
	if err := w.writer.WriteByte(marker); err != nil {
		return err
	}
	if _, err := w.writer.WriteString(line); err != nil {
		return err
	}
	return w.writeCRLF()
}

func (w *RespWriter) writeHeader(marker byte, n int) error {
	if err := w.writer.WriteByte(marker); err != nil {
		return err
	}
	var num [20]byte
	if _, err := w.writer.Write(strconv.AppendInt(num[:0], int64(n), 10)); err != nil {
		return err
	}
	return w.writeCRLF()
}

func (w *RespWriter) writeCRLF() error {
	_, err := w.writer.WriteString(CRLF)
	return err
}
