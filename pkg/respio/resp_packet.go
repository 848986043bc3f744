package respio

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// RespPacket is one decoded reply. Type selects the variant:
//
//	RespStatus, RespError: Data holds the line.
//	RespInt:               Data holds the ASCII decimal.
//	RespString:            Data holds the payload, nil for the null bulk string.
//	RespArray:             Array holds the elements, nil for the null array.
type RespPacket struct {
	Type  byte
	Data  []byte
	Array []*RespPacket
}

func NewStatus(s string) *RespPacket {
	return &RespPacket{Type: RespStatus, Data: []byte(s)}
}

func NewError(s string) *RespPacket {
	return &RespPacket{Type: RespError, Data: []byte(s)}
}

func NewInt(n int64) *RespPacket {
	return &RespPacket{Type: RespInt, Data: strconv.AppendInt(nil, n, 10)}
}

// NewBulk copies b so the packet never aliases a caller buffer. A nil b yields the null bulk string.
func NewBulk(b []byte) *RespPacket {
	if b == nil {
		return &RespPacket{Type: RespString}
	}
	return &RespPacket{Type: RespString, Data: append(make([]byte, 0, len(b)), b...)}
}

func NewArray(items ...*RespPacket) *RespPacket {
	if items == nil {
		items = []*RespPacket{}
	}
	return &RespPacket{Type: RespArray, Array: items}
}

func NullBulk() *RespPacket {
	return &RespPacket{Type: RespString}
}

func NullArray() *RespPacket {
	return &RespPacket{Type: RespArray}
}

// IsNull reports the null bulk string and the null array.
func (p *RespPacket) IsNull() bool {
	switch p.Type {
	case RespString:
		return p.Data == nil
	case RespArray:
		return p.Array == nil
	default:
		return false
	}
}

// Int returns the value of an integer reply, or of a bulk string holding a decimal.
func (p *RespPacket) Int() (int64, error) {
	switch p.Type {
	case RespInt, RespString:
		if p.Data == nil {
			return 0, fmt.Errorf("null reply is not an integer")
		}
		return parseInt(p.Data)
	case RespError:
		return 0, p.Err()
	default:
		return 0, fmt.Errorf("reply type %q is not an integer", p.Type)
	}
}

// Text returns the payload of status, error, integer and bulk replies.
func (p *RespPacket) Text() string {
	return string(p.Data)
}

// Err converts an error reply into a *ReplyError and returns nil for every other variant.
func (p *RespPacket) Err() error {
	if p.Type != RespError {
		return nil
	}
	return &ReplyError{Message: string(p.Data)}
}

func (p *RespPacket) GetCommand() []byte {
	if p.Type == RespArray && len(p.Array) > 0 {
		return p.Array[0].Data
	}
	return p.Data
}

// IsCommand reports whether the packet is an array whose first element equals name, ignoring case.
func (p *RespPacket) IsCommand(name []byte) bool {
	return p.Type == RespArray && len(p.Array) > 0 && bytes.EqualFold(p.Array[0].Data, name)
}

// Equal compares two packets structurally, distinguishing null from empty.
func (p *RespPacket) Equal(o *RespPacket) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.Type != o.Type {
		return false
	}
	if p.Type == RespArray {
		if (p.Array == nil) != (o.Array == nil) || len(p.Array) != len(o.Array) {
			return false
		}
		for i := range p.Array {
			if !p.Array[i].Equal(o.Array[i]) {
				return false
			}
		}
		return true
	}
	return (p.Data == nil) == (o.Data == nil) && bytes.Equal(p.Data, o.Data)
}

// String returns a string representation of the RespPacket
// Only for debugging purposes
func (p *RespPacket) String() string {
	switch p.Type {
	case RespStatus:
		return fmt.Sprintf("Status: \"%s\"", string(p.Data))

	case RespError:
		return fmt.Sprintf("Error: %s", string(p.Data))

	case RespInt:
		return fmt.Sprintf("Integer: %s", string(p.Data))

	case RespString:
		if p.Data == nil {
			return "String: (nil)"
		}
		return fmt.Sprintf("String: \"%s\"", string(p.Data))

	case RespArray:
		if p.Array == nil {
			return "Array: (nil)"
		}
		if len(p.Array) == 0 {
			return "Array: (empty)"
		}

		var b strings.Builder
		b.WriteString("Array:\n")
		for i, elem := range p.Array {
			elemStr := elem.String()
			lines := strings.Split(elemStr, "\n")
			b.WriteString(fmt.Sprintf("  %d) %s\n", i+1, lines[0]))
			for _, line := range lines[1:] {
				b.WriteString(fmt.Sprintf("     %s\n", line))
			}
		}
		return strings.TrimRight(b.String(), "\n")

	default:
		return fmt.Sprintf("(unknown type: %c)", p.Type)
	}
}
