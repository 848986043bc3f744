package respio

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCommand(t *testing.T) {
	frame := EncodeCommand([]byte("SET"), []byte("abc"), []byte("XXX"))
	assert.Equal(t, "*3\r\n$3\r\nSET\r\n$3\r\nabc\r\n$3\r\nXXX\r\n", string(frame))
	assert.Equal(t, len(frame), CommandSize([]byte("SET"), []byte("abc"), []byte("XXX")))

	empty := EncodeCommand([]byte("GET"), []byte{})
	assert.Equal(t, "*2\r\n$3\r\nGET\r\n$0\r\n\r\n", string(empty))
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected *RespPacket
	}{
		{name: "status", input: "+OK\r\n", expected: NewStatus("OK")},
		{name: "error", input: "-ERR unknown command\r\n", expected: NewError("ERR unknown command")},
		{name: "integer", input: ":1000\r\n", expected: NewInt(1000)},
		{name: "negative integer", input: ":-42\r\n", expected: NewInt(-42)},
		{name: "bulk", input: "$3\r\nXXX\r\n", expected: NewBulk([]byte("XXX"))},
		{name: "empty bulk", input: "$0\r\n\r\n", expected: NewBulk([]byte{})},
		{name: "null bulk", input: "$-1\r\n", expected: NullBulk()},
		{name: "binary bulk", input: "$4\r\n\r\n\x00\n\r\n", expected: NewBulk([]byte("\r\n\x00\n"))},
		{name: "empty array", input: "*0\r\n", expected: NewArray()},
		{name: "null array", input: "*-1\r\n", expected: NullArray()},
		{
			// HMGET myhash field1 field2 nofield
			name:  "mixed array",
			input: "*3\r\n$5\r\nHello\r\n$5\r\nWorld\r\n$-1\r\n",
			expected: NewArray(
				NewBulk([]byte("Hello")),
				NewBulk([]byte("World")),
				NullBulk(),
			),
		},
		{
			name:  "nested array",
			input: "*2\r\n*2\r\n:1\r\n+two\r\n*-1\r\n",
			expected: NewArray(
				NewArray(NewInt(1), NewStatus("two")),
				NullArray(),
			),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt, n, err := Decode([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, len(tt.input), n)
			assert.True(t, tt.expected.Equal(pkt), "got %s", pkt)
		})
	}
}

func TestDecodeIncompleteConsumesNothing(t *testing.T) {
	inputs := []string{
		"+OK\r\n",
		":12345\r\n",
		"$5\r\nhello\r\n",
		"*2\r\n$3\r\nfoo\r\n$-1\r\n",
	}
	for _, input := range inputs {
		for i := 0; i < len(input); i++ {
			pkt, n, err := Decode([]byte(input[:i]))
			assert.ErrorIs(t, err, ErrIncomplete, "prefix %q", input[:i])
			assert.Nil(t, pkt)
			assert.Equal(t, 0, n)
		}
	}
}

func TestDecodeProtocolErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "unknown leading byte", input: "!oops\r\n"},
		{name: "non numeric length", input: "$abc\r\nxyz\r\n"},
		{name: "negative length", input: "$-2\r\n"},
		{name: "negative count", input: "*-5\r\n"},
		{name: "bad integer", input: ":12a\r\n"},
		{name: "missing CR", input: "+OK\n"},
		{name: "bulk without CRLF", input: "$3\r\nabcde\r\n"},
		{name: "bad nested element", input: "*2\r\n:1\r\n?\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, n, err := Decode([]byte(tt.input))
			require.Error(t, err)
			assert.Equal(t, 0, n)
			assert.ErrorIs(t, err, ErrInvalidSyntax)
			var protoErr *ProtocolError
			assert.True(t, errors.As(err, &protoErr))
		})
	}
}

func TestDecodeLimits(t *testing.T) {
	_, _, err := Decode([]byte("$999999999999\r\n"))
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.ErrorIs(t, err, ErrInvalidSyntax)

	deep := make([]byte, 0, 2*(MaxNesting+2))
	for i := 0; i < MaxNesting+2; i++ {
		deep = append(deep, "*1\r\n"...)
	}
	_, _, err = Decode(deep)
	assert.ErrorIs(t, err, ErrInvalidSyntax)
}

func TestCommandRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	alphabet := []byte("ab\r\n\x00$*+-:")
	for i := 0; i < 200; i++ {
		args := make([][]byte, 1+rnd.Intn(6))
		for j := range args {
			arg := make([]byte, rnd.Intn(40))
			for k := range arg {
				arg[k] = alphabet[rnd.Intn(len(alphabet))]
			}
			args[j] = arg
		}
		frame := EncodeCommand(args...)
		pkt, n, err := Decode(frame)
		require.NoError(t, err)
		require.Equal(t, len(frame), n)
		require.Len(t, pkt.Array, len(args))

		decoded := make([][]byte, len(pkt.Array))
		for j, elem := range pkt.Array {
			assert.Equal(t, RespString, elem.Type)
			assert.Equal(t, args[j], elem.Data)
			decoded[j] = elem.Data
		}
		assert.Equal(t, frame, EncodeCommand(decoded...))
	}
}

func TestDecoderByteAtATime(t *testing.T) {
	stream := []byte("+OK\r\n:7\r\n$3\r\nXXX\r\n$-1\r\n*2\r\n$1\r\na\r\n:-1\r\n-ERR boom\r\n")

	whole := NewDecoder(0)
	whole.Feed(stream)
	var expected []*RespPacket
	for {
		pkt, err := whole.Next()
		if errors.Is(err, ErrIncomplete) {
			break
		}
		require.NoError(t, err)
		expected = append(expected, pkt)
	}
	require.Len(t, expected, 6)
	assert.Equal(t, 0, whole.Buffered())

	split := NewDecoder(0)
	var got []*RespPacket
	for _, b := range stream {
		split.Feed([]byte{b})
		for {
			pkt, err := split.Next()
			if errors.Is(err, ErrIncomplete) {
				break
			}
			require.NoError(t, err)
			got = append(got, pkt)
		}
	}
	require.Len(t, got, len(expected))
	for i := range expected {
		assert.True(t, expected[i].Equal(got[i]), "reply %d: %s != %s", i, expected[i], got[i])
	}
}

func TestDecoderLargeArrayInChunks(t *testing.T) {
	const count, chunk = 100000, 4096
	items := make([]*RespPacket, 0, count+1)
	for i := 0; i < count; i++ {
		items = append(items, NewBulk([]byte(fmt.Sprintf("value-%d", i))))
	}
	items = append(items, NewArray(NewInt(7), NewStatus("ok")))
	want := NewArray(items...)
	encoded, err := AppendPacket(nil, want)
	require.NoError(t, err)

	d := NewDecoder(DefaultBufferSize)
	var got *RespPacket
	feeds := 0
	for off := 0; off < len(encoded); off += chunk {
		d.Feed(encoded[off:min(off+chunk, len(encoded))])
		feeds++
		got, err = d.Next()
		if off+chunk < len(encoded) {
			require.ErrorIs(t, err, ErrIncomplete)
			require.Equal(t, min(off+chunk, len(encoded)), d.Buffered())
		}
	}
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
	assert.Equal(t, 0, d.Buffered())

	// every element is validated once, plus one stalled attempt per feed
	elements := 1 + count + 3
	assert.LessOrEqual(t, d.sc.steps, elements+feeds)
}

func TestDecoderTwoRepliesOneFeed(t *testing.T) {
	d := NewDecoder(16)
	d.Feed([]byte("$3\r\nXXX\r\n$3\r\nYYY\r\n$2\r\nZ"))

	first, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "XXX", first.Text())
	second, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "YYY", second.Text())

	_, err = d.Next()
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, 5, d.Buffered())

	d.Feed([]byte("Z\r\n"))
	third, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "ZZ", third.Text())
}

func TestRespPacketHelpers(t *testing.T) {
	n, err := NewInt(12).Int()
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	n, err = NewBulk([]byte("-3")).Int()
	require.NoError(t, err)
	assert.Equal(t, int64(-3), n)

	_, err = NullBulk().Int()
	assert.Error(t, err)

	replyErr := NewError("ERR wrong type").Err()
	var re *ReplyError
	require.True(t, errors.As(replyErr, &re))
	assert.Equal(t, "ERR wrong type", re.Message)
	assert.NoError(t, NewStatus("OK").Err())

	assert.True(t, NullBulk().IsNull())
	assert.False(t, NewBulk([]byte{}).IsNull())
	assert.True(t, NullArray().IsNull())
	assert.False(t, NewArray().IsNull())
	assert.False(t, NullBulk().Equal(NewBulk([]byte{})))
	assert.True(t, commandPacket(t, "GET", "k").IsCommand([]byte("get")))
}

func commandPacket(t *testing.T, args ...string) *RespPacket {
	t.Helper()
	raw := make([][]byte, len(args))
	for i, a := range args {
		raw[i] = []byte(a)
	}
	pkt, _, err := Decode(EncodeCommand(raw...))
	require.NoError(t, err)
	return pkt
}

func TestAppendPacket(t *testing.T) {
	packets := []*RespPacket{
		NewStatus("OK"),
		NewError("ERR unknown command 'FOO'"),
		NewInt(-42),
		NewBulk([]byte("a\r\nb")),
		NewBulk([]byte{}),
		NullBulk(),
		NullArray(),
		NewArray(),
		NewArray(NewInt(1), NewArray(NewBulk([]byte("x")), NullBulk()), NewStatus("done")),
	}
	var buf []byte
	for _, p := range packets {
		var err error
		buf, err = AppendPacket(buf, p)
		require.NoError(t, err)
	}
	for _, want := range packets {
		got, n, err := Decode(buf)
		require.NoError(t, err)
		assert.True(t, want.Equal(got), "got %s, want %s", got, want)
		buf = buf[n:]
	}
	assert.Empty(t, buf)

	_, err := AppendPacket(nil, &RespPacket{Type: '!'})
	assert.ErrorIs(t, err, ErrInvalidSyntax)
}
