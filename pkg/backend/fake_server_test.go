package backend

import (
	"bytes"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/pzhenzhou/pipekv/pkg/respio"
	"github.com/stretchr/testify/require"
)

// fakeServer accepts connections on loopback and hands each one to serve.
type fakeServer struct {
	ln    net.Listener
	serve func(conn net.Conn)
	wg    sync.WaitGroup
}

func startFakeServer(t *testing.T, serve func(conn net.Conn)) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{ln: ln, serve: serve}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer conn.Close()
				s.serve(conn)
			}()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
	})
	return s
}

func (s *fakeServer) Addr() string {
	return s.ln.Addr().String()
}

// kvHandler answers SET, GET and ECHO against a map private to the connection.
func kvHandler() func(cmd *respio.RespPacket) *respio.RespPacket {
	store := map[string][]byte{}
	return func(cmd *respio.RespPacket) *respio.RespPacket {
		args := cmd.Array
		name := strings.ToUpper(string(cmd.GetCommand()))
		switch {
		case name == "SET" && len(args) == 3:
			store[string(args[1].Data)] = args[2].Data
			return respio.NewStatus("OK")
		case name == "GET" && len(args) == 2:
			return respio.NewBulk(store[string(args[1].Data)])
		case name == "ECHO" && len(args) == 2:
			return respio.NewBulk(args[1].Data)
		case name == "PING":
			return respio.NewStatus("PONG")
		default:
			return respio.NewError("ERR unknown command '" + name + "'")
		}
	}
}

// replyLoop answers up to limit commands (limit < 0 means no limit), flushing whenever the
// input buffer runs dry. After limit replies it half-closes and drains the client.
func replyLoop(limit int) func(conn net.Conn) {
	return func(conn net.Conn) {
		handle := kvHandler()
		reader := respio.NewRespReader(conn)
		writer := respio.NewRespWriter(conn)
		for served := 0; limit < 0 || served < limit; served++ {
			cmd, err := reader.Read()
			if err != nil {
				return
			}
			if err := writer.Write(handle(cmd)); err != nil {
				return
			}
			if reader.Buffered() == 0 || served+1 == limit {
				if err := writer.Flush(); err != nil {
					return
				}
			}
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
		_, _ = io.Copy(io.Discard, conn)
	}
}

// scriptedServer reads want commands and then writes raw in a single Write.
func scriptedServer(want int, raw []byte, release <-chan struct{}) func(conn net.Conn) {
	return func(conn net.Conn) {
		reader := respio.NewRespReader(conn)
		for i := 0; i < want; i++ {
			if _, err := reader.Read(); err != nil {
				return
			}
		}
		if release != nil {
			<-release
		}
		if _, err := conn.Write(raw); err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, conn)
	}
}

func bulkReplies(values ...string) []byte {
	var buf bytes.Buffer
	w := respio.NewRespWriter(&buf)
	for _, v := range values {
		_ = w.WriteBulkString([]byte(v))
	}
	_ = w.Flush()
	return buf.Bytes()
}

func args(parts ...string) [][]byte {
	out := make([][]byte, len(parts))
	for i, p := range parts {
		out[i] = []byte(p)
	}
	return out
}
